package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/iudanet/tasksync/internal/models"
)

func (c *Cli) runSync(ctx context.Context) error {
	c.io.Println("=== Synchronization ===")
	c.io.Println()

	result, err := c.engine.Sync(ctx)
	if err != nil {
		return fmt.Errorf("synchronization failed: %w", err)
	}

	c.io.Printf("Sent:        %d\n", result.Succeeded)
	if result.Failed > 0 {
		c.io.Printf("Retrying:    %d\n", result.Failed)
	}
	if result.Conflicted > 0 {
		c.io.Printf("Conflicts:   %d\n", result.Conflicted)
	}
	if result.Dropped > 0 {
		c.io.Printf("Dropped:     %d\n", result.Dropped)
	}
	if result.Skipped > 0 {
		c.io.Printf("Waiting:     %d\n", result.Skipped)
	}

	c.io.Println()
	if result.Conflicted > 0 {
		c.io.Println("⚠️  Run 'conflicts' to review and 'resolve' to settle them.")
	} else if result.Processed() == 0 {
		c.io.Println("✓ Nothing to synchronize")
	} else {
		c.io.Println("✓ Synchronization completed")
	}
	return nil
}

func (c *Cli) runStatus(ctx context.Context) error {
	c.io.Println("=== Sync Status ===")
	c.io.Println()

	items, err := c.engine.Queue(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sync queue: %w", err)
	}
	conflicts, err := c.engine.Conflicts(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to read conflicts: %w", err)
	}

	if len(items) == 0 {
		c.io.Println("✓ All data synchronized with server")
	} else {
		c.io.Printf("⚠️  Pending sync: %d change(s)\n", len(items))
		for _, item := range items {
			line := fmt.Sprintf("  %-7s %s", item.Action, item.EntityKey())
			if item.RetryCount > 0 {
				line += fmt.Sprintf("  retry %d/%d, next %s", item.RetryCount, item.MaxRetries, humanize.Time(item.NextRetryAt))
			}
			c.io.Println(line)
		}
	}
	if len(conflicts) > 0 {
		c.io.Printf("⚠️  Unresolved conflicts: %d\n", len(conflicts))
	}

	stats, err := c.engine.Stats(ctx)
	if err != nil {
		// Не прерываем выполнение, статистика вторична
		c.io.Printf("\nWarning: failed to get storage stats: %v\n", err)
		return nil
	}
	c.io.Println()
	c.io.Printf("Storage: %s of %s (%.1f%%)\n",
		humanize.IBytes(uint64(stats.TotalSize)),
		humanize.IBytes(uint64(stats.Quota)),
		stats.Usage()*100)
	return nil
}

func (c *Cli) runConflicts(ctx context.Context, all bool) error {
	conflicts, err := c.engine.Conflicts(ctx, !all)
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}
	if len(conflicts) == 0 {
		c.io.Println("✓ No conflicts")
		return nil
	}
	for _, conflict := range conflicts {
		if err := templates.ExecuteTemplate(c.io, "conflict", conflict); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cli) runResolve(ctx context.Context, id, strategy string, args []string) error {
	resolution := models.Resolution(strategy)
	if !resolution.Valid() {
		return fmt.Errorf("unknown strategy %q. Use: local, remote or merge", strategy)
	}
	overrides, err := parseFields(args)
	if err != nil {
		return err
	}
	if len(overrides) > 0 && resolution != models.ResolutionMerge {
		return fmt.Errorf("field overrides are only allowed with the merge strategy")
	}

	resolved, err := c.engine.ResolveConflict(ctx, id, resolution, overrides)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}

	c.io.Printf("✓ Conflict %s resolved with %s for %s %s\n", resolved.ID, resolution, resolved.EntityType, resolved.EntityID)
	return nil
}
