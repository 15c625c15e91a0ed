package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/iudanet/tasksync/internal/backup"
	"github.com/iudanet/tasksync/internal/client/storage"
)

func (c *Cli) runCleanup(ctx context.Context, force bool) error {
	res, err := c.engine.Cleanup(ctx, force)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	if res.Skipped {
		c.io.Println("Storage usage is below the cleanup threshold. Use --force to clean up anyway.")
		return nil
	}

	families := make([]string, 0, len(res.Removed))
	for f := range res.Removed {
		families = append(families, string(f))
	}
	sort.Strings(families)
	for _, f := range families {
		c.io.Printf("%-10s %d removed\n", f, res.Removed[storage.Family(f)])
	}
	c.io.Printf("✓ Freed %s\n", humanize.IBytes(uint64(max(res.Freed, 0))))
	return nil
}

func (c *Cli) runBackup(ctx context.Context, svc *backup.Service) error {
	name, err := svc.Backup(ctx)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	c.io.Printf("✓ Backup written: %s\n", name)
	return nil
}

func (c *Cli) runRestore(ctx context.Context, svc *backup.Service, name string) error {
	if name == "" {
		latest, err := svc.Latest(ctx)
		if err != nil {
			return fmt.Errorf("failed to find latest backup: %w", err)
		}
		name = latest
	}
	if err := svc.Restore(ctx, name); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	c.io.Printf("✓ Restored %s\n", name)
	return nil
}

func (c *Cli) runBackups(ctx context.Context, svc *backup.Service) error {
	names, err := svc.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if len(names) == 0 {
		c.io.Println("No backups found.")
		return nil
	}
	for _, name := range names {
		c.io.Println(name)
	}
	return nil
}
