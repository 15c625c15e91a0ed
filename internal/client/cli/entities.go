package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/iudanet/tasksync/internal/client/offline"
	"github.com/iudanet/tasksync/internal/client/search"
	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/client/store"
	"github.com/iudanet/tasksync/internal/models"
)

// ListOptions фильтры команды list
type ListOptions struct {
	Status         string
	IncludeDeleted bool
}

func (c *Cli) runAdd(ctx context.Context, typeName string, args []string) error {
	t, err := parseType(typeName)
	if err != nil {
		return err
	}
	fields, err := parseFields(args)
	if err != nil {
		return err
	}

	e, err := c.engine.CreateEntity(ctx, t, fields)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", t, err)
	}

	c.io.Printf("✓ Created %s %s (pending sync)\n", t, e.ID)
	return nil
}

func (c *Cli) runUpdate(ctx context.Context, typeName, id string, args []string, unset []string) error {
	t, err := parseType(typeName)
	if err != nil {
		return err
	}
	changes, err := parseFields(args)
	if err != nil {
		return err
	}
	for _, name := range unset {
		changes[name] = nil
	}
	if len(changes) == 0 {
		return fmt.Errorf("nothing to update. Usage: update <type> <id> key=value ...")
	}

	e, err := c.engine.UpdateEntity(ctx, t, id, changes)
	if err != nil {
		if errors.Is(err, offline.ErrConflictPending) {
			return fmt.Errorf("%s %s has an unresolved conflict. Run 'conflicts' to review it", t, id)
		}
		return fmt.Errorf("failed to update %s: %w", t, err)
	}

	c.io.Printf("✓ Updated %s %s (version %d, %s)\n", t, e.ID, e.Version, e.SyncStatus)
	return nil
}

func (c *Cli) runGet(ctx context.Context, typeName, id string) error {
	t, err := parseType(typeName)
	if err != nil {
		return err
	}

	e, err := c.engine.GetEntity(ctx, t, id)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return fmt.Errorf("%s not found with ID: %s", t, id)
		}
		return fmt.Errorf("failed to get %s: %w", t, err)
	}

	return templates.ExecuteTemplate(c.io, "entity", e)
}

func (c *Cli) runList(ctx context.Context, typeName string, opts ListOptions) error {
	t, err := parseType(typeName)
	if err != nil {
		return err
	}

	entities, err := c.engine.GetEntities(ctx, t, store.Filter{
		Status:         models.SyncStatus(opts.Status),
		IncludeDeleted: opts.IncludeDeleted,
	})
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", t.Endpoint(), err)
	}

	c.io.Printf("=== %s (%d) ===\n\n", title(t)+"s", len(entities))
	if len(entities) == 0 {
		c.io.Println("No entries found.")
		return nil
	}

	for _, e := range entities {
		c.io.Printf("%-38s %-16s %-14s %s\n", e.ID, e.SyncStatus, humanize.Time(e.LastModified), displayName(e))
	}
	return nil
}

func (c *Cli) runDelete(ctx context.Context, typeName, id string, force bool) error {
	t, err := parseType(typeName)
	if err != nil {
		return err
	}

	if !force {
		answer, err := c.io.ReadInput(fmt.Sprintf("Delete %s %s? [y/N]: ", t, id))
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			c.io.Println("Cancelled.")
			return nil
		}
	}

	if err := c.engine.DeleteEntity(ctx, t, id); err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return fmt.Errorf("%s not found with ID: %s", t, id)
		}
		return fmt.Errorf("failed to delete %s: %w", t, err)
	}

	c.io.Printf("✓ Deleted %s %s\n", t, id)
	return nil
}

func (c *Cli) runSearch(ctx context.Context, query string, types []string, opts search.Options) error {
	for _, name := range types {
		t, err := parseType(name)
		if err != nil {
			return err
		}
		opts.Types = append(opts.Types, t)
	}

	hits, err := c.engine.SearchEntities(ctx, query, opts)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if len(hits) == 0 {
		c.io.Println("No matches.")
		return nil
	}
	for _, h := range hits {
		c.io.Printf("%-10s %-38s %.2f  %s\n", h.Entity.Type, h.Entity.ID, h.Score, displayName(h.Entity))
	}
	return nil
}

// displayName возвращает title или name записи
func displayName(e *models.Entity) string {
	for _, key := range []string{"title", "name"} {
		if s, ok := e.Fields[key].(string); ok {
			return s
		}
	}
	return ""
}
