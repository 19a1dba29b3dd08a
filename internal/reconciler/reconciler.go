// Package reconciler restores the active stream set from the service after
// authentication.
package reconciler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/models"
)

// Backend fetches the two inputs of a reconciliation
type Backend interface {
	PipelineStatus(ctx context.Context) ([]int, error)
	ListSources(ctx context.Context) ([]models.Source, error)
}

// Target receives the intersection. registry.Registry satisfies it.
type Target interface {
	Reconcile(ctx context.Context, active []int, catalog []models.Source) []int
}

// Result describes one reconciliation
type Result struct {
	Active   []int
	Catalog  []models.Source
	Restored []int
}

// Reconciler fetches pipeline status and the catalog together and opens a
// channel for every source the service reports as running.
type Reconciler struct {
	backend Backend
	target  Target
	logger  *logger.Logger
}

// New creates a reconciler
func New(backend Backend, target Target, log *logger.Logger) *Reconciler {
	return &Reconciler{
		backend: backend,
		target:  target,
		logger:  log,
	}
}

// Run performs one reconciliation. If either fetch fails the target is left
// untouched and the error returned.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	var (
		active  []int
		catalog []models.Source
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := r.backend.PipelineStatus(gctx)
		if err != nil {
			return fmt.Errorf("fetch pipeline status: %w", err)
		}
		active = ids
		return nil
	})
	g.Go(func() error {
		sources, err := r.backend.ListSources(gctx)
		if err != nil {
			return fmt.Errorf("fetch sources: %w", err)
		}
		catalog = sources
		return nil
	})

	if err := g.Wait(); err != nil {
		r.logger.Warn("Reconciliation skipped", "error", err)
		return nil, err
	}

	restored := r.target.Reconcile(ctx, active, catalog)
	r.logger.Info("Reconciled active pipelines",
		"active", len(active),
		"catalog", len(catalog),
		"restored", len(restored),
	)

	return &Result{Active: active, Catalog: catalog, Restored: restored}, nil
}
