package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/docparser/internal/source"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is used when a batch is started with a limit below 1.
const DefaultConcurrency = 4

// BatchResult holds one outcome per request, in request order.
type BatchResult struct {
	Outcomes []Outcome
}

// Summary counts outcomes by status.
func (b *BatchResult) Summary() map[OutcomeStatus]int {
	out := map[OutcomeStatus]int{}
	for _, o := range b.Outcomes {
		out[o.Status]++
	}
	return out
}

// Failed returns the failed outcomes.
func (b *BatchResult) Failed() []Outcome {
	var out []Outcome
	for _, o := range b.Outcomes {
		if o.Status == OutcomeFailed {
			out = append(out, o)
		}
	}
	return out
}

// ProcessBatch runs every request through Process with at most limit files
// in flight. A failing file never stops its siblings. The batch aborts,
// returning a non-nil error, only when the record store itself becomes
// unreachable; files not yet started are then reported as failed with
// ErrBatchAborted.
func (p *Pipeline) ProcessBatch(ctx context.Context, reqs []Request, limit int) (*BatchResult, error) {
	if limit < 1 {
		limit = DefaultConcurrency
	}
	logCtx := slog.With("files", len(reqs), "concurrency", limit)
	logCtx.Info("Starting batch.")

	if err := p.store.Ping(ctx); err != nil {
		logCtx.Error("Record store unreachable. Aborting batch.", "error", err)
		return nil, fmt.Errorf("%w: record store unreachable: %w", ErrPersistence, err)
	}

	result := &BatchResult{Outcomes: make([]Outcome, len(reqs))}
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)

	for i, req := range reqs {
		if gctx.Err() != nil {
			result.Outcomes[i] = abortedOutcome(req, gctx.Err())
			continue
		}
		eg.Go(func() error {
			if gctx.Err() != nil {
				result.Outcomes[i] = abortedOutcome(req, gctx.Err())
				return nil
			}
			o := p.Process(gctx, req)
			result.Outcomes[i] = o
			if errors.Is(o.Err, ErrPersistence) {
				if err := p.store.Ping(gctx); err != nil {
					return fmt.Errorf("%w: record store unreachable: %w", ErrPersistence, err)
				}
			}
			return nil
		})
	}
	err := eg.Wait()

	s := result.Summary()
	if err != nil {
		logCtx.Error("Batch aborted.", "error", err, "completed", s[OutcomeCompleted], "failed", s[OutcomeFailed], "skipped", s[OutcomeSkipped])
		return result, err
	}
	logCtx.Info("Batch finished.", "completed", s[OutcomeCompleted], "failed", s[OutcomeFailed], "skipped", s[OutcomeSkipped])
	return result, nil
}

// ProcessFolder lists folder in the source of the given kind and parses
// every supported file in it. Reparse and Overrides are taken from tmpl.
func (p *Pipeline) ProcessFolder(ctx context.Context, kind, folder string, tmpl Request, limit int) (*BatchResult, error) {
	src, err := p.resolver.Source(kind)
	if err != nil {
		return nil, err
	}
	files, err := src.List(ctx, folder)
	if err != nil {
		return nil, stageErr(StageResolving, ErrResolution, fmt.Errorf("failed to list %s: %w", folder, err))
	}
	slog.Info("Listed folder.", "source", kind, "folder", folder, "files", len(files))

	reqs := make([]Request, 0, len(files))
	for _, f := range files {
		reqs = append(reqs, Request{
			Source:    source.Descriptor{Kind: kind, ID: f.ID},
			Reparse:   tmpl.Reparse,
			Overrides: tmpl.Overrides,
		})
	}
	return p.ProcessBatch(ctx, reqs, limit)
}

func abortedOutcome(req Request, cause error) Outcome {
	return Outcome{
		Source: req.Source,
		Status: OutcomeFailed,
		Err:    fmt.Errorf("%w: %w", ErrBatchAborted, cause),
	}
}
