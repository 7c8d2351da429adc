package services

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lllllllleong/docparser/internal/extraction"
	"github.com/Lllllllleong/docparser/internal/models"
	"github.com/Lllllllleong/docparser/internal/records"
	"github.com/Lllllllleong/docparser/internal/source"
)

func TestProcessBatchIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	var inFlight, peak atomic.Int32
	ext := &fakeExtractor{fn: func(context.Context, int) (*extraction.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return sampleResult(2), nil
	}}
	env := newTestEnv(t, ext, PipelineConfig{})

	reqs := []Request{
		localRequest(env.writeFile(t, "a.pdf", "a")),
		localRequest(filepath.Join(env.dir, "missing.pdf")),
		localRequest(env.writeFile(t, "b.pdf", "b")),
		localRequest(env.writeFile(t, "c.png", "c")),
	}
	result, err := env.pipeline.ProcessBatch(ctx, reqs, 2)
	if err != nil {
		t.Fatalf("Unexpected batch error: %v", err)
	}
	if len(result.Outcomes) != len(reqs) {
		t.Fatalf("Expected %d outcomes, got %d", len(reqs), len(result.Outcomes))
	}
	for i, o := range result.Outcomes {
		if o.Source != reqs[i].Source {
			t.Errorf("Outcome %d out of order: %v", i, o.Source)
		}
	}
	if result.Outcomes[1].Status != OutcomeFailed || !errors.Is(result.Outcomes[1].Err, ErrResolution) {
		t.Errorf("Expected the missing file to fail resolution, got %+v", result.Outcomes[1])
	}
	s := result.Summary()
	if s[OutcomeCompleted] != 3 || s[OutcomeFailed] != 1 {
		t.Errorf("Unexpected summary %v", s)
	}
	if len(result.Failed()) != 1 {
		t.Errorf("Expected 1 failure, got %d", len(result.Failed()))
	}
	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent extractions, saw %d", peak.Load())
	}
}

func TestProcessBatchStoreUnreachable(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{fn: succeed(1)}, PipelineConfig{})
	reqs := []Request{localRequest(env.writeFile(t, "a.pdf", "a"))}
	env.store.Close()

	result, err := env.pipeline.ProcessBatch(context.Background(), reqs, 1)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Expected persistence error, got %v", err)
	}
	if result != nil {
		t.Errorf("Expected no result, got %+v", result)
	}
}

func TestProcessFolder(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{fn: succeed(1)}
	env := newTestEnv(t, ext, PipelineConfig{})
	env.writeFile(t, "a.pdf", "a")
	env.writeFile(t, "b.jpg", "b")
	env.writeFile(t, "notes.txt", "ignored")
	folder := filepath.Join(env.dir, "inbox")

	result, err := env.pipeline.ProcessFolder(ctx, source.KindLocal, folder, Request{}, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s := result.Summary(); s[OutcomeCompleted] != 2 || len(result.Outcomes) != 2 {
		t.Errorf("Expected 2 completed, got %v", s)
	}

	again, err := env.pipeline.ProcessFolder(ctx, source.KindLocal, folder, Request{}, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s := again.Summary(); s[OutcomeSkipped] != 2 {
		t.Errorf("Expected 2 skipped, got %v", s)
	}

	forced, err := env.pipeline.ProcessFolder(ctx, source.KindLocal, folder, Request{Reparse: true}, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s := forced.Summary(); s[OutcomeCompleted] != 2 {
		t.Errorf("Expected 2 completed on reparse, got %v", s)
	}
	if ext.calls.Load() != 4 {
		t.Errorf("Expected 4 calls, got %d", ext.calls.Load())
	}

	if _, err := env.pipeline.ProcessFolder(ctx, source.KindLocal, filepath.Join(env.dir, "nope"), Request{}, 0); !errors.Is(err, source.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := env.pipeline.ProcessFolder(ctx, source.KindDrive, "folder", Request{}, 0); err == nil {
		t.Error("Expected an error for an unregistered source")
	}
}

func TestStatusAndAttempt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeExtractor{fn: succeed(4)}, PipelineConfig{})
	out := env.pipeline.Process(ctx, localRequest(env.writeFile(t, "a.pdf", "a")))

	report, err := env.pipeline.Status(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if report.TotalFiles() != 1 || report.Elements != 4 {
		t.Errorf("Unexpected report %+v", report)
	}

	resp, err := env.pipeline.Attempt(ctx, out.AttemptID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.Elements != 4 || resp.Attempt.ID != out.AttemptID {
		t.Errorf("Unexpected attempt response %+v", resp)
	}
}

// brokenSource stands in for a remote source whose client panics.
type brokenSource struct{}

func (brokenSource) Kind() string          { return source.KindDrive }
func (brokenSource) Origin() models.Origin { return models.OriginRemote }

func (brokenSource) List(context.Context, string) ([]source.FileInfo, error) { return nil, nil }

func (brokenSource) Open(context.Context, string) (io.ReadCloser, *source.FileInfo, error) {
	var seen map[string]bool
	seen["boom"] = true
	return nil, nil, nil
}

func TestProcessBatchSurvivesPanicBeforeAttempt(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{fn: succeed(2)}, PipelineConfig{})
	env.pipeline.resolver = source.NewResolver(filepath.Join(env.dir, "downloads"), source.NewLocal(), brokenSource{})

	reqs := []Request{
		{Source: source.Descriptor{Kind: source.KindDrive, ID: "boom"}},
		localRequest(env.writeFile(t, "good.pdf", "good")),
	}
	result, err := env.pipeline.ProcessBatch(context.Background(), reqs, 1)
	if err != nil {
		t.Fatalf("Unexpected batch error: %v", err)
	}
	broken := result.Outcomes[0]
	if broken.Status != OutcomeFailed || !errors.Is(broken.Err, ErrResolution) {
		t.Errorf("Expected the panicking source to fail resolution, got %s (%v)", broken.Status, broken.Err)
	}
	if broken.AttemptID != "" {
		t.Errorf("Expected no attempt for a file that never resolved, got %s", broken.AttemptID)
	}
	if result.Outcomes[1].Status != OutcomeCompleted {
		t.Errorf("Expected sibling to complete, got %s (%v)", result.Outcomes[1].Status, result.Outcomes[1].Err)
	}
}

// panickyStore panics on upsert.
type panickyStore struct {
	*records.SQLStore
}

func (panickyStore) UpsertFile(context.Context, records.FileInput) (*models.FileRecord, bool, error) {
	panic("upsert exploded")
}

func TestProcessPanicDuringUpsertIsPersistenceFailure(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{fn: succeed(1)}, PipelineConfig{})
	env.pipeline.store = panickyStore{env.store}

	out := env.pipeline.Process(context.Background(), localRequest(env.writeFile(t, "a.pdf", "a")))
	if out.Status != OutcomeFailed || !errors.Is(out.Err, ErrPersistence) {
		t.Fatalf("Expected failed persistence outcome, got %s (%v)", out.Status, out.Err)
	}
	var se *StageError
	if !errors.As(out.Err, &se) || se.Stage != StageDeduping {
		t.Errorf("Expected failure at stage %s, got %v", StageDeduping, out.Err)
	}
	if out.Digest == "" {
		t.Error("Expected digest to be recorded before the panic")
	}
}
