package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Lllllllleong/docparser/internal/artifacts"
	"github.com/Lllllllleong/docparser/internal/extraction"
	"github.com/Lllllllleong/docparser/internal/hasher"
	"github.com/Lllllllleong/docparser/internal/metadata"
	"github.com/Lllllllleong/docparser/internal/models"
	"github.com/Lllllllleong/docparser/internal/records"
	"github.com/Lllllllleong/docparser/internal/source"
)

// Extractor is the extraction service as the pipeline sees it.
// *extraction.Client satisfies it.
type Extractor interface {
	Params(o extraction.Overrides) models.ParameterSet
	Extract(ctx context.Context, data []byte, params models.ParameterSet) (*extraction.Result, error)
}

type PipelineConfig struct {
	// ExtractTimeout bounds the extraction call of one file, retries
	// included. Zero means no bound beyond the caller's context.
	ExtractTimeout time.Duration
	// MetadataTimeout bounds the optional metadata step.
	MetadataTimeout time.Duration
	// MetadataChars caps the markdown sent to the metadata provider.
	MetadataChars int
	// MirrorPrefix is prepended to mirrored object names.
	MirrorPrefix string
}

type Pipeline struct {
	resolver  *source.Resolver
	store     records.Store
	extractor Extractor
	artifacts *artifacts.Store
	mirror    artifacts.Mirror
	metadata  metadata.Provider
	pages     PageCounter
	config    PipelineConfig
	now       func() time.Time
}

type Option func(*Pipeline)

// WithMirror replicates artifacts of completed attempts to m.
func WithMirror(m artifacts.Mirror) Option {
	return func(p *Pipeline) { p.mirror = m }
}

// WithMetadata enables the metadata step.
func WithMetadata(m metadata.Provider) Option {
	return func(p *Pipeline) { p.metadata = m }
}

// WithPageCounter replaces the PDF page counter.
func WithPageCounter(c PageCounter) Option {
	return func(p *Pipeline) { p.pages = c }
}

func NewPipeline(resolver *source.Resolver, store records.Store, extractor Extractor, arts *artifacts.Store, cfg PipelineConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		resolver:  resolver,
		store:     store,
		extractor: extractor,
		artifacts: arts,
		pages:     CountPDFPages,
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Request asks for one file to be parsed.
type Request struct {
	Source    source.Descriptor
	Reparse   bool
	Overrides extraction.Overrides
}

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// Outcome is the per-file result of a run. For skipped runs AttemptID is
// the prior completed attempt.
type Outcome struct {
	Source    source.Descriptor
	Status    OutcomeStatus
	Name      string
	FileID    string
	AttemptID string
	Digest    string
	Elements  int
	Duration  time.Duration
	Err       error
}

// Response converts the outcome to its wire form.
func (o Outcome) Response() models.ParseResponse {
	resp := models.ParseResponse{
		Status:     string(o.Status),
		FileID:     o.FileID,
		AttemptID:  o.AttemptID,
		Digest:     o.Digest,
		Elements:   o.Elements,
		DurationMs: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	return resp
}

// run carries the state of one file between steps.
type run struct {
	logCtx   *slog.Logger
	started  time.Time
	outcome  Outcome
	attempt  *models.ParseAttempt
	stage    Stage
	finished bool
	calls    int
}

// stageKind is the error kind reported for a failure at stage before an
// attempt exists.
func stageKind(stage Stage) error {
	switch stage {
	case StageDeduping, StageAttempting:
		return ErrPersistence
	default:
		return ErrResolution
	}
}

func (r *run) fail(err error) Outcome {
	r.outcome.Status = OutcomeFailed
	r.outcome.Err = err
	return r.outcome
}

// Process runs one file from resolution to a terminal outcome. Errors
// local to the file are reported in the Outcome, never returned. Once an
// attempt row exists it always reaches completed or failed, including on
// cancellation and panics.
func (p *Pipeline) Process(ctx context.Context, req Request) (out Outcome) {
	r := &run{
		logCtx:  slog.With("source", req.Source.Kind, "sourceId", req.Source.ID),
		started: time.Now(),
		outcome: Outcome{Source: req.Source},
		stage:   StageResolving,
	}
	r.logCtx.Info("Processing document.", "reparse", req.Reparse)
	defer func() {
		// Panics after the attempt exists are handled by the attempt guard.
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			r.logCtx.Error("Recovered from panic before parse attempt.", "stage", r.stage, "error", err)
			out = r.fail(stageErr(r.stage, stageKind(r.stage), err))
		}
		out.Duration = time.Since(r.started)
		p.logOutcome(r.logCtx, out)
	}()

	res, err := p.resolver.Resolve(ctx, req.Source)
	if err != nil {
		r.logCtx.Error("Failed to resolve source", "error", err)
		return r.fail(stageErr(StageResolving, ErrResolution, err))
	}
	defer res.Release()
	r.outcome.Name = res.Info.Name

	r.stage = StageHashing
	digest, size, err := hasher.File(res.Path)
	if err != nil {
		r.logCtx.Error("Failed to hash file", "error", err)
		return r.fail(stageErr(StageHashing, ErrResolution, err))
	}
	r.outcome.Digest = digest
	r.logCtx = r.logCtx.With("digest", digest)

	r.stage = StageDeduping
	file, changed, err := p.store.UpsertFile(ctx, records.FileInput{
		ExternalID: res.Info.ID,
		Digest:     digest,
		Origin:     res.Origin,
		SourceKind: res.Kind,
		Name:       res.Info.Name,
		MediaType:  res.Info.MediaType,
		SizeBytes:  size,
		FolderID:   res.Info.FolderID,
		LocalPath:  localPath(res),
	})
	if err != nil {
		r.logCtx.Error("Failed to upsert file record", "error", err)
		return r.fail(stageErr(StageDeduping, ErrPersistence, err))
	}
	r.outcome.FileID = file.ID
	r.logCtx = r.logCtx.With("fileId", file.ID)
	if changed {
		r.logCtx.Info("File record created or content changed.")
	}

	prior, done, err := p.store.HasCompletedParse(ctx, file, req.Reparse)
	if err != nil {
		r.logCtx.Error("Failed to check for completed parse", "error", err)
		return r.fail(stageErr(StageDeduping, ErrPersistence, err))
	}
	if done {
		r.logCtx.Info("Already parsed. Skipping.", "existingAttemptId", prior.ID)
		r.outcome.Status = OutcomeSkipped
		r.outcome.AttemptID = prior.ID
		if n, err := p.store.CountElements(ctx, prior.ID); err == nil {
			r.outcome.Elements = int(n)
		}
		return r.outcome
	}

	r.stage = StageAttempting
	params := p.extractor.Params(req.Overrides)
	attempt, err := p.store.CreateRunningAttempt(ctx, file.ID, digest, params)
	if err != nil {
		r.logCtx.Error("Failed to create parse attempt", "error", err)
		return r.fail(stageErr(StageAttempting, ErrPersistence, err))
	}
	r.attempt = attempt
	r.stage = StageExtracting
	r.outcome.AttemptID = attempt.ID
	r.logCtx = r.logCtx.With("attemptId", attempt.ID)
	r.logCtx.Info("Created running parse attempt.", "params", params)

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			r.logCtx.Error("Recovered from panic during parse.", "error", err)
			if r.finished && r.outcome.Status == OutcomeCompleted {
				out = r.outcome
				return
			}
			out = r.fail(stageErr(StageExtracting, ErrExtraction, err))
		}
		if !r.finished {
			p.failAttempt(ctx, r, out.Err)
		}
	}()

	return p.extractAndPersist(ctx, r, res, params)
}

func (p *Pipeline) extractAndPersist(ctx context.Context, r *run, res *source.Resolved, params models.ParameterSet) Outcome {
	data, err := os.ReadFile(res.Path)
	if err != nil {
		return p.handleError(ctx, r, StageExtracting, ErrResolution, "failed to read resolved file", err)
	}

	srcPages := p.countPages(r.logCtx, res)

	ectx := ctx
	if p.config.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, p.config.ExtractTimeout)
		defer cancel()
	}
	result, err := p.extractor.Extract(ectx, data, params)
	if err != nil {
		r.calls = extraction.Calls(err)
		return p.handleError(ctx, r, StageExtracting, ErrExtraction, "extraction failed", err)
	}
	r.calls = result.Calls
	if srcPages == 0 {
		srcPages = result.SrcPageCount
	}
	r.logCtx.Info("Extraction succeeded.", "pages", result.TotalPages, "elements", len(result.Elements), "calls", result.Calls)

	workbook := result.Workbook
	if params["get_excel"] != "1" && len(workbook) > 0 {
		r.logCtx.Debug("Dropping workbook that was not requested.", "bytes", len(workbook))
		workbook = nil
	}
	paths, err := p.artifacts.Write(r.outcome.Digest, r.attempt.ID, artifacts.Artifacts{
		Markdown: result.Markdown,
		Detail:   result.Detail,
		Pages:    result.Pages,
		Workbook: workbook,
	})
	if err != nil {
		return p.handleError(ctx, r, StagePersisting, ErrStorage, "failed to write artifacts", err)
	}

	fin := records.Finalization{
		Status:         models.StatusCompleted,
		MarkdownPath:   paths.Markdown,
		DetailPath:     paths.Detail,
		PagesPath:      paths.Pages,
		WorkbookPath:   paths.Workbook,
		HasWorkbook:    paths.Workbook != "",
		HasChart:       result.HasChart,
		PageCount:      result.TotalPages,
		ValidPageCount: result.ValidPages,
		SrcPageCount:   srcPages,
		DurationMs:     time.Since(r.started).Milliseconds(),
		CallCount:      result.Calls,
		RequestID:      result.RequestID,
		CompletedAt:    p.now(),
		Elements:       result.Elements,
	}
	if err := p.store.FinalizeAttempt(ctx, r.attempt.ID, fin); err != nil {
		out := p.handleError(ctx, r, StagePersisting, ErrPersistence, "failed to finalize attempt", err)
		if rmErr := p.artifacts.Remove(r.outcome.Digest, r.attempt.ID); rmErr != nil {
			r.logCtx.Warn("Failed to remove unindexed artifacts.", "error", rmErr)
		}
		return out
	}
	r.finished = true
	r.outcome.Status = OutcomeCompleted
	r.outcome.Elements = len(result.Elements)
	r.logCtx.Info("Parse attempt completed.", "markdownPath", paths.Markdown)

	p.extractMetadata(ctx, r, result.Markdown)
	p.mirrorArtifacts(ctx, r)
	return r.outcome
}

// handleError finalizes the running attempt as failed and converts err to
// a failed outcome.
func (p *Pipeline) handleError(ctx context.Context, r *run, stage Stage, kind error, message string, err error) Outcome {
	r.logCtx.Error(message, "stage", stage, "error", err)
	out := r.fail(stageErr(stage, kind, fmt.Errorf("%s: %w", message, err)))
	p.failAttempt(ctx, r, out.Err)
	return out
}

// failAttempt flips the attempt to failed. It runs on a context detached
// from cancellation so a cancelled run still reaches a terminal status.
func (p *Pipeline) failAttempt(ctx context.Context, r *run, cause error) {
	if r.finished {
		return
	}
	r.finished = true
	if cause == nil {
		cause = errors.New("run ended without a result")
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := p.store.FinalizeAttempt(fctx, r.attempt.ID, records.Finalization{
		Status:       models.StatusFailed,
		DurationMs:   time.Since(r.started).Milliseconds(),
		CallCount:    r.calls,
		ErrorMessage: cause.Error(),
		CompletedAt:  p.now(),
	})
	if err != nil {
		r.logCtx.Error("CRITICAL: Failed to mark parse attempt as failed after a processing error.", "updateError", err)
	}
}

func (p *Pipeline) countPages(logCtx *slog.Logger, res *source.Resolved) int {
	if p.pages == nil || res.Info.MediaType != "application/pdf" {
		return 0
	}
	n, err := p.pages(res.Path)
	if err != nil {
		logCtx.Warn("Failed to count PDF pages locally.", "error", err)
		return 0
	}
	return n
}

func (p *Pipeline) extractMetadata(ctx context.Context, r *run, markdown string) {
	if p.metadata == nil {
		return
	}
	mctx := ctx
	if p.config.MetadataTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, p.config.MetadataTimeout)
		defer cancel()
	}

	md, err := p.metadata.Extract(mctx, metadata.Truncate(markdown, p.config.MetadataChars))
	if err != nil {
		r.logCtx.Warn("Metadata extraction failed.", "provider", p.metadata.Name(), "error", err)
		return
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		r.logCtx.Warn("Failed to encode metadata.", "error", err)
		return
	}
	if _, err := p.artifacts.WriteFile(r.outcome.Digest, r.attempt.ID, artifacts.MetadataFile, data); err != nil {
		r.logCtx.Warn("Failed to write metadata artifact.", "error", err)
	}
	if err := p.store.UpdateFileMetadata(ctx, r.outcome.FileID, *md); err != nil {
		r.logCtx.Warn("Failed to backfill file metadata.", "error", err)
		return
	}
	r.logCtx.Info("Metadata extracted.", "provider", p.metadata.Name(), "title", md.Title)
}

func (p *Pipeline) mirrorArtifacts(ctx context.Context, r *run) {
	if p.mirror == nil {
		return
	}
	n, err := p.artifacts.MirrorAttempt(ctx, p.mirror, p.config.MirrorPrefix, r.outcome.Digest, r.attempt.ID)
	if err != nil {
		r.logCtx.Warn("Failed to mirror artifacts.", "mirrored", n, "error", err)
		return
	}
	r.logCtx.Info("Artifacts mirrored.", "files", n)
}

func (p *Pipeline) logOutcome(logCtx *slog.Logger, o Outcome) {
	attrs := []any{"status", o.Status, "attemptId", o.AttemptID, "elements", o.Elements, "durationMs", o.Duration.Milliseconds()}
	if o.Err != nil {
		logCtx.Warn("Document run finished with failure.", append(attrs, "error", o.Err)...)
		return
	}
	logCtx.Info("Document run finished.", attrs...)
}

func localPath(res *source.Resolved) string {
	if res.Origin == models.OriginLocal {
		return res.Path
	}
	return ""
}
