package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/docparser/internal/models"
)

// FirestoreStore implements Store on Firestore with three top-level
// collections. File document IDs are derived from the external ID so that
// concurrent upserts of the same file meet on one document.
type FirestoreStore struct {
	client   *firestore.Client
	files    string
	attempts string
	elements string
}

// NewFirestoreStore wraps client. prefix is prepended to collection names.
func NewFirestoreStore(client *firestore.Client, prefix string) *FirestoreStore {
	return &FirestoreStore{
		client:   client,
		files:    prefix + "doc_files",
		attempts: prefix + "doc_parses",
		elements: prefix + "doc_elements",
	}
}

// FileDocID returns the document ID used for an external ID.
func FileDocID(externalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(externalID)).String()
}

func (s *FirestoreStore) Migrate(context.Context) error { return nil }

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.files).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("failed to reach firestore: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Close() error { return s.client.Close() }

func (s *FirestoreStore) UpsertFile(ctx context.Context, in FileInput) (*models.FileRecord, bool, error) {
	ref := s.client.Collection(s.files).Doc(FileDocID(in.ExternalID))
	var rec models.FileRecord
	var changed bool

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			rec = models.FileRecord{
				ID:         ref.ID,
				ExternalID: in.ExternalID,
				Digest:     in.Digest,
				Origin:     in.Origin,
				SourceKind: in.SourceKind,
				Name:       in.Name,
				MediaType:  in.MediaType,
				SizeBytes:  in.SizeBytes,
				FolderID:   in.FolderID,
				LocalPath:  in.LocalPath,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			changed = true
			return tx.Create(ref, &rec)
		}
		if err != nil {
			return err
		}
		if err := snap.DataTo(&rec); err != nil {
			return err
		}
		rec.ID = ref.ID
		changed = rec.Digest != in.Digest

		rec.Digest = in.Digest
		rec.Origin = in.Origin
		rec.SourceKind = in.SourceKind
		rec.Name = in.Name
		rec.MediaType = in.MediaType
		rec.SizeBytes = in.SizeBytes
		rec.FolderID = in.FolderID
		rec.LocalPath = in.LocalPath
		rec.UpdatedAt = now
		return tx.Set(ref, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert file %s: %w", in.ExternalID, err)
	}
	return &rec, changed, nil
}

func (s *FirestoreStore) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	snap, err := s.client.Collection(s.files).Doc(id).Get(ctx)
	if err != nil {
		return nil, fsNotFound(err, "file", id)
	}
	var rec models.FileRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode file %s: %w", id, err)
	}
	rec.ID = snap.Ref.ID
	return &rec, nil
}

func (s *FirestoreStore) GetFileByExternalID(ctx context.Context, externalID string) (*models.FileRecord, error) {
	return s.GetFile(ctx, FileDocID(externalID))
}

func (s *FirestoreStore) UpdateFileMetadata(ctx context.Context, fileID string, md models.DocumentMetadata) error {
	fields := map[string]string{
		"title":         md.Title,
		"broker":        md.Broker,
		"authors":       md.Authors,
		"market":        md.Market,
		"sector":        md.Sector,
		"documentType":  md.DocumentType,
		"targetCompany": md.TargetCompany,
		"tickerSymbol":  md.TickerSymbol,
	}
	var updates []firestore.Update
	for path, v := range fields {
		if v != "" {
			updates = append(updates, firestore.Update{Path: path, Value: v})
		}
	}
	if md.PublishDate != nil {
		updates = append(updates, firestore.Update{Path: "publishDate", Value: *md.PublishDate})
	}
	if len(updates) == 0 {
		return nil
	}
	updates = append(updates, firestore.Update{Path: "updatedAt", Value: time.Now().UTC()})

	if _, err := s.client.Collection(s.files).Doc(fileID).Update(ctx, updates); err != nil {
		return fsNotFound(err, "file", fileID)
	}
	return nil
}

// DeleteFile removes the file with all of its attempts and elements.
func (s *FirestoreStore) DeleteFile(ctx context.Context, id string) error {
	fileRef := s.client.Collection(s.files).Doc(id)
	if _, err := fileRef.Get(ctx); err != nil {
		return fsNotFound(err, "file", id)
	}

	attempts, err := s.client.Collection(s.attempts).Where("fileId", "==", id).Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("failed to list attempts for file %s: %w", id, err)
	}

	bw := s.client.BulkWriter(ctx)
	for _, a := range attempts {
		iter := s.client.Collection(s.elements).Where("parseId", "==", a.Ref.ID).Documents(ctx)
		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				bw.End()
				return fmt.Errorf("failed to list elements for attempt %s: %w", a.Ref.ID, err)
			}
			if _, err := bw.Delete(doc.Ref); err != nil {
				iter.Stop()
				bw.End()
				return fmt.Errorf("failed to queue element delete: %w", err)
			}
		}
		if _, err := bw.Delete(a.Ref); err != nil {
			bw.End()
			return fmt.Errorf("failed to queue attempt delete: %w", err)
		}
	}
	if _, err := bw.Delete(fileRef); err != nil {
		bw.End()
		return fmt.Errorf("failed to queue file delete: %w", err)
	}
	bw.End()
	return nil
}

func (s *FirestoreStore) HasCompletedParse(ctx context.Context, file *models.FileRecord, reparse bool) (*models.ParseAttempt, bool, error) {
	if reparse {
		return nil, false, nil
	}
	docs, err := s.client.Collection(s.attempts).
		Where("fileId", "==", file.ID).
		Where("status", "==", string(models.StatusCompleted)).
		Where("digest", "==", file.Digest).
		OrderBy("completedAt", firestore.Desc).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up completed parse for file %s: %w", file.ID, err)
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	a, err := decodeAttempt(docs[0])
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (s *FirestoreStore) CreateRunningAttempt(ctx context.Context, fileID, digest string, params models.ParameterSet) (*models.ParseAttempt, error) {
	a := newAttempt(uuid.NewString(), fileID, digest, params, time.Now().UTC())
	if _, err := s.client.Collection(s.attempts).Doc(a.ID).Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create attempt for file %s: %w", fileID, err)
	}
	return a, nil
}

// FinalizeAttempt moves a running attempt to a terminal status. Elements of
// a completed attempt are written in bulk first, outside the transaction,
// since one commit is capped at 10 MiB; the status flip commits last so a
// completed attempt always has all of its elements.
func (s *FirestoreStore) FinalizeAttempt(ctx context.Context, id string, f Finalization) error {
	if !f.Status.Terminal() {
		return fmt.Errorf("cannot finalize attempt %s with status %q", id, f.Status)
	}
	completedAt := f.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	ref := s.client.Collection(s.attempts).Doc(id)

	withElements := f.Status == models.StatusCompleted && len(f.Elements) > 0
	if withElements {
		snap, err := ref.Get(ctx)
		if err := checkRunning(snap, err); err != nil {
			return fmt.Errorf("failed to finalize attempt %s: %w", id, err)
		}
		if err := s.writeElements(ctx, id, f.Elements); err != nil {
			s.discardElements(ctx, id)
			return fmt.Errorf("failed to finalize attempt %s: %w", id, err)
		}
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := checkRunning(tx.Get(ref)); err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(f.Status)},
			{Path: "markdownPath", Value: f.MarkdownPath},
			{Path: "detailPath", Value: f.DetailPath},
			{Path: "pagesPath", Value: f.PagesPath},
			{Path: "workbookPath", Value: f.WorkbookPath},
			{Path: "hasWorkbook", Value: f.HasWorkbook},
			{Path: "hasChart", Value: f.HasChart},
			{Path: "pageCount", Value: f.PageCount},
			{Path: "validPageCount", Value: f.ValidPageCount},
			{Path: "srcPageCount", Value: f.SrcPageCount},
			{Path: "durationMs", Value: f.DurationMs},
			{Path: "callCount", Value: f.CallCount},
			{Path: "requestId", Value: f.RequestID},
			{Path: "errorMessage", Value: f.ErrorMessage},
			{Path: "completedAt", Value: completedAt},
		})
	})
	if err != nil {
		if withElements && !errors.Is(err, ErrAttemptNotRunning) {
			s.discardElements(ctx, id)
		}
		return fmt.Errorf("failed to finalize attempt %s: %w", id, err)
	}
	return nil
}

func checkRunning(snap *firestore.DocumentSnapshot, err error) error {
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	current, err := snap.DataAt("status")
	if err != nil {
		return err
	}
	if current != string(models.StatusRunning) {
		return ErrAttemptNotRunning
	}
	return nil
}

// ElementDocID is the document ID of the element at seq within an attempt.
// IDs are deterministic so a repeated write replaces rather than duplicates.
func ElementDocID(attemptID string, seq int) string {
	return fmt.Sprintf("%s-%06d", attemptID, seq)
}

func (s *FirestoreStore) writeElements(ctx context.Context, attemptID string, elements []models.ElementRecord) error {
	col := s.client.Collection(s.elements)
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(elements))
	for i, el := range elements {
		el.ParseID = attemptID
		job, err := bw.Set(col.Doc(ElementDocID(attemptID, i)), el)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue element %d: %w", i, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to write element %d: %w", i, err)
		}
	}
	return nil
}

// discardElements removes elements written for an attempt that did not
// reach completed. Failures are logged; the attempt stays non-completed so
// readers never count them.
func (s *FirestoreStore) discardElements(ctx context.Context, attemptID string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	iter := s.client.Collection(s.elements).Where("parseId", "==", attemptID).Documents(dctx)
	defer iter.Stop()
	bw := s.client.BulkWriter(dctx)
	defer bw.End()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return
		}
		if err != nil {
			slog.Warn("Failed to list elements of unfinished attempt.", "attemptId", attemptID, "error", err)
			return
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			slog.Warn("Failed to queue element delete.", "attemptId", attemptID, "error", err)
			return
		}
	}
}

func (s *FirestoreStore) GetAttempt(ctx context.Context, id string) (*models.ParseAttempt, error) {
	snap, err := s.client.Collection(s.attempts).Doc(id).Get(ctx)
	if err != nil {
		return nil, fsNotFound(err, "attempt", id)
	}
	return decodeAttempt(snap)
}

func (s *FirestoreStore) ListAttempts(ctx context.Context, fileID string) ([]models.ParseAttempt, error) {
	docs, err := s.client.Collection(s.attempts).
		Where("fileId", "==", fileID).
		OrderBy("startedAt", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for file %s: %w", fileID, err)
	}
	out := make([]models.ParseAttempt, 0, len(docs))
	for _, d := range docs {
		a, err := decodeAttempt(d)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

func (s *FirestoreStore) ListElements(ctx context.Context, attemptID string) ([]models.ElementRecord, error) {
	docs, err := s.client.Collection(s.elements).
		Where("parseId", "==", attemptID).
		OrderBy("seq", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list elements for attempt %s: %w", attemptID, err)
	}
	out := make([]models.ElementRecord, 0, len(docs))
	for _, d := range docs {
		var el models.ElementRecord
		if err := d.DataTo(&el); err != nil {
			return nil, fmt.Errorf("failed to decode element %s: %w", d.Ref.ID, err)
		}
		el.ID = d.Ref.ID
		out = append(out, el)
	}
	return out, nil
}

func (s *FirestoreStore) CountElements(ctx context.Context, attemptID string) (int64, error) {
	return s.count(ctx, s.client.Collection(s.elements).Where("parseId", "==", attemptID))
}

func (s *FirestoreStore) Status(ctx context.Context) (*models.StatusReport, error) {
	report := &models.StatusReport{
		FilesByOrigin:    map[models.Origin]int64{},
		AttemptsByStatus: map[models.ParseStatus]int64{},
	}
	for _, o := range []models.Origin{models.OriginRemote, models.OriginLocal} {
		n, err := s.count(ctx, s.client.Collection(s.files).Where("origin", "==", string(o)))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			report.FilesByOrigin[o] = n
		}
	}
	for _, st := range []models.ParseStatus{models.StatusRunning, models.StatusCompleted, models.StatusFailed} {
		n, err := s.count(ctx, s.client.Collection(s.attempts).Where("status", "==", string(st)))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			report.AttemptsByStatus[st] = n
		}
	}
	n, err := s.count(ctx, s.client.Collection(s.elements).Query)
	if err != nil {
		return nil, err
	}
	report.Elements = n
	return report, nil
}

func (s *FirestoreStore) count(ctx context.Context, q firestore.Query) (int64, error) {
	res, err := q.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	v, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count result type %T", res["all"])
	}
	return v.GetIntegerValue(), nil
}

func decodeAttempt(snap *firestore.DocumentSnapshot) (*models.ParseAttempt, error) {
	var a models.ParseAttempt
	if err := snap.DataTo(&a); err != nil {
		return nil, fmt.Errorf("failed to decode attempt %s: %w", snap.Ref.ID, err)
	}
	a.ID = snap.Ref.ID
	return &a, nil
}

func fsNotFound(err error, kind, id string) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}
