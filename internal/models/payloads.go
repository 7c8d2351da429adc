package models

import "time"

// These structs define the JSON payloads exchanged with the operator HTTP
// surface and the event-triggered Cloud Function.

// GCSEvent is the data payload of a Cloud Storage object-finalized event.
type GCSEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

// ParseRequest is the input for POST /parse.
type ParseRequest struct {
	Source     string            `json:"source"`
	ID         string            `json:"id"`
	Reparse    bool              `json:"reparse"`
	ParseMode  string            `json:"parseMode,omitempty"`
	NoWorkbook bool              `json:"noWorkbook,omitempty"`
	NoChart    bool              `json:"noChart,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// ParseResponse reports the outcome of one file's run.
type ParseResponse struct {
	Status     string `json:"status"`
	FileID     string `json:"fileId,omitempty"`
	AttemptID  string `json:"attemptId,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Elements   int    `json:"elements"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// AttemptResponse is the output of GET /attempts/{id}.
type AttemptResponse struct {
	Attempt  *ParseAttempt `json:"attempt"`
	Elements int64         `json:"elements"`
}

// DocumentMetadata holds the fields the metadata extraction step backfills
// onto a FileRecord.
type DocumentMetadata struct {
	Title         string     `json:"title,omitempty"`
	Broker        string     `json:"broker,omitempty"`
	Authors       string     `json:"authors,omitempty"`
	PublishDate   *time.Time `json:"publish_date,omitempty"`
	Market        string     `json:"market,omitempty"`
	Sector        string     `json:"sector,omitempty"`
	DocumentType  string     `json:"document_type,omitempty"`
	TargetCompany string     `json:"target_company,omitempty"`
	TickerSymbol  string     `json:"ticker_symbol,omitempty"`
}

// StatusReport aggregates record counts for the status command.
type StatusReport struct {
	FilesByOrigin    map[Origin]int64      `json:"filesByOrigin"`
	AttemptsByStatus map[ParseStatus]int64 `json:"attemptsByStatus"`
	Elements         int64                 `json:"elements"`
}

// TotalFiles sums the per-origin file counts.
func (r *StatusReport) TotalFiles() int64 {
	var n int64
	for _, c := range r.FilesByOrigin {
		n += c
	}
	return n
}
