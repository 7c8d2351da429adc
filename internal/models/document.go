package models

import (
	"time"

	"gorm.io/datatypes"
)

// Origin distinguishes files fetched from a remote collaborator from files
// read straight off the local filesystem.
type Origin string

const (
	OriginRemote Origin = "remote"
	OriginLocal  Origin = "local"
)

// ParseStatus is the lifecycle state of a ParseAttempt. Transitions are
// running -> completed or running -> failed, never back.
type ParseStatus string

const (
	StatusRunning   ParseStatus = "running"
	StatusCompleted ParseStatus = "completed"
	StatusFailed    ParseStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s ParseStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParameterSet is the exact set of query parameters sent to the extraction
// service for one attempt.
type ParameterSet map[string]string

// Clone returns a copy that can be mutated without touching p.
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// JSONMap converts the set into the column type used for persistence.
func (p ParameterSet) JSONMap() datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ParameterSetFromJSON converts a persisted column back into a ParameterSet.
func ParameterSetFromJSON(m datatypes.JSONMap) ParameterSet {
	out := make(ParameterSet, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// FileRecord is one row per unique source file.
type FileRecord struct {
	ID         string `gorm:"primaryKey;size:36" firestore:"-" json:"id"`
	ExternalID string `gorm:"column:external_id;size:1024;not null;uniqueIndex" firestore:"externalId" json:"externalId"`
	Digest     string `gorm:"column:digest;size:64;not null;index" firestore:"digest" json:"digest"`
	Origin     Origin `gorm:"column:origin;size:16;not null" firestore:"origin" json:"origin"`
	SourceKind string `gorm:"column:source_kind;size:32" firestore:"sourceKind" json:"sourceKind"`
	Name       string `gorm:"column:name;size:512;not null" firestore:"name" json:"name"`
	MediaType  string `gorm:"column:media_type;size:127" firestore:"mediaType" json:"mediaType"`
	SizeBytes  int64  `gorm:"column:size_bytes" firestore:"sizeBytes" json:"sizeBytes"`
	FolderID   string `gorm:"column:folder_id;size:255" firestore:"folderId,omitempty" json:"folderId,omitempty"`
	LocalPath  string `gorm:"column:local_path;size:1024" firestore:"localPath,omitempty" json:"localPath,omitempty"`

	// Backfilled by the metadata extraction step.
	Title         string     `gorm:"column:title;size:1024" firestore:"title,omitempty" json:"title,omitempty"`
	Broker        string     `gorm:"column:broker;size:255" firestore:"broker,omitempty" json:"broker,omitempty"`
	Authors       string     `gorm:"column:authors;size:1024" firestore:"authors,omitempty" json:"authors,omitempty"`
	PublishDate   *time.Time `gorm:"column:publish_date" firestore:"publishDate,omitempty" json:"publishDate,omitempty"`
	Market        string     `gorm:"column:market;size:255" firestore:"market,omitempty" json:"market,omitempty"`
	Sector        string     `gorm:"column:sector;size:255" firestore:"sector,omitempty" json:"sector,omitempty"`
	DocumentType  string     `gorm:"column:document_type;size:255" firestore:"documentType,omitempty" json:"documentType,omitempty"`
	TargetCompany string     `gorm:"column:target_company;size:255" firestore:"targetCompany,omitempty" json:"targetCompany,omitempty"`
	TickerSymbol  string     `gorm:"column:ticker_symbol;size:50" firestore:"tickerSymbol,omitempty" json:"tickerSymbol,omitempty"`

	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt" json:"updatedAt"`

	Parses []ParseAttempt `gorm:"foreignKey:FileID;constraint:OnDelete:CASCADE" firestore:"-" json:"-"`
}

func (FileRecord) TableName() string { return "doc_files" }

// ParseAttempt is one row per invocation of the extraction service against
// a FileRecord.
type ParseAttempt struct {
	ID          string            `gorm:"primaryKey;size:36" firestore:"-" json:"id"`
	FileID      string            `gorm:"column:file_id;size:36;not null;index" firestore:"fileId" json:"fileId"`
	Digest      string            `gorm:"column:digest;size:64;not null" firestore:"digest" json:"digest"`
	Status      ParseStatus       `gorm:"column:status;size:16;not null;index" firestore:"status" json:"status"`
	ParseMode   string            `gorm:"column:parse_mode;size:50" firestore:"parseMode" json:"parseMode"`
	ParseConfig datatypes.JSONMap `gorm:"column:parse_config" firestore:"parseConfig" json:"parseConfig"`

	MarkdownPath string `gorm:"column:markdown_path;size:1024" firestore:"markdownPath,omitempty" json:"markdownPath,omitempty"`
	DetailPath   string `gorm:"column:detail_path;size:1024" firestore:"detailPath,omitempty" json:"detailPath,omitempty"`
	PagesPath    string `gorm:"column:pages_path;size:1024" firestore:"pagesPath,omitempty" json:"pagesPath,omitempty"`
	WorkbookPath string `gorm:"column:workbook_path;size:1024" firestore:"workbookPath,omitempty" json:"workbookPath,omitempty"`

	HasWorkbook    bool   `gorm:"column:has_workbook" firestore:"hasWorkbook" json:"hasWorkbook"`
	HasChart       bool   `gorm:"column:has_chart" firestore:"hasChart" json:"hasChart"`
	PageCount      int    `gorm:"column:page_count" firestore:"pageCount" json:"pageCount"`
	ValidPageCount int    `gorm:"column:valid_page_count" firestore:"validPageCount" json:"validPageCount"`
	SrcPageCount   int    `gorm:"column:src_page_count" firestore:"srcPageCount" json:"srcPageCount"`
	DurationMs     int64  `gorm:"column:duration_ms" firestore:"durationMs" json:"durationMs"`
	CallCount      int    `gorm:"column:call_count" firestore:"callCount" json:"callCount"`
	RequestID      string `gorm:"column:request_id;size:255" firestore:"requestId,omitempty" json:"requestId,omitempty"`
	ErrorMessage   string `gorm:"column:error_message;type:text" firestore:"errorMessage,omitempty" json:"errorMessage,omitempty"`

	StartedAt   time.Time  `gorm:"column:started_at" firestore:"startedAt" json:"startedAt"`
	CompletedAt *time.Time `gorm:"column:completed_at" firestore:"completedAt,omitempty" json:"completedAt,omitempty"`
	CreatedAt   time.Time  `firestore:"createdAt" json:"createdAt"`

	Elements []ElementRecord `gorm:"foreignKey:ParseID;constraint:OnDelete:CASCADE" firestore:"-" json:"-"`
}

func (ParseAttempt) TableName() string { return "doc_parses" }

// Parameters returns the stored parameter set.
func (a *ParseAttempt) Parameters() ParameterSet {
	return ParameterSetFromJSON(a.ParseConfig)
}

// ElementKind is the normalized structural type of an element.
type ElementKind string

const (
	KindText    ElementKind = "text"
	KindHeading ElementKind = "heading"
	KindTable   ElementKind = "table"
	KindImage   ElementKind = "image"
	KindFormula ElementKind = "formula"
	KindOther   ElementKind = "other"
)

// ElementRecord is one structural element discovered within a ParseAttempt.
type ElementRecord struct {
	ID           string                   `gorm:"primaryKey;size:36" firestore:"-" json:"id"`
	ParseID      string                   `gorm:"column:parse_id;size:36;not null;index:ix_doc_element_parse_page,priority:1" firestore:"parseId" json:"parseId"`
	PageNumber   int                      `gorm:"column:page_number;index:ix_doc_element_parse_page,priority:2" firestore:"pageNumber" json:"pageNumber"`
	Seq          int                      `gorm:"column:seq" firestore:"seq" json:"seq"`
	Kind         ElementKind              `gorm:"column:kind;size:50" firestore:"kind" json:"kind"`
	SubType      string                   `gorm:"column:sub_type;size:50" firestore:"subType,omitempty" json:"subType,omitempty"`
	Text         string                   `gorm:"column:text;type:text" firestore:"text,omitempty" json:"text,omitempty"`
	Position     datatypes.JSONSlice[int] `gorm:"column:position" firestore:"position,omitempty" json:"position,omitempty"`
	CharStart    *int                     `gorm:"column:char_pos_start" firestore:"charStart,omitempty" json:"charStart,omitempty"`
	CharEnd      *int                     `gorm:"column:char_pos_end" firestore:"charEnd,omitempty" json:"charEnd,omitempty"`
	OutlineLevel int                      `gorm:"column:outline_level" firestore:"outlineLevel" json:"outlineLevel"`
	ContentFlag  string                   `gorm:"column:content_flag;size:50" firestore:"contentFlag,omitempty" json:"contentFlag,omitempty"`
	ImageURL     string                   `gorm:"column:image_url;size:1024" firestore:"imageUrl,omitempty" json:"imageUrl,omitempty"`
	TableCells   datatypes.JSON           `gorm:"column:table_cells" firestore:"tableCells,omitempty" json:"tableCells,omitempty"`
}

func (ElementRecord) TableName() string { return "doc_elements" }
