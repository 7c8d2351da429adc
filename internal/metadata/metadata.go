// Package metadata asks a language model for bibliographic fields of a
// parsed document.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Lllllllleong/docparser/internal/models"
)

// Provider extracts metadata from markdown text.
type Provider interface {
	Name() string
	Extract(ctx context.Context, markdown string) (*models.DocumentMetadata, error)
	Close() error
}

// Field is one requested metadata key with its prompt description.
type Field struct {
	Key         string
	Description string
}

// Fields are the keys backfilled onto a file record.
var Fields = []Field{
	{"title", "Document title or report title"},
	{"broker", "Brokerage firm or financial institution that published the report"},
	{"authors", "Author names, analysts who wrote the report"},
	{"publish_date", "Publication date of the report"},
	{"market", "Target market (e.g., US, China, Hong Kong, Global)"},
	{"sector", "Industry sector (e.g., Technology, Healthcare, Energy)"},
	{"document_type", "Type of document (e.g., Research Report, Market Commentary, Earnings Review)"},
	{"target_company", "Primary company being analyzed"},
	{"ticker_symbol", "Stock ticker symbol of the target company"},
}

// SystemPrompt lists the requested fields and asks for a bare JSON object.
func SystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a financial document metadata extractor. Extract the following fields from the document text. Return ONLY valid JSON with these keys:\n\n")
	for _, f := range Fields {
		fmt.Fprintf(&b, "- %q: %s\n", f.Key, f.Description)
	}
	b.WriteString("\nFor any field you cannot determine, use null.")
	return b.String()
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := 0
	for i := range s {
		if runes == n {
			return s[:i]
		}
		runes++
	}
	return s
}

// stripFences removes a surrounding ``` or ```json code fence.
func stripFences(text string) string {
	cleaned := strings.TrimSpace(text)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	lines := strings.Split(cleaned, "\n")
	kept := make([]string, 0, len(lines))
	for _, ln := range lines[1:] {
		if strings.HasPrefix(strings.TrimSpace(ln), "```") {
			continue
		}
		kept = append(kept, ln)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Parse decodes a model reply into metadata. Unknown keys are ignored,
// null values are dropped and list values are joined with ", ".
func Parse(text string) (*models.DocumentMetadata, error) {
	raw := stripFences(text)
	if raw == "" {
		return nil, fmt.Errorf("model returned an empty response")
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from model: %w", err)
	}

	md := &models.DocumentMetadata{
		Title:         stringValue(fields["title"]),
		Broker:        stringValue(fields["broker"]),
		Authors:       stringValue(fields["authors"]),
		Market:        stringValue(fields["market"]),
		Sector:        stringValue(fields["sector"]),
		DocumentType:  stringValue(fields["document_type"]),
		TargetCompany: stringValue(fields["target_company"]),
		TickerSymbol:  stringValue(fields["ticker_symbol"]),
	}
	if d, ok := ParseDate(stringValue(fields["publish_date"])); ok {
		md.PublishDate = &d
	}
	return md, nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if strings.EqualFold(s, "null") || strings.EqualFold(s, "n/a") {
			return ""
		}
		return s
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := stringValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"2006-1-2",
	"2006/1/2",
	"2006年1月2日",
	"2006年01月02日",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2006-01",
	"2006年1月",
	time.RFC3339,
}

// ParseDate accepts the date formats models commonly return.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
