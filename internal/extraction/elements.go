package extraction

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Lllllllleong/docparser/internal/models"
	"gorm.io/datatypes"
)

// detailItem is one entry of the service's detail array. Only the fields
// that are persisted are decoded.
type detailItem struct {
	Type         string          `json:"type"`
	SubType      string          `json:"sub_type"`
	ImageType    string          `json:"image_type"`
	Text         string          `json:"text"`
	PageID       *int            `json:"page_id"`
	PageNumber   *int            `json:"page_number"`
	Position     []int           `json:"position"`
	CharPos      []int           `json:"char_pos"`
	OutlineLevel int             `json:"outline_level"`
	Content      json.RawMessage `json:"content"`
	ImageURL     string          `json:"image_url"`
	Cells        json.RawMessage `json:"cells"`
}

// normalizeDetail maps detail entries onto element records, preserving
// order. It also reports whether any chart image was seen.
func normalizeDetail(raw json.RawMessage) ([]models.ElementRecord, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false, nil
	}
	var items []detailItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false, err
	}

	hasChart := false
	out := make([]models.ElementRecord, 0, len(items))
	for i, it := range items {
		kind := Kind(it.Type, it.SubType)
		if kind == models.KindImage && (it.SubType == "chart" || it.ImageType == "chart") {
			hasChart = true
		}

		el := models.ElementRecord{
			PageNumber:   pageOf(it),
			Seq:          i,
			Kind:         kind,
			SubType:      it.SubType,
			Text:         it.Text,
			OutlineLevel: it.OutlineLevel,
			ContentFlag:  contentFlag(it.Content),
			ImageURL:     it.ImageURL,
		}
		if len(it.Position) > 0 {
			el.Position = datatypes.JSONSlice[int](it.Position)
		}
		if len(it.CharPos) == 2 {
			start, end := it.CharPos[0], it.CharPos[1]
			el.CharStart, el.CharEnd = &start, &end
		}
		if kind == models.KindTable && len(it.Cells) > 0 && string(it.Cells) != "null" {
			el.TableCells = datatypes.JSON(it.Cells)
		}
		out = append(out, el)
	}
	return out, hasChart, nil
}

// Kind maps the service's type and sub_type onto the persisted kind.
func Kind(typ, subType string) models.ElementKind {
	switch strings.ToLower(typ) {
	case "table":
		return models.KindTable
	case "image":
		return models.KindImage
	case "formula", "equation":
		return models.KindFormula
	case "paragraph", "text", "title":
		if strings.Contains(strings.ToLower(subType), "title") || strings.ToLower(typ) == "title" {
			return models.KindHeading
		}
		return models.KindText
	default:
		return models.KindOther
	}
}

func pageOf(it detailItem) int {
	if it.PageID != nil {
		return *it.PageID
	}
	if it.PageNumber != nil {
		return *it.PageNumber
	}
	return 0
}

// contentFlag accepts the content marker as either a number or a string.
func contentFlag(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.Itoa(n)
	}
	return ""
}
