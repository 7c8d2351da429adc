package extraction

import (
	"github.com/Lllllllleong/docparser/internal/models"
)

// DefaultParams are the ParseX query parameters sent when nothing is
// overridden.
var DefaultParams = models.ParameterSet{
	"pdf_parse_mode":   "auto",
	"md_detail":        "2",
	"md_table_flavor":  "html",
	"md_title":         "1",
	"pdf_dpi":          "144",
	"remove_watermark": "0",
	"get_excel":        "1",
	"apply_chart":      "1",
}

// Overrides adjust DefaultParams for one run.
type Overrides struct {
	ParseMode  string
	NoWorkbook bool
	NoChart    bool
	Extra      map[string]string
}

// BuildParams returns the exact parameter set for a run. Extra entries are
// applied last and win over everything else.
func BuildParams(defaultMode string, o Overrides) models.ParameterSet {
	params := DefaultParams.Clone()
	if defaultMode != "" {
		params["pdf_parse_mode"] = defaultMode
	}
	if o.ParseMode != "" {
		params["pdf_parse_mode"] = o.ParseMode
	}
	if o.NoWorkbook {
		params["get_excel"] = "0"
	}
	if o.NoChart {
		params["apply_chart"] = "0"
	}
	for k, v := range o.Extra {
		params[k] = v
	}
	return params
}
