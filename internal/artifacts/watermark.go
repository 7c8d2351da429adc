package artifacts

import (
	"regexp"
	"strings"
)

// DefaultMarkers drop any line that contains one of them.
var DefaultMarkers = []string{
	"macroamy",
	"nacroany",
	"mroamy",
	"macrcy",
	"roamy",
	"付费",
	"扫一扫",
	"坦途宏观",
	"查看微博主页",
	"微信收藏",
	"GMF Research（坦途宏观）",
}

var (
	// Fragments removed in place so the rest of the line survives.
	inlineFragments = []*regexp.Regexp{
		regexp.MustCompile(`macroamy整理`),
		regexp.MustCompile(`nacroany整理`),
		regexp.MustCompile(`roamy整理`),
	}

	// Whole-line patterns, matched against the trimmed line.
	linePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^专业的宏(?:观.*)?$`),
		regexp.MustCompile(`^<!--\s*\*{0,2}联系我们\*{0,2}\s*-->$`),
		regexp.MustCompile(`^<!--.*?@Degg.*?-->$`),
		regexp.MustCompile(`^<!--\s*微博\s*-->$`),
	}

	emptyComment = regexp.MustCompile(`<!--\s*-->`)
	tableBlock   = regexp.MustCompile(`(?s)<table[\s>].*?</table>`)
	htmlComment  = regexp.MustCompile(`(?s)<!--.*?-->`)
)

const symbolGarbage = "()■()"

// Cleaner strips watermark noise from extracted markdown. The zero value
// is not usable; build one with NewCleaner.
type Cleaner struct {
	markers []string
}

// NewCleaner returns a cleaner using DefaultMarkers plus extra.
func NewCleaner(extra ...string) *Cleaner {
	markers := make([]string, 0, len(DefaultMarkers)+len(extra))
	markers = append(markers, DefaultMarkers...)
	for _, m := range extra {
		if m != "" {
			markers = append(markers, m)
		}
	}
	return &Cleaner{markers: markers}
}

// Clean runs inline substitution, line removal, social stats table removal
// and repeated-comment removal, in that order. Output is deterministic.
func (c *Cleaner) Clean(markdown string) string {
	text := markdown
	for _, re := range inlineFragments {
		text = re.ReplaceAllString(text, "")
	}

	text = emptyComment.ReplaceAllString(text, "")
	text = c.dropLines(text)
	text = stripSocialTables(text)
	return stripRepeatedComments(text)
}

func (c *Cleaner) dropLines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	kept := lines[:0]
	for _, ln := range lines {
		if c.isWatermarkLine(ln) {
			continue
		}
		kept = append(kept, ln)
	}
	return strings.Join(kept, "\n")
}

func (c *Cleaner) isWatermarkLine(ln string) bool {
	for _, m := range c.markers {
		if strings.Contains(ln, m) {
			return true
		}
	}
	trimmed := strings.TrimSpace(ln)
	for _, re := range linePatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return strings.Contains(ln, symbolGarbage)
}

// stripSocialTables removes tables that carry both follower and
// engagement counters.
func stripSocialTables(text string) string {
	return tableBlock.ReplaceAllStringFunc(text, func(block string) string {
		if strings.Contains(block, "粉丝") && strings.Contains(block, "转评赞") {
			return ""
		}
		return block
	})
}

// stripRepeatedComments removes HTML comments that occur three or more
// times. Rarer comments are kept.
func stripRepeatedComments(text string) string {
	comments := htmlComment.FindAllString(text, -1)
	if len(comments) == 0 {
		return text
	}

	counts := make(map[string]int, len(comments))
	var order []string
	for _, cm := range comments {
		if counts[cm] == 0 {
			order = append(order, cm)
		}
		counts[cm]++
	}
	for _, cm := range order {
		if counts[cm] < 3 {
			continue
		}
		re := regexp.MustCompile(`\n*` + regexp.QuoteMeta(cm) + `\n*`)
		text = re.ReplaceAllLiteralString(text, "\n")
	}

	if strings.TrimSpace(text) == "" {
		return text
	}
	return strings.Trim(text, "\n") + "\n"
}
