package artifacts

import (
	"strings"
	"testing"
)

func TestCleanRemovesMarkerLines(t *testing.T) {
	md := "# Title\n## macroamy一手整理，付费加v入群\nReal content\n专业的宏观和行业汇总内容 微信macroamy整理"
	got := NewCleaner().Clean(md)
	if strings.Contains(got, "macroamy") {
		t.Errorf("Expected marker lines removed, got %q", got)
	}
	if !strings.Contains(got, "# Title") || !strings.Contains(got, "Real content") {
		t.Errorf("Expected content kept, got %q", got)
	}
}

func TestCleanInlineFragmentKeepsLine(t *testing.T) {
	got := NewCleaner().Clean("私营部roamy整理门投资")
	if got != "私营部门投资" {
		t.Errorf("Expected inline fragment removed, got %q", got)
	}
}

func TestCleanHTMLCommentWatermark(t *testing.T) {
	got := NewCleaner().Clean("Line 1\n<!-- macroamy一手整理，付费加v入群 -->\nLine 2")
	if got != "Line 1\nLine 2" {
		t.Errorf("Unexpected result %q", got)
	}
}

func TestCleanPreservesCleanMarkdown(t *testing.T) {
	md := "# Report\n\nSome analysis\n\nConclusion"
	if got := NewCleaner().Clean(md); got != md {
		t.Errorf("Expected unchanged markdown, got %q", got)
	}
}

func TestCleanAnchoredPatterns(t *testing.T) {
	md := strings.Join([]string{
		"keep",
		"<!-- 联系我们 -->",
		"<!-- **联系我们** -->",
		"<!-- follow @Degg_ now -->",
		"<!--  微博 -->",
		"专业的宏",
		"x ()■() y",
		"专业的宏观分析",
	}, "\n")
	got := NewCleaner().Clean(md)
	if got != "keep" {
		t.Errorf("Expected only %q, got %q", "keep", got)
	}
}

func TestCleanSocialTables(t *testing.T) {
	social := "<table><tr><td>粉丝 1.2万</td><td>转评赞 300</td></tr></table>"
	data := "<table><tr><td>营收</td><td>100</td></tr></table>"
	got := NewCleaner().Clean("before\n" + social + "\n" + data + "\nafter")
	if strings.Contains(got, "粉丝") {
		t.Errorf("Expected social table removed, got %q", got)
	}
	if !strings.Contains(got, data) {
		t.Errorf("Expected data table kept, got %q", got)
	}
}

func TestCleanRepeatedComments(t *testing.T) {
	md := "A\n<!-- banner -->\nB\n<!-- banner -->\nC\n<!-- banner -->\nD\n<!-- once -->"
	got := NewCleaner().Clean(md)
	if strings.Contains(got, "banner") {
		t.Errorf("Expected repeated comment removed, got %q", got)
	}
	if !strings.Contains(got, "<!-- once -->") {
		t.Errorf("Expected single comment kept, got %q", got)
	}
	if got != "A\nB\nC\nD\n<!-- once -->\n" {
		t.Errorf("Unexpected result %q", got)
	}
}

func TestCleanExtraMarkers(t *testing.T) {
	got := NewCleaner("CONFIDENTIAL").Clean("a\nCONFIDENTIAL copy\nb")
	if got != "a\nb" {
		t.Errorf("Unexpected result %q", got)
	}
}

func TestCleanIsDeterministic(t *testing.T) {
	md := "x\n<!-- c -->\n<!-- c -->\n<!-- c -->\ny 付费\nz"
	c := NewCleaner()
	if c.Clean(md) != c.Clean(md) {
		t.Error("Expected identical output across runs")
	}
}
