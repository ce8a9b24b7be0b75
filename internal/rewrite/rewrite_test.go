package rewrite

import (
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/pysugar/anygate/internal/convert"
)

func userMsg(text string) convert.Message {
	return convert.Message{Role: "user", Content: convert.TextContent(text)}
}

func TestApplyRegexOrderAndBackrefs(t *testing.T) {
	rules := []RegexRule{
		{Name: "swap", Pattern: `(\w+)@(\w+)`, Replacement: "$2@$1", SortOrder: 2, Active: true},
		{Name: "lower", Pattern: `HELLO`, Replacement: "hello", SortOrder: 1, Active: true},
		{Name: "off", Pattern: `hello`, Replacement: "bye", SortOrder: 0, Active: false},
	}
	got := ApplyRegex("HELLO a@b", rules)
	if got != "hello b@a" {
		t.Fatalf("ApplyRegex = %q, want %q", got, "hello b@a")
	}
}

func TestApplyRegexSkipsInvalidPattern(t *testing.T) {
	rules := []RegexRule{
		{Name: "broken", Pattern: `([`, Replacement: "x", SortOrder: 0, Active: true},
		{Name: "ok", Pattern: `cat`, Replacement: "dog", SortOrder: 1, Active: true},
	}
	if got := ApplyRegex("cat", rules); got != "dog" {
		t.Fatalf("ApplyRegex = %q, want dog", got)
	}
}

func TestVariableEngineDirectives(t *testing.T) {
	e := NewSeededVariableEngine(1)
	got := e.Parse("{{#note}}{{setvar::x::3}}rolled {{roll 2d6}} times, x={{getvar::x}}")
	if !strings.HasPrefix(got, "rolled ") || !strings.HasSuffix(got, " times, x=3") {
		t.Fatalf("Parse = %q", got)
	}
	nStr := strings.TrimSuffix(strings.TrimPrefix(got, "rolled "), " times, x=3")
	n, err := strconv.Atoi(nStr)
	if err != nil || n < 2 || n > 12 {
		t.Fatalf("roll result %q out of [2,12]", nStr)
	}
}

func TestVariableEngineRandomChoice(t *testing.T) {
	e := NewSeededVariableEngine(7)
	got := e.Parse("{{random::a::b::c}}")
	if got != "a" && got != "b" && got != "c" {
		t.Fatalf("random choice = %q", got)
	}
	// Same seed, same sequence.
	again := NewSeededVariableEngine(7).Parse("{{random::a::b::c}}")
	if again != got {
		t.Fatalf("seeded choice not deterministic: %q vs %q", got, again)
	}
}

func TestVariableEngineVarsSpanMessages(t *testing.T) {
	e := NewSeededVariableEngine(1)
	msgs := e.ParseMessages([]convert.Message{
		userMsg("{{setvar::who::Ada}}"),
		userMsg("hello {{getvar::who}}"),
	})
	if got := msgs[1].Content.PlainText(); got != "hello Ada" {
		t.Fatalf("second message = %q, want %q", got, "hello Ada")
	}
}

func TestVariableEngineMalformedRollKept(t *testing.T) {
	e := NewSeededVariableEngine(1)
	if got := e.Parse("{{roll 2d0}}"); got != "{{roll 2d0}}" {
		t.Fatalf("zero-sided roll = %q, want literal", got)
	}
}

func TestApplyPresetExpansion(t *testing.T) {
	items := []PresetItem{
		{Role: "system", Type: ItemNormal, Content: "SYS", Enabled: true, SortOrder: 0},
		{Type: ItemHistory, Enabled: true, SortOrder: 1},
		{Type: ItemUserInput, Enabled: true, SortOrder: 2},
	}
	original := []convert.Message{
		userMsg("about cat"),
		{Role: "assistant", Content: convert.TextContent("ok")},
		userMsg("more cat"),
	}
	out := ApplyPreset(original, items)
	want := []struct{ role, text string }{
		{"system", "SYS"},
		{"user", "about cat"},
		{"assistant", "ok"},
		{"user", "more cat"},
	}
	if len(out) != len(want) {
		t.Fatalf("got %d messages, want %d", len(out), len(want))
	}
	for i, w := range want {
		if out[i].Role != w.role || out[i].Content.PlainText() != w.text {
			t.Fatalf("message %d = %s %q, want %s %q",
				i, out[i].Role, out[i].Content.PlainText(), w.role, w.text)
		}
	}
}

func TestApplyPresetUserInputWithoutUserMessage(t *testing.T) {
	items := []PresetItem{
		{Role: "system", Type: ItemNormal, Content: "SYS", Enabled: true, SortOrder: 0},
		{Type: ItemUserInput, Enabled: true, SortOrder: 1},
	}
	original := []convert.Message{{Role: "assistant", Content: convert.TextContent("ok")}}
	out := ApplyPreset(original, items)
	if len(out) != 1 || out[0].Role != "system" {
		t.Fatalf("got %+v, want single system message", out)
	}
}

func TestApplyPresetEmptyTemplateKeepsOriginal(t *testing.T) {
	original := []convert.Message{userMsg("hi")}
	out := ApplyPreset(original, []PresetItem{{Type: ItemNormal, Role: "system", Content: "x", Enabled: false}})
	if len(out) != 1 || out[0].Content.PlainText() != "hi" {
		t.Fatalf("got %+v, want original", out)
	}
}

func TestPresetThenRegexPipeline(t *testing.T) {
	// Pre-regex runs before preset expansion on the original messages; the
	// combined result matches the rewritten history and user input.
	rules := []RegexRule{{Name: "cat", Pattern: `cat`, Replacement: "dog", SortOrder: 0, Active: true}}
	original := []convert.Message{
		userMsg("about cat"),
		{Role: "assistant", Content: convert.TextContent("ok")},
		userMsg("more cat"),
	}
	items := []PresetItem{
		{Role: "system", Type: ItemNormal, Content: "SYS", Enabled: true, SortOrder: 0},
		{Type: ItemHistory, Enabled: true, SortOrder: 1},
		{Type: ItemUserInput, Enabled: true, SortOrder: 2},
	}
	out := ApplyPreset(ApplyRegexToMessages(original, rules), items)
	if out[1].Content.PlainText() != "about dog" || out[3].Content.PlainText() != "more dog" {
		t.Fatalf("pipeline result = %+v", out)
	}
	if matched, _ := regexp.MatchString("cat", out[3].Content.PlainText()); matched {
		t.Fatal("regex rewriting did not reach user input")
	}
}
