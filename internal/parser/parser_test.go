package parser

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newParser() *Parser { return New(zerolog.Nop()) }

func TestParseFencedBlock(t *testing.T) {
	cmd, ok := newParser().Parse("```json\n{\"action\":\"click\",\"params\":{\"selector\":\"#go\"}}\n```")
	require.True(t, ok)
	assert.Equal(t, "click", cmd.Name)
	assert.Equal(t, map[string]any{"selector": "#go"}, cmd.Params)
}

func TestParseEmbeddedInProse(t *testing.T) {
	cmd, ok := newParser().Parse(`click the submit button, {"action": "click", "params": {"selector": "#submit"}} done`)
	require.True(t, ok)
	assert.Equal(t, "click", cmd.Name)
	assert.Equal(t, "#submit", cmd.String("selector"))
}

func TestParseContinuationProseIsNotACommand(t *testing.T) {
	_, ok := newParser().Parse("I will continue to the next step now")
	assert.False(t, ok)
}

func TestParseCases(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		action string
		param  string
		value  string
	}{
		{
			name:   "braces inside strings",
			text:   `Typing now {"action":"input","params":{"selector":"#q","text":"a } b { c"}}`,
			action: "input", param: "text", value: "a } b { c",
		},
		{
			name:   "escaped quote inside string",
			text:   `{"action":"input","params":{"selector":"#q","text":"say \"hi\" {"}}`,
			action: "input", param: "text", value: `say "hi" {`,
		},
		{
			name:   "action after nested params",
			text:   `plan: {"params": {"url": "https://example.com"}, "action": "navigate"}`,
			action: "navigate", param: "url", value: "https://example.com",
		},
		{
			name:   "closing brace in a string before the action key",
			text:   `ok: {"params": {"text": "a } b"}, "action": "input"}`,
			action: "input", param: "text", value: "a } b",
		},
		{
			name:   "opening brace in a string before the action key",
			text:   `{"params": {"text": "x { y", "selector": "#q"}, "action": "input"}`,
			action: "input", param: "text", value: "x { y",
		},
		{
			name:   "action as a value before the key",
			text:   `{"label": "action", "action": "scroll", "params": {"direction": "up"}}`,
			action: "scroll", param: "direction", value: "up",
		},
		{
			name:   "quotes in prose before the object",
			text:   `He said "go" then {"action":"navigate","params":{"url":"https://b.example"}}`,
			action: "navigate", param: "url", value: "https://b.example",
		},
		{
			name:   "trailing comma repaired",
			text:   `{"action": "click", "params": {"selector": "#go",},}`,
			action: "click", param: "selector", value: "#go",
		},
		{
			name:   "legacy input key",
			text:   `{"action":"navigate","input":{"url":"https://a.example"}}`,
			action: "navigate", param: "url", value: "https://a.example",
		},
		{
			name:   "flat params",
			text:   `{"action":"press_key","key":"Enter"}`,
			action: "press_key", param: "key", value: "Enter",
		},
		{
			name:   "done alias",
			text:   "```\n{\"action\":\"done\",\"params\":{\"message\":\"Summary: total $10\"}}\n```",
			action: FinishName, param: "result", value: "Summary: total $10",
		},
		{
			name:   "fence without action falls through to scan",
			text:   "```json\n{\"note\":1}\n```\nthen {\"action\":\"scroll\",\"params\":{\"direction\":\"down\"}}",
			action: "scroll", param: "direction", value: "down",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, ok := newParser().Parse(tc.text)
			require.True(t, ok)
			assert.Equal(t, tc.action, cmd.Name)
			assert.Equal(t, tc.value, cmd.String(tc.param))
		})
	}
}

func TestParseObjectWithoutActionIsNoMatch(t *testing.T) {
	_, ok := newParser().Parse(`{"params": {"selector": "#x"}}`)
	assert.False(t, ok)
}

func TestParseImplicitFinish(t *testing.T) {
	text := "任务已全部完成！配置单：CPU $299，显卡 $599，总价 $898"
	cmd, ok := newParser().Parse(text)
	require.True(t, ok)
	assert.Equal(t, FinishName, cmd.Name)
	assert.Equal(t, text, cmd.String("result"))
}

func TestParseStepCheckpointIsNotFinish(t *testing.T) {
	_, ok := newParser().Parse("已完成第一步，继续选择主板")
	assert.False(t, ok)
}

func TestEmbeddedObjectUnterminated(t *testing.T) {
	objs := embeddedObjects(`x {"action": "navigate", "params": {"url": "https://x.example"`)
	assert.Equal(t, []string{`{"action": "navigate", "params": {"url": "https://x.example"`}, objs)
}

func TestEmbeddedObjectsStringAwareStart(t *testing.T) {
	objs := embeddedObjects(`ok: {"params": {"text": "a } b"}, "action": "input"}`)
	require.NotEmpty(t, objs)
	assert.Equal(t, `{"params": {"text": "a } b"}, "action": "input"}`, objs[0])

	assert.Empty(t, embeddedObjects(`no object mentions "action" here`))
}

func TestParseExtractsFromArbitraryProse(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		before := rapid.StringMatching(`[a-zA-Z ,.!?]{0,60}`).Draw(rt, "before")
		after := rapid.StringMatching(`[a-zA-Z ,.!?]{0,60}`).Draw(rt, "after")
		sel := rapid.StringMatching(`[a-z#.\-]{1,20}`).Draw(rt, "selector")

		text := fmt.Sprintf(`%s {"action": "click", "params": {"selector": %q}} %s`, before, sel, after)
		cmd, ok := newParser().Parse(text)
		if !ok {
			rt.Fatalf("no command in %q", text)
		}
		if cmd.Name != "click" || cmd.String("selector") != sel {
			rt.Fatalf("got %+v from %q", cmd, text)
		}
	})
}
