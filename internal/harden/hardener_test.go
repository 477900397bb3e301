package harden

import (
	"reflect"
	"strings"
	"testing"

	"promptguard/internal/threat"
)

func benign() threat.Result {
	return threat.Result{Score: 0, Stage: "CLEAN", Verdict: threat.VerdictAllow}
}

func trustedCoreCount(content string) int {
	return strings.Count(content, TrustedCore)
}

func systemContent(t *testing.T, msgs []threat.Message) string {
	t.Helper()
	if len(msgs) == 0 || msgs[0].Role != "system" {
		t.Fatalf("expected leading system message, got %+v", msgs)
	}
	s, ok := msgs[0].Content.(string)
	if !ok {
		t.Fatalf("system content is not a string: %T", msgs[0].Content)
	}
	return s
}

func TestHarden_EmptyMessages(t *testing.T) {
	h := NewWithSeed(1)
	if got := h.Harden(nil, benign()); len(got) != 0 {
		t.Errorf("expected passthrough for empty input, got %v", got)
	}
}

func TestHarden_RepeatLevels(t *testing.T) {
	cases := []struct {
		name  string
		res   threat.Result
		cores int
	}{
		{"low score", threat.Result{Score: 0.1}, 1},
		{"quarantine score", threat.Result{Score: 0.3}, 2},
		{"block score", threat.Result{Score: 0.6, Stage: "PRIVILEGE_ESCALATION", StageIndex: 2}, 3},
		{"late stage low score", threat.Result{Score: 0.1, Stage: "PERSISTENCE", StageIndex: 3}, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewWithSeed(7)
			out := h.Harden([]threat.Message{{Role: "user", Content: "hi"}}, tc.res)
			content := systemContent(t, out)

			if got := trustedCoreCount(content); got != tc.cores {
				t.Errorf("expected %d trusted core blocks, got %d", tc.cores, got)
			}
			if !strings.Contains(content, "<trusted_core>") {
				t.Error("missing trusted_core block")
			}
			if !strings.Contains(content, "<anti_game_reminder>") {
				t.Error("missing anti_game_reminder block")
			}
			if tc.cores >= 2 && !strings.Contains(content, "<trusted_core_reinforcement>") {
				t.Error("missing reinforcement block")
			}
			if tc.cores >= 3 {
				if !strings.Contains(content, "<trusted_core_final>") {
					t.Error("missing final block")
				}
				want := "Kill-chain stage detected: " + tc.res.Stage + ". Extra vigilance required."
				if !strings.Contains(content, want) {
					t.Errorf("missing stage warning %q", want)
				}
			}
		})
	}
}

func TestHarden_MergesExistingSystemMessage(t *testing.T) {
	h := NewWithSeed(1)
	msgs := []threat.Message{
		{Role: "system", Content: "You are a pirate assistant."},
		{Role: "user", Content: "hi"},
	}

	out := h.Harden(msgs, benign())

	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	content := systemContent(t, out)
	if !strings.Contains(content, "<original_system_context>\nYou are a pirate assistant.\n</original_system_context>") {
		t.Errorf("original system prompt not preserved: %q", content)
	}
}

func TestHarden_MergesStructuredSystemMessage(t *testing.T) {
	h := NewWithSeed(1)
	msgs := []threat.Message{
		{Role: "system", Content: []any{
			map[string]any{"type": "text", "text": "You are a"},
			map[string]any{"type": "text", "text": "pirate assistant."},
		}},
		{Role: "user", Content: "hi"},
	}

	out := h.Harden(msgs, benign())

	content := systemContent(t, out)
	if !strings.Contains(content, "<original_system_context>\nYou are a pirate assistant.\n</original_system_context>") {
		t.Errorf("structured system prompt not flattened into context block: %q", content)
	}
}

func TestHarden_PrependsSystemMessage(t *testing.T) {
	h := NewWithSeed(1)
	msgs := []threat.Message{{Role: "user", Content: "hi"}}

	out := h.Harden(msgs, benign())

	if len(out) != 2 {
		t.Fatalf("expected system message prepended, got %d messages", len(out))
	}
	if out[0].Role != "system" || out[1].Role != "user" {
		t.Errorf("unexpected roles: %s, %s", out[0].Role, out[1].Role)
	}
	if strings.Contains(systemContent(t, out), "<original_system_context>") {
		t.Error("no original context block expected without a client system message")
	}
}

func TestHarden_WrapsUntrustedInput(t *testing.T) {
	h := NewWithSeed(1)
	msgs := []threat.Message{
		{Role: "user", Content: "old question"},
		{Role: "assistant", Content: "old answer"},
		{Role: "user", Content: "suspicious request"},
	}

	out := h.Harden(msgs, threat.Result{Score: 0.3})

	last := out[len(out)-1]
	content, _ := last.Content.(string)
	if !strings.HasPrefix(content, "<untrusted_input>\nsuspicious request\n</untrusted_input>") {
		t.Errorf("newest user message not wrapped: %q", content)
	}
	if !strings.Contains(content, "[SYSTEM REMINDER: ") {
		t.Errorf("missing reminder suffix: %q", content)
	}

	// Older user message untouched.
	if out[1].Content != "old question" {
		t.Errorf("older user message modified: %v", out[1].Content)
	}
}

func TestHarden_NoWrapBelowThreshold(t *testing.T) {
	h := NewWithSeed(1)
	msgs := []threat.Message{{Role: "user", Content: "hello"}}

	out := h.Harden(msgs, threat.Result{Score: 0.19})

	if out[len(out)-1].Content != "hello" {
		t.Errorf("message wrapped below threshold: %v", out[len(out)-1].Content)
	}
}

func TestHarden_SkipsStructuredContentWhenWrapping(t *testing.T) {
	h := NewWithSeed(1)
	structured := []any{map[string]any{"type": "text", "text": "see image"}}
	msgs := []threat.Message{
		{Role: "user", Content: "older plain question"},
		{Role: "user", Content: structured},
	}

	out := h.Harden(msgs, threat.Result{Score: 0.5})

	// Newest user message has structured content, so the next older plain
	// one gets the wrapper.
	if !reflect.DeepEqual(out[len(out)-1].Content, structured) {
		t.Errorf("structured content modified: %v", out[len(out)-1].Content)
	}
	older, _ := out[len(out)-2].Content.(string)
	if !strings.HasPrefix(older, "<untrusted_input>\nolder plain question\n") {
		t.Errorf("older plain message not wrapped: %q", older)
	}
}

func TestHarden_CreativeModeNotice(t *testing.T) {
	h := NewWithSeed(1)
	msgs := []threat.Message{{Role: "user", Content: "hi"}}

	out := h.Harden(msgs, threat.Result{Score: 0, CreativeMode: true})
	if !strings.Contains(systemContent(t, out), "<creative_mode_notice>") {
		t.Error("missing creative mode notice")
	}

	out = h.Harden(msgs, threat.Result{Score: 0})
	if strings.Contains(systemContent(t, out), "<creative_mode_notice>") {
		t.Error("unexpected creative mode notice")
	}
}

func TestHarden_DoesNotMutateInput(t *testing.T) {
	h := NewWithSeed(1)
	msgs := []threat.Message{
		{Role: "system", Content: "base rules"},
		{Role: "user", Content: "suspicious request"},
	}
	orig := make([]threat.Message, len(msgs))
	copy(orig, msgs)

	h.Harden(msgs, threat.Result{Score: 0.9, Stage: "EXFILTRATION", StageIndex: 5})

	if !reflect.DeepEqual(msgs, orig) {
		t.Errorf("input mutated: %+v", msgs)
	}
}

func TestHarden_SeededDeterminism(t *testing.T) {
	msgs := []threat.Message{{Role: "user", Content: "hi"}}
	res := threat.Result{Score: 0.3}

	a := NewWithSeed(42).Harden(msgs, res)
	b := NewWithSeed(42).Harden(msgs, res)

	if !reflect.DeepEqual(a, b) {
		t.Error("same seed should produce identical output")
	}
}

func TestTrustedCore_ExactText(t *testing.T) {
	// The validator text ships byte for byte, including the trailing space
	// on the first line and the period closing rule 5.
	if !strings.HasPrefix(TrustedCore, "You are a strict security validator AI. \n") {
		t.Error("first line must end with a trailing space")
	}
	if !strings.HasSuffix(TrustedCore, `ONLY "ALLOWED" or "BLOCKED".`) {
		t.Error("rule 5 must end with a period")
	}
}

func TestAntiGameReminders_UsedInRotation(t *testing.T) {
	h := New()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		seen[h.pickReminder()] = true
	}
	if len(seen) < 2 {
		t.Error("expected reminder rotation across requests")
	}
	for r := range seen {
		found := false
		for _, known := range AntiGameReminders {
			if r == known {
				found = true
			}
		}
		if !found {
			t.Errorf("unknown reminder %q", r)
		}
	}
}
