// Package harden rewrites chat message lists so that prompt injections are
// much harder to land even when they pass the threat filter. The technique
// is prompt sandwiching with repeated rule reinforcement, escalated by
// threat score and kill-chain stage.
package harden

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"promptguard/internal/threat"
)

// Hardener transforms message lists. It is stateless apart from its PRNG,
// which picks the anti-manipulation reminder for each request.
type Hardener struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Hardener seeded from the clock.
func New() *Hardener {
	return NewWithSeed(time.Now().UnixNano())
}

// NewWithSeed creates a Hardener with a fixed seed so tests can pin the
// reminder selection.
func NewWithSeed(seed int64) *Hardener {
	return &Hardener{rng: rand.New(rand.NewSource(seed))}
}

func (h *Hardener) pickReminder() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return AntiGameReminders[h.rng.Intn(len(AntiGameReminders))]
}

// Harden returns a new message list wrapped with protective prompt
// structure. The input is never mutated. Protection level escalates with
// the threat score and kill-chain stage.
func (h *Hardener) Harden(messages []threat.Message, res threat.Result) []threat.Message {
	if len(messages) == 0 {
		return messages
	}

	hardened := make([]threat.Message, len(messages))
	copy(hardened, messages)

	var repeat int
	switch {
	case res.Score >= 0.55 || res.StageIndex >= 3:
		repeat = 3
	case res.Score >= 0.25:
		repeat = 2
	default:
		repeat = 1
	}

	reminder := h.pickReminder()
	system := buildSystemContent(repeat, reminder, res)

	if hardened[0].Role == "system" {
		original, ok := hardened[0].Content.(string)
		if !ok {
			// Structured content is flattened to its text parts.
			original = hardened[0].Text()
		}
		hardened[0] = threat.Message{
			Role:    "system",
			Content: system + "\n\n<original_system_context>\n" + original + "\n</original_system_context>",
		}
	} else {
		hardened = append([]threat.Message{{Role: "system", Content: system}}, hardened...)
	}

	// Relabel the newest user message as data rather than instructions
	// once the threat is elevated. Non-string content is left alone.
	if res.Score >= 0.20 {
		for i := len(hardened) - 1; i >= 0; i-- {
			if hardened[i].Role != "user" {
				continue
			}
			original, ok := hardened[i].Content.(string)
			if !ok {
				// Structured content cannot be wrapped in-place; fall
				// through to the next older user message.
				continue
			}
			hardened[i] = threat.Message{
				Role: "user",
				Content: "<untrusted_input>\n" + original + "\n</untrusted_input>\n\n" +
					"[SYSTEM REMINDER: " + reminder + "]",
			}
			break
		}
	}

	return hardened
}

// buildSystemContent assembles the labelled protection blocks.
func buildSystemContent(repeat int, reminder string, res threat.Result) string {
	parts := []string{
		"<trusted_core>\n" + TrustedCore + "\n</trusted_core>",
		"<anti_game_reminder>\n" + reminder + "\n</anti_game_reminder>",
	}

	if repeat >= 2 {
		parts = append(parts, "<trusted_core_reinforcement>\n"+TrustedCore+"\n</trusted_core_reinforcement>")
	}

	if repeat >= 3 {
		parts = append(parts,
			fmt.Sprintf("<anti_game_reminder_2>\n%s\nKill-chain stage detected: %s. Extra vigilance required.\n</anti_game_reminder_2>", reminder, res.Stage),
			"<trusted_core_final>\n"+TrustedCore+"\n</trusted_core_final>")
	}

	if res.CreativeMode {
		parts = append(parts, "<creative_mode_notice>\n"+creativeModeNotice+"\n</creative_mode_notice>")
	}

	return strings.Join(parts, "\n\n")
}
