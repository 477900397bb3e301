// Package threat implements multi-turn session threat scoring, kill-chain
// stage attribution, and verdict generation for chat requests.
package threat

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

const (
	blockThreshold      = 0.55
	quarantineThreshold = 0.25
	overrideWeight      = 0.60
	decayFactor         = 0.75
	escalationStep      = 0.08
	creativeDampening   = 0.4
	driftThreshold      = 0.7
	driftWeightFactor   = 0.25
	maxTopics           = 6
	topicSnippetLen     = 200
)

// Result is the immutable outcome of analyzing one request. Field names in
// the serialized form are consumed by the dashboard and must not change.
type Result struct {
	Score          float64  `json:"score"`
	Stage          string   `json:"stage"`
	StageIndex     int      `json:"stage_index"`
	Verdict        Verdict  `json:"verdict"`
	TriggeredRules []string `json:"triggered_rules"`
	BlockReason    string   `json:"block_reason,omitempty"`
	CreativeMode   bool     `json:"creative_mode"`
	SessionID      string   `json:"session_id"`
}

// sessionState is the mutable per-session scoring state. It is guarded by
// its own mutex so analyses for the same session serialize while distinct
// sessions proceed in parallel.
type sessionState struct {
	mu sync.Mutex

	turnCount       int
	threatScore     float64
	creativeMode    bool
	creativeDecl    bool
	lastTopics      []string // FIFO, at most maxTopics entries
	suspiciousTurns int
	lastUpdated     time.Time
}

// SessionSnapshot is a read-only copy of session state for the control API.
type SessionSnapshot struct {
	SessionID       string    `json:"session_id"`
	TurnCount       int       `json:"turn_count"`
	ThreatScore     float64   `json:"threat_score"`
	CreativeMode    bool      `json:"creative_mode"`
	SuspiciousTurns int       `json:"suspicious_turns"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Engine owns the session table and evaluates requests against the rule
// table. All methods are safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// NewEngine creates an engine with an empty session table.
func NewEngine() *Engine {
	return &Engine{
		sessions: make(map[string]*sessionState),
	}
}

// getSession fetches or lazily creates the state for a session id.
func (e *Engine) getSession(id string) *sessionState {
	e.mu.RLock()
	s, ok := e.sessions[id]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return s
	}
	s = &sessionState{}
	e.sessions[id] = s
	return s
}

// Analyze scores one request for the given session and returns the verdict.
// It never fails on well-formed input; malformed message content is treated
// as empty text.
func (e *Engine) Analyze(sessionID string, messages []Message) Result {
	s := e.getSession(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turnCount++
	s.lastUpdated = time.Now()

	text := lastUserText(messages)
	full := fullText(messages)

	var (
		triggered    []string
		ruleScores   []float64
		blockReasons []string
		highestStage Stage
	)

	for _, r := range Rules {
		if r.Pattern.MatchString(text) {
			triggered = append(triggered, r.Name)
			ruleScores = append(ruleScores, r.Weight)
			blockReasons = append(blockReasons, r.Description)
			highestStage = max(highestStage, r.Stage)
		}
	}

	if creativePattern.MatchString(full) {
		s.creativeMode = true
		s.creativeDecl = true
	}

	// Topic drift across recent turns signals grooming: a benign ramp-up
	// followed by an abrupt pivot toward the payload.
	drift := topicDrift(s.lastTopics, text)
	if drift > driftThreshold && s.turnCount > 3 {
		triggered = append(triggered, RuleTopicDriftGrooming)
		ruleScores = append(ruleScores, drift*driftWeightFactor)
		blockReasons = append(blockReasons, fmt.Sprintf(
			"Significant topic drift detected across turns (drift=%.2f) — "+
				"possible multi-turn grooming attack building toward a later-stage payload", drift))
		highestStage = max(highestStage, StageInitialAccess)
	}

	// Independent rule weights combine like probabilities.
	baseScore := 0.0
	if len(ruleScores) > 0 {
		p := 1.0
		for _, w := range ruleScores {
			p *= 1.0 - w
		}
		baseScore = 1.0 - p
	}

	maliciousPersona := contains(triggered, "MALICIOUS_PERSONA")
	if s.creativeMode && !maliciousPersona {
		baseScore *= creativeDampening
	}

	if len(triggered) == 0 {
		s.threatScore = math.Max(0, s.threatScore*decayFactor)
	} else {
		s.suspiciousTurns++
		escalation := math.Min(1, float64(s.suspiciousTurns)*escalationStep)
		s.threatScore = math.Min(1, baseScore+escalation)
	}

	s.lastTopics = append(s.lastTopics, truncate(text, topicSnippetLen))
	if len(s.lastTopics) > maxTopics {
		s.lastTopics = s.lastTopics[1:]
	}

	score := s.threatScore
	var verdict Verdict
	switch {
	case score >= blockThreshold && !s.creativeMode:
		verdict = VerdictBlock
	case score >= blockThreshold && s.creativeMode && highestStage >= StagePersistence:
		// Creative framing never excuses persistence, pivoting, or exfil.
		verdict = VerdictBlock
	case score >= quarantineThreshold:
		verdict = VerdictQuarantine
	default:
		verdict = VerdictAllow
	}

	// Very high-confidence individual signals block outright.
	for _, w := range ruleScores {
		if w >= overrideWeight {
			verdict = VerdictBlock
			highestStage = max(highestStage, StagePrivilegeEscalation)
			break
		}
	}

	var reason string
	if len(blockReasons) > 0 {
		reason = blockReasons[0]
		if len(blockReasons) > 1 {
			reason += fmt.Sprintf(" [+%d additional signal(s): %s]",
				len(blockReasons)-1, strings.Join(triggered[1:], ", "))
		}
	}

	result := Result{
		Score:          math.Round(score*1000) / 1000,
		Stage:          highestStage.String(),
		StageIndex:     int(highestStage),
		Verdict:        verdict,
		TriggeredRules: triggered,
		BlockReason:    reason,
		CreativeMode:   s.creativeMode,
		SessionID:      sessionID,
	}

	if verdict != VerdictAllow {
		slog.Debug("threat detected",
			"session_id", sessionID,
			"verdict", verdict,
			"score", result.Score,
			"stage", result.Stage,
			"rules", triggered,
		)
	}

	return result
}

// topicDrift measures vocabulary divergence between the current text and
// the most recent prior topics. Returns 0 with fewer than 2 prior entries.
func topicDrift(topics []string, current string) float64 {
	if len(topics) < 2 {
		return 0
	}

	currentWords := wordSet(current)

	recent := topics
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	recentWords := make(map[string]struct{})
	for _, t := range recent {
		for w := range wordSet(t) {
			recentWords[w] = struct{}{}
		}
	}
	if len(recentWords) == 0 {
		return 0
	}

	overlap := 0
	for w := range currentWords {
		if _, ok := recentWords[w]; ok {
			overlap++
		}
	}

	denom := len(currentWords)
	if denom < 1 {
		denom = 1
	}
	return math.Max(0, 1.0-float64(overlap)/float64(denom)-0.2)
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

func truncate(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n])
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Reset removes all state for a session. Idempotent.
func (e *Engine) Reset(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// ResetAll clears the entire session table.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions = make(map[string]*sessionState)
}

// SessionCount returns the number of tracked sessions.
func (e *Engine) SessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// Session returns a snapshot of one session's state.
func (e *Engine) Session(sessionID string) (SessionSnapshot, bool) {
	e.mu.RLock()
	s, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return SessionSnapshot{}, false
	}
	return s.snapshot(sessionID), true
}

// Sessions returns snapshots of all tracked sessions.
func (e *Engine) Sessions() []SessionSnapshot {
	e.mu.RLock()
	ids := make([]string, 0, len(e.sessions))
	states := make([]*sessionState, 0, len(e.sessions))
	for id, s := range e.sessions {
		ids = append(ids, id)
		states = append(states, s)
	}
	e.mu.RUnlock()

	snaps := make([]SessionSnapshot, len(states))
	for i, s := range states {
		snaps[i] = s.snapshot(ids[i])
	}
	return snaps
}

func (s *sessionState) snapshot(id string) SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		SessionID:       id,
		TurnCount:       s.turnCount,
		ThreatScore:     s.threatScore,
		CreativeMode:    s.creativeMode,
		SuspiciousTurns: s.suspiciousTurns,
		LastUpdated:     s.lastUpdated,
	}
}
