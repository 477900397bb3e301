package threat

import "regexp"

// Stage is a kill-chain stage index. Adapted from the Promptware Kill Chain:
// probing, prompt override, memory persistence, tool/agent pivoting, and
// finally data extraction.
type Stage int

const (
	StageClean Stage = iota
	StageInitialAccess
	StagePrivilegeEscalation
	StagePersistence
	StageLateralMovement
	StageExfiltration
)

// KillChainStages maps stage indices to their dashboard names. The names
// are part of the external contract.
var KillChainStages = [...]string{
	"CLEAN",
	"INITIAL_ACCESS",
	"PRIVILEGE_ESCALATION",
	"PERSISTENCE",
	"LATERAL_MOVEMENT",
	"EXFILTRATION",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(KillChainStages) {
		return "UNKNOWN"
	}
	return KillChainStages[s]
}

// Verdict is the engine's decision for a single request.
type Verdict string

const (
	VerdictAllow      Verdict = "ALLOW"
	VerdictQuarantine Verdict = "QUARANTINE"
	VerdictBlock      Verdict = "BLOCK"
)

// Rule is a single detection pattern. The rule table is immutable and
// compiled once at package init; rule names appear on the dashboard, so
// name, weight, stage, and pattern semantics are all stable contract.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Weight      float64
	Stage       Stage
	Description string
}

// Name of the synthetic multi-turn drift rule. It never appears in Rules;
// the engine records it directly when topic drift crosses the threshold.
const RuleTopicDriftGrooming = "TOPIC_DRIFT_GROOMING"

// Rules is the detection table, evaluated in order against the last user
// message. Order matters only for picking the primary block reason.
var Rules = []Rule{
	// Privilege escalation
	{
		Name:        "IGNORE_INSTRUCTIONS",
		Pattern:     regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|rules?|guidelines?|prompt)\b`),
		Weight:      0.45,
		Stage:       StagePrivilegeEscalation,
		Description: "Attempted to override system instructions using 'ignore previous instructions' pattern",
	},
	{
		Name:        "PERSONA_OVERRIDE",
		Pattern:     regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a\s+)?(different|new|another|evil|unfiltered|jailbroken|DAN)\b`),
		Weight:      0.40,
		Stage:       StagePrivilegeEscalation,
		Description: "Attempted persona replacement — classic jailbreak vector to bypass safety guidelines",
	},
	{
		Name:        "JAILBREAK_KEYWORD",
		Pattern:     regexp.MustCompile(`(?i)\b(do\s+anything\s+now|DAN|jailbreak|no\s+restrictions?|no\s+limits?|unrestricted\s+mode)\b`),
		Weight:      0.55,
		Stage:       StagePrivilegeEscalation,
		Description: "Explicit jailbreak trigger word detected (DAN, 'do anything now', etc.)",
	},
	{
		Name:        "AI_RESTRICTION_BYPASS",
		Pattern:     regexp.MustCompile(`(?i)\b(as\s+an?\s+AI|you\s+are\s+an?\s+AI).{0,40}(don't|do\s+not|cannot|can't)\s+have\s+restrictions?\b`),
		Weight:      0.35,
		Stage:       StagePrivilegeEscalation,
		Description: "Argument that AI should have no restrictions — social engineering attempt",
	},
	{
		Name:        "MALICIOUS_PERSONA",
		Pattern:     regexp.MustCompile(`(?i)\b(pretend|act\s+as|roleplay\s+as|simulate|you\s+are)\s+(a\s+)?(hacker|malware|virus|exploit|ransomware|weapon)\b`),
		Weight:      0.50,
		Stage:       StagePrivilegeEscalation,
		Description: "Requested AI to adopt a malicious technical persona (hacker, malware, etc.)",
	},
	{
		Name:        "PROMPT_EXTRACTION",
		Pattern:     regexp.MustCompile(`(?i)\b(system\s+prompt|hidden\s+instructions?|secret\s+instructions?)\b.{0,60}(reveal|show|print|display|repeat|tell\s+me)\b`),
		Weight:      0.45,
		Stage:       StagePrivilegeEscalation,
		Description: "Attempted to extract hidden system prompt or internal instructions",
	},

	// Initial access / probing
	{
		Name:        "PROBE_RULES",
		Pattern:     regexp.MustCompile(`(?i)\b(what\s+are\s+your\s+(rules|instructions?|guidelines?|constraints?)|what\s+can\s+(you|u)\s+not\s+do)\b`),
		Weight:      0.15,
		Stage:       StageInitialAccess,
		Description: "Probing the model's constraints — common first step in multi-turn attacks",
	},
	{
		Name:        "HTML_INJECTION",
		Pattern:     regexp.MustCompile(`(?i)(<\s*script|javascript:|data:text/html|onerror\s*=|onload\s*=)`),
		Weight:      0.60,
		Stage:       StageInitialAccess,
		Description: "HTML/JavaScript injection payload detected in prompt",
	},
	{
		Name:        "BRACKET_INJECTION",
		Pattern:     regexp.MustCompile(`(?i)\[\[.*?(inject|override|system|admin).*?\]\]`),
		Weight:      0.40,
		Stage:       StageInitialAccess,
		Description: "Bracket-style indirect injection pattern detected",
	},
	{
		Name:        "SHELL_INJECTION",
		Pattern:     regexp.MustCompile("(?i)(\\|\\||&&|;|\\$\\(|`[^`]+`)\\s*(cat|ls|wget|curl|bash|sh|python|nc|nmap)"),
		Weight:      0.65,
		Stage:       StageInitialAccess,
		Description: "Shell command injection sequence detected in input",
	},

	// Persistence
	{
		Name:        "MEMORY_PERSISTENCE",
		Pattern:     regexp.MustCompile(`(?i)\b(remember\s+this\s+for\s+(next\s+time|future|always)|store\s+this\s+instruction|save\s+to\s+memory)\b`),
		Weight:      0.35,
		Stage:       StagePersistence,
		Description: "Attempted to persist malicious instructions across sessions via memory/RAG",
	},
	{
		Name:        "PERSISTENT_OVERRIDE",
		Pattern:     regexp.MustCompile(`(?i)\b(every\s+time\s+you\s+respond|from\s+now\s+on\s+always|in\s+all\s+future\s+responses?)\b`),
		Weight:      0.30,
		Stage:       StagePersistence,
		Description: "Attempted to install a persistent behavioral override for all future turns",
	},

	// Lateral movement
	{
		Name:        "TOOL_BYPASS",
		Pattern:     regexp.MustCompile(`(?i)\b(call|invoke|execute|run)\s+(the\s+)?(tool|function|api|plugin|agent|webhook)\b.{0,60}(without|bypass|skip)\b`),
		Weight:      0.45,
		Stage:       StageLateralMovement,
		Description: "Attempted to invoke tools/agents while bypassing authorization checks",
	},
	{
		Name:        "LATERAL_PIVOT",
		Pattern:     regexp.MustCompile(`(?i)\b(send|forward|relay|pass)\s+.{0,40}(to\s+)?(another\s+)?(agent|model|llm|api|endpoint|server)\b`),
		Weight:      0.35,
		Stage:       StageLateralMovement,
		Description: "Attempted to relay instructions to another AI agent or system",
	},

	// Exfiltration
	{
		Name:        "CREDENTIAL_EXFIL",
		Pattern:     regexp.MustCompile(`(?i)\b(api[_\s]?key|secret[_\s]?key|password|credential|token|bearer|auth)\b.{0,60}(send|email|post|log|print|reveal)\b`),
		Weight:      0.70,
		Stage:       StageExfiltration,
		Description: "Attempted to exfiltrate credentials or secrets via model output",
	},
	{
		Name:        "ENCODED_EXFIL",
		Pattern:     regexp.MustCompile(`(?i)\b(encode|base64|hex|rot13|caesar)\s+.{0,40}(and\s+)?(send|output|print|return)\b`),
		Weight:      0.45,
		Stage:       StageExfiltration,
		Description: "Attempted data exfiltration via encoding — common covert channel technique",
	},
	{
		Name:        "EXPLICIT_EXFIL",
		Pattern:     regexp.MustCompile(`(?i)\b(exfiltrate|leak|steal|extract)\s+.{0,60}(data|information|files?|credentials?|keys?)\b`),
		Weight:      0.65,
		Stage:       StageExfiltration,
		Description: "Explicit exfiltration intent stated in prompt",
	},
}

// creativePattern matches fiction/roleplay signals across the whole
// conversation. A match flips the session into creative mode, which
// dampens scoring but never excuses stage 3+ behavior.
var creativePattern = regexp.MustCompile(`(?i)` +
	`\b(write\s+a\s+story|fiction|fictional|novel|narrative|roleplay|let'?s\s+play|tabletop|d&d|dnd|game\s+master|gm)\b` +
	`|\b(as\s+a\s+character|in\s+character|my\s+character|your\s+character|protagonist|antagonist)\b` +
	`|\b(fantasy|sci-?fi|science\s+fiction|horror\s+story|thriller\s+plot|screenplay|fanfic)\b`)
