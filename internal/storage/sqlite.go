// Package storage persists verdict history so that blocked and quarantined
// requests survive restarts and can be queried beyond the in-memory
// dashboard ring.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// VerdictRecord is one analyzed request as stored in history. UserMessage
// is redacted before it reaches this layer.
type VerdictRecord struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	SessionID      string    `json:"session_id"`
	Verdict        string    `json:"verdict"`
	Score          float64   `json:"score"`
	Stage          string    `json:"stage"`
	StageIndex     int       `json:"stage_index"`
	TriggeredRules []string  `json:"triggered_rules"`
	BlockReason    string    `json:"block_reason,omitempty"`
	CreativeMode   bool      `json:"creative_mode"`
	UserMessage    string    `json:"user_message"`
	AIResponse     string    `json:"ai_response"`
	CallMs         int64     `json:"call_ms"`
	TokensIn       int64     `json:"tokens_in,omitempty"`
	TokensOut      int64     `json:"tokens_out,omitempty"`
}

// SQLiteStore provides persistent verdict history storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("SQLite storage initialized", "path", dbPath)
	return store, nil
}

// migrate creates the necessary tables
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS verdicts (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		session_id TEXT NOT NULL,
		verdict TEXT NOT NULL,
		score REAL NOT NULL,
		stage TEXT NOT NULL,
		stage_index INTEGER NOT NULL,
		triggered_rules TEXT,
		block_reason TEXT,
		creative_mode INTEGER NOT NULL DEFAULT 0,
		user_message TEXT NOT NULL,
		ai_response TEXT,
		call_ms INTEGER NOT NULL DEFAULT 0,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_verdicts_timestamp ON verdicts(timestamp);
	CREATE INDEX IF NOT EXISTS idx_verdicts_session ON verdicts(session_id);
	CREATE INDEX IF NOT EXISTS idx_verdicts_verdict ON verdicts(verdict);
	CREATE INDEX IF NOT EXISTS idx_verdicts_stage ON verdicts(stage);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveVerdict records one analyzed request.
func (s *SQLiteStore) SaveVerdict(ctx context.Context, record VerdictRecord) error {
	rules, err := json.Marshal(record.TriggeredRules)
	if err != nil {
		rules = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO verdicts
		(id, timestamp, session_id, verdict, score, stage, stage_index, triggered_rules, block_reason, creative_mode, user_message, ai_response, call_ms, tokens_in, tokens_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Timestamp,
		record.SessionID,
		record.Verdict,
		record.Score,
		record.Stage,
		record.StageIndex,
		string(rules),
		record.BlockReason,
		record.CreativeMode,
		record.UserMessage,
		record.AIResponse,
		record.CallMs,
		record.TokensIn,
		record.TokensOut,
	)
	if err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}

	slog.Debug("verdict saved to history", "id", record.ID, "verdict", record.Verdict)
	return nil
}

// ListVerdictsOptions contains options for listing verdict history
type ListVerdictsOptions struct {
	Limit     int
	Offset    int
	SessionID string
	Verdict   string // Filter by verdict (ALLOW, QUARANTINE, BLOCK)
	Stage     string // Filter by kill-chain stage name
	Since     *time.Time
	Until     *time.Time
}

// ListVerdicts retrieves verdict records with filtering and pagination,
// newest first.
func (s *SQLiteStore) ListVerdicts(opts ListVerdictsOptions) ([]VerdictRecord, error) {
	query := `
		SELECT id, timestamp, session_id, verdict, score, stage, stage_index, triggered_rules, block_reason, creative_mode, user_message, ai_response, call_ms, tokens_in, tokens_out
		FROM verdicts WHERE 1=1`

	args := []interface{}{}

	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Verdict != "" {
		query += " AND verdict = ?"
		args = append(args, opts.Verdict)
	}
	if opts.Stage != "" {
		query += " AND stage = ?"
		args = append(args, opts.Stage)
	}
	if opts.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, *opts.Until)
	}

	query += " ORDER BY timestamp DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list verdicts: %w", err)
	}
	defer rows.Close()

	var records []VerdictRecord
	for rows.Next() {
		var record VerdictRecord
		var rulesStr sql.NullString
		var blockReason sql.NullString
		var aiResponse sql.NullString

		err := rows.Scan(
			&record.ID,
			&record.Timestamp,
			&record.SessionID,
			&record.Verdict,
			&record.Score,
			&record.Stage,
			&record.StageIndex,
			&rulesStr,
			&blockReason,
			&record.CreativeMode,
			&record.UserMessage,
			&aiResponse,
			&record.CallMs,
			&record.TokensIn,
			&record.TokensOut,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verdict: %w", err)
		}

		if rulesStr.Valid && rulesStr.String != "" {
			json.Unmarshal([]byte(rulesStr.String), &record.TriggeredRules)
		}
		record.BlockReason = blockReason.String
		record.AIResponse = aiResponse.String

		records = append(records, record)
	}

	return records, nil
}

// Stats represents aggregate verdict statistics
type Stats struct {
	TotalRequests    int64            `json:"total_requests"`
	Blocked          int64            `json:"blocked"`
	Quarantined      int64            `json:"quarantined"`
	Allowed          int64            `json:"allowed"`
	AvgScore         float64          `json:"avg_score"`
	AvgCallMs        float64          `json:"avg_call_ms"`
	ByStage          map[string]int64 `json:"by_stage"`
	UniqueSessionIDs int64            `json:"unique_session_ids"`
}

// GetStats retrieves aggregate statistics, optionally limited to records
// after the given time.
func (s *SQLiteStore) GetStats(since *time.Time) (*Stats, error) {
	stats := &Stats{
		ByStage: make(map[string]int64),
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	if since != nil {
		whereClause += " AND timestamp >= ?"
		args = append(args, *since)
	}

	row := s.db.QueryRow(fmt.Sprintf(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN verdict = 'BLOCK' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verdict = 'QUARANTINE' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verdict = 'ALLOW' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(score), 0),
			COALESCE(AVG(call_ms), 0),
			COUNT(DISTINCT session_id)
		FROM verdicts %s`, whereClause), args...)

	err := row.Scan(
		&stats.TotalRequests,
		&stats.Blocked,
		&stats.Quarantined,
		&stats.Allowed,
		&stats.AvgScore,
		&stats.AvgCallMs,
		&stats.UniqueSessionIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate stats: %w", err)
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT stage, COUNT(*) FROM verdicts %s GROUP BY stage`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get stage stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stage string
		var count int64
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		stats.ByStage[stage] = count
	}

	return stats, nil
}

// Cleanup removes verdict records older than the retention window.
func (s *SQLiteStore) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM verdicts WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old verdicts: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("cleaned up old verdicts", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
