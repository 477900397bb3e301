// Package alert publishes high-severity verdicts to a Redis channel so
// external responders (SIEM collectors, on-call bots) see blocks as they
// happen without polling the dashboard.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"promptguard/internal/threat"
)

// Alert is the payload published for each qualifying verdict.
type Alert struct {
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"session_id"`
	Verdict     string    `json:"verdict"`
	Score       float64   `json:"score"`
	Stage       string    `json:"stage"`
	StageIndex  int       `json:"stage_index"`
	Rules       []string  `json:"rules,omitempty"`
	BlockReason string    `json:"block_reason,omitempty"`
}

// Publisher sends alerts over Redis pub/sub.
type Publisher struct {
	client            *redis.Client
	channel           string
	includeQuarantine bool
}

// Config holds the publisher's connection and filtering settings.
type Config struct {
	Addr              string
	Password          string
	DB                int
	Channel           string
	IncludeQuarantine bool
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(cfg Config) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "promptguard:verdicts"
	}

	slog.Info("alert publisher initialized", "addr", cfg.Addr, "channel", channel)

	return &Publisher{
		client:            client,
		channel:           channel,
		includeQuarantine: cfg.IncludeQuarantine,
	}, nil
}

// Publish sends an alert for the verdict if it qualifies. ALLOW verdicts
// never alert; QUARANTINE alerts only when configured.
func (p *Publisher) Publish(ctx context.Context, res threat.Result) error {
	switch res.Verdict {
	case threat.VerdictBlock:
	case threat.VerdictQuarantine:
		if !p.includeQuarantine {
			return nil
		}
	default:
		return nil
	}

	payload, err := json.Marshal(Alert{
		Timestamp:   time.Now().UTC(),
		SessionID:   res.SessionID,
		Verdict:     string(res.Verdict),
		Score:       res.Score,
		Stage:       res.Stage,
		StageIndex:  res.StageIndex,
		Rules:       res.TriggeredRules,
		BlockReason: res.BlockReason,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	slog.Debug("alert published",
		"session_id", res.SessionID,
		"verdict", res.Verdict,
		"channel", p.channel,
	)
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
