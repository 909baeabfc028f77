// Package storage records finished runs and summarises constitution
// compliance across them.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/polisai/agentlayer/pkg/domain"
)

const (
	// MaxScore is the score of a run without violations.
	MaxScore = 100
	// ViolationPenalty is subtracted from MaxScore per violation.
	ViolationPenalty = 10
)

// RunRecord is the stored form of a finished run.
type RunRecord struct {
	ID         string                 `json:"run_id"`
	GraphID    string                 `json:"graph_id,omitempty"`
	Status     domain.RunStatus       `json:"status"`
	RuleID     string                 `json:"rule_id,omitempty"`
	Violations []string               `json:"violations"`
	Score      int                    `json:"score"`
	State      *domain.ExecutionState `json:"state,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// ScoreSummary aggregates compliance over all stored runs.
type ScoreSummary struct {
	TotalRuns    int            `json:"total_runs"`
	AverageScore float64        `json:"average_score"`
	ByStatus     map[string]int `json:"by_status"`
	Violations   map[string]int `json:"violation_summary"`
}

// RunStore persists run records. Get returns domain.ErrRunNotFound for
// unknown ids. List returns the most recent runs first.
type RunStore interface {
	Save(ctx context.Context, state *domain.ExecutionState) error
	Get(ctx context.Context, id string) (*RunRecord, error)
	List(ctx context.Context, limit int) ([]RunRecord, error)
	Score(ctx context.Context) (ScoreSummary, error)
	Close() error
}

// NewRecord derives a record from a finished run. Every deny or rewrite
// match is a violation; a rejection without a recorded match (a failed
// predicate) counts once for its rule.
func NewRecord(state *domain.ExecutionState) RunRecord {
	rec := RunRecord{
		ID:         state.RunID,
		GraphID:    state.GraphID,
		Status:     state.Status,
		Violations: []string{},
		State:      state,
		StartedAt:  state.StartedAt,
		FinishedAt: state.FinishedAt,
	}
	for _, id := range state.Order {
		ns := state.Nodes[id]
		if ns == nil || ns.Verdict == nil {
			continue
		}
		rec.Violations = appendViolations(rec.Violations, ns.Verdict.Matches)
	}
	if state.Rejection != nil {
		rec.RuleID = state.Rejection.RuleID
		if !contains(rec.Violations, rec.RuleID) {
			rec.Violations = append(rec.Violations, rec.RuleID)
		}
	}
	rec.Score = ScoreFor(len(rec.Violations))
	return rec
}

// ScoreFor returns max(0, MaxScore - ViolationPenalty*violations).
func ScoreFor(violations int) int {
	return max(0, MaxScore-ViolationPenalty*violations)
}

func appendViolations(out []string, matches []domain.RuleMatch) []string {
	for _, m := range matches {
		if m.Action == domain.ActionDeny || m.Action == domain.ActionRewrite {
			out = append(out, m.RuleID)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// summarize builds a ScoreSummary from records. No runs score MaxScore.
func summarize(records []RunRecord) ScoreSummary {
	summary := ScoreSummary{
		AverageScore: MaxScore,
		ByStatus:     map[string]int{},
		Violations:   map[string]int{},
	}
	if len(records) == 0 {
		return summary
	}
	total := 0
	for _, rec := range records {
		total += rec.Score
		summary.ByStatus[string(rec.Status)]++
		for _, ruleID := range rec.Violations {
			summary.Violations[ruleID]++
		}
	}
	summary.TotalRuns = len(records)
	summary.AverageScore = roundScore(float64(total) / float64(len(records)))
	return summary
}

func roundScore(v float64) float64 {
	return math.Round(v*100) / 100
}

func encodeState(state *domain.ExecutionState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode run state: %w", err)
	}
	return string(raw), nil
}

func decodeState(raw string) (*domain.ExecutionState, error) {
	if raw == "" {
		return nil, nil
	}
	var state domain.ExecutionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	return &state, nil
}
