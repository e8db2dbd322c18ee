// Package storage provides persistence for benchmark history.
package storage

import (
	"encoding/json"
	"time"

	"github.com/gateway-fm/dualbench/pkg/types"
)

// Run represents a persisted benchmark run.
// JSON tags use camelCase to match the HTTP API.
type Run struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	NetworkA     string          `json:"networkA"`
	NetworkB     string          `json:"networkB"`
	TotalRounds  int             `json:"totalRounds"`
	RoundsDone   int             `json:"roundsDone"`
	Status       types.RunState  `json:"status"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"` // benchmark config as submitted
	// User-defined metadata
	CustomName *string `json:"customName,omitempty"`
	IsFavorite bool    `json:"isFavorite"`
}

// RunMetadataUpdate represents an update to run metadata (name/favorite).
type RunMetadataUpdate struct {
	CustomName *string `json:"customName,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`
}

// Round is one sub-round of a run with its final report.
type Round struct {
	RunID      string            `json:"runId"`
	RoundIdx   int               `json:"roundIdx"`
	Label      string            `json:"label"`
	State      types.RoundState  `json:"state"`
	StartedAt  time.Time         `json:"startedAt"`
	DurationMs int64             `json:"durationMs"`
	Spec       types.RoundSpec   `json:"spec"`
	Report     types.RoundReport `json:"report,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ProgressSample is one sampled live update of a round.
type ProgressSample struct {
	RoundIdx    int   `json:"roundIdx"`
	TimestampMs int64 `json:"timestampMs"` // Milliseconds since run start
	Submitted   int   `json:"submitted"`
	Succ        int   `json:"succ"`
	Fail        int   `json:"fail"`
}

// RunDetail combines a run with its rounds and progress samples.
type RunDetail struct {
	Run      *Run             `json:"run"`
	Rounds   []Round          `json:"rounds"`
	Progress []ProgressSample `json:"progress"`
}

// PaginatedRuns represents a paginated list of runs.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
