package storage

import "context"

// Storage defines the persistence interface for benchmark history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error

	// Rounds are saved as each one settles or fails
	SaveRound(ctx context.Context, round *Round) error
	GetRounds(ctx context.Context, runID string) ([]Round, error)

	// Progress samples are flushed in bulk after every round
	BulkInsertProgress(ctx context.Context, runID string, samples []ProgressSample) error
	GetProgress(ctx context.Context, runID string) ([]ProgressSample, error)

	// Lifecycle
	Close() error
}
