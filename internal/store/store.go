// Package store defines the persistence boundary the coordination facade
// talks to. Two implementations exist — sqlstore (Shared Store, a
// relational backend reachable from many processes) and localstore (Local
// Store, a single JSON file owned by one process) — and the facade picks
// one at construction time. It never branches on which one it holds.
package store

import (
	"context"
	"errors"
	"time"

	"nervecenter/internal/domain"
)

// ErrNotFound is returned by read operations that find nothing.
var ErrNotFound = errors.New("not found")

// ErrAlreadyTaken is returned by ConditionalClaimJob when the job was
// claimed, completed or cancelled by someone else first.
var ErrAlreadyTaken = errors.New("job already taken")

// ErrConflict is returned by UpdateJob when its precondition does not hold.
var ErrConflict = errors.New("update precondition failed")

// JobUpdate is a tagged set of fields a caller wants applied to a job.
// Only the fields that are non-nil are written; this replaces the source's
// untyped partial-update maps with an explicit allow-list.
type JobUpdate struct {
	Status       *string
	AssignedTo   *string
	Priority     *string
	CancelReason *string
}

// JobPrecondition optionally gates UpdateJob on the job's current status.
type JobPrecondition struct {
	Status *string
}

type NewJob struct {
	ID            string
	ProjectID     string
	Title         string
	Description   string
	Priority      string
	Dependencies  []string
	CompletionKey string
	CreatedAt     time.Time
}

// Store is the abstract persistence boundary from SPEC_FULL.md §5.4.
// Both implementations must produce identical externally observable
// behaviour; only cross-process visibility may differ.
type Store interface {
	ResolveProject(ctx context.Context, name, owner string) (domain.Project, error)

	InsertJob(ctx context.Context, job NewJob) (domain.Job, error)
	ConditionalClaimJob(ctx context.Context, projectID, jobID, agentID string, now time.Time) error
	UpdateJob(ctx context.Context, projectID, jobID string, fields JobUpdate, pre JobPrecondition, now time.Time) (domain.Job, error)
	GetJob(ctx context.Context, projectID, jobID string) (domain.Job, error)
	SelectProjectJobs(ctx context.Context, projectID string) ([]domain.Job, error)
	DeleteTerminalJobs(ctx context.Context, projectID string) error

	UpsertLock(ctx context.Context, projectID, filePath, agentID, intent, prompt string, now time.Time, ttl time.Duration) (granted bool, current domain.Lock, err error)
	SelectProjectLocks(ctx context.Context, projectID string, now time.Time, ttl time.Duration) ([]domain.Lock, error)
	DeleteLock(ctx context.Context, projectID, filePath string) error
	ForceDeleteLock(ctx context.Context, projectID, filePath string) error
	ReclaimStaleLocks(ctx context.Context, projectID string, now time.Time, ttl time.Duration) error
	DeleteProjectLocks(ctx context.Context, projectID string) error

	ReadNotepad(ctx context.Context, projectID string) (string, error)
	AppendNotepad(ctx context.Context, projectID, line string) error
	ResetNotepad(ctx context.Context, projectID, marker string) error

	ArchiveSession(ctx context.Context, projectID, title, summary, full string, now time.Time) (archiveID, archivePath string, err error)

	InsertEmbedding(ctx context.Context, e domain.Embedding) error
	SearchEmbeddings(ctx context.Context, projectID string, query []float32, limit int) ([]domain.Embedding, []float32, error)

	InsertAPIKey(ctx context.Context, key domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error)
}
