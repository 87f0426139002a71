package store

import (
	"context"
	"time"

	"github.com/sells-group/research-engine/internal/model"
)

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status          model.SessionStatus `json:"status,omitempty"`
	ParentSessionID string              `json:"parent_session_id,omitempty"`
	IncludeArchived bool                `json:"include_archived,omitempty"`
	Limit           int                 `json:"limit,omitempty"`
	Offset          int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for research sessions.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *model.ResearchSession) error
	GetSession(ctx context.Context, id string) (*model.ResearchSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.ResearchSession, error)
	// TransitionSession moves a session from one status to another only if
	// it is still in from.
	TransitionSession(ctx context.Context, id string, from, to model.SessionStatus) error
	UpdateSessionProgress(ctx context.Context, id string, p model.SessionProgress) error
	FinishSession(ctx context.Context, id string, outcome model.SessionOutcome) error
	ArchiveSessions(ctx context.Context, before time.Time) (int, error)

	// Iteration artifacts
	SaveArtifacts(ctx context.Context, a model.IterationArtifacts) error
	ListFindings(ctx context.Context, sessionID string) ([]model.Finding, error)
	ListClaims(ctx context.Context, sessionID string) ([]model.Claim, error)
	ClusterClaims(ctx context.Context, sessionID string) ([]model.ClaimCluster, error)
	ListSaturation(ctx context.Context, sessionID string) ([]model.SaturationTracking, error)
	ListModelCalls(ctx context.Context, sessionID string) ([]model.ModelCall, error)

	// Checkpoints
	AppendCheckpoint(ctx context.Context, cp model.Checkpoint, blobs []model.Blob) error
	LatestCheckpoint(ctx context.Context, threadID, namespace string) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context, threadID, namespace string) ([]model.Checkpoint, error)
	GetBlobs(ctx context.Context, threadID string, versions map[string]string) ([]model.Blob, error)
	PruneCheckpoints(ctx context.Context, threadID, namespace string, keep int) (int, error)
	ListThreads(ctx context.Context) ([]string, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
