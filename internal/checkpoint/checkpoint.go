// Package checkpoint persists iteration-aligned session state as an
// append-only chain of checkpoints with content-addressed blobs.
package checkpoint

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/knowledge"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/saturation"
)

// Blob channels. Each is stored outside the checkpoint row and shared
// between checkpoints while its content does not change.
const (
	ChannelThemes  = "themes"
	ChannelVerdict = "verdict"
	ChannelContext = "context"
)

// ErrBrokenChain is returned by VerifyChain when the parent links of a
// thread do not form a single history.
var ErrBrokenChain = eris.New("checkpoint chain is broken")

// State is everything needed to run the next iteration of a session.
// Fields tagged cbor:"-" travel as blobs.
type State struct {
	SessionID    string              `cbor:"1,keyasint"`
	Query        string              `cbor:"2,keyasint"`
	Iteration    int                 `cbor:"3,keyasint"`
	Config       model.SessionConfig `cbor:"4,keyasint"`
	Totals       model.Totals        `cbor:"5,keyasint"`
	Completeness *float64            `cbor:"6,keyasint,omitempty"`
	Confidence   *float64            `cbor:"7,keyasint,omitempty"`
	Citations    []string            `cbor:"8,keyasint,omitempty"`
	LostTotal    int                 `cbor:"9,keyasint,omitempty"`
	ThreadID     string              `cbor:"10,keyasint,omitempty"`

	Summary string                       `cbor:"-"`
	Tracker saturation.Tracker           `cbor:"-"`
	Context map[string][]knowledge.Chunk `cbor:"-"`
}

// Store is the persistence the manager needs.
type Store interface {
	AppendCheckpoint(ctx context.Context, cp model.Checkpoint, blobs []model.Blob) error
	LatestCheckpoint(ctx context.Context, threadID, namespace string) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context, threadID, namespace string) ([]model.Checkpoint, error)
	GetBlobs(ctx context.Context, threadID string, versions map[string]string) ([]model.Blob, error)
	PruneCheckpoints(ctx context.Context, threadID, namespace string, keep int) (int, error)
}

// Manager writes and reads checkpoint chains.
type Manager struct {
	store     Store
	namespace string
	now       func() time.Time
}

// NewManager creates a Manager over the default namespace.
func NewManager(s Store) *Manager {
	return &Manager{store: s, namespace: model.DefaultNamespace, now: time.Now}
}

// Save appends a checkpoint for st whose parent is parentID (empty for the
// first checkpoint of a thread). It fails with ErrCheckpointConflict when
// parentID is no longer the latest checkpoint.
func (m *Manager) Save(ctx context.Context, threadID, parentID string, st State) (*model.Checkpoint, error) {
	state, err := Marshal(st)
	if err != nil {
		return nil, err
	}

	channels := map[string]any{
		ChannelThemes:  st.Tracker,
		ChannelVerdict: st.Summary,
		ChannelContext: st.Context,
	}
	versions := make(map[string]string, len(channels))
	blobs := make([]model.Blob, 0, len(channels))
	for _, name := range sortedChannels(channels) {
		raw, err := Marshal(channels[name])
		if err != nil {
			return nil, eris.Wrapf(err, "checkpoint: encode channel %s", name)
		}
		version := Version(raw)
		versions[name] = version
		blobs = append(blobs, model.Blob{
			Key:  model.BlobKey{ThreadID: threadID, Channel: name, Version: version},
			Data: compress(raw),
		})
	}

	cp := model.Checkpoint{
		ThreadID:           threadID,
		Namespace:          m.namespace,
		CheckpointID:       uuid.NewString(),
		ParentCheckpointID: parentID,
		Iteration:          st.Iteration,
		State:              state,
		ChannelVersions:    versions,
		Metadata: map[string]string{
			"session_id": st.SessionID,
			"source":     "loop",
			"step":       strconv.Itoa(st.Iteration),
		},
		CreatedAt: m.now().UTC(),
	}

	if err := m.store.AppendCheckpoint(ctx, cp, blobs); err != nil {
		return nil, eris.Wrapf(err, "checkpoint: save iteration %d", st.Iteration)
	}

	zap.L().Debug("checkpoint: saved",
		zap.String("thread_id", threadID),
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.Int("iteration", cp.Iteration),
		zap.Int("state_bytes", len(state)),
	)
	return &cp, nil
}

// Load returns the state in the latest checkpoint of a thread, or nil state
// and nil checkpoint when the thread has none.
func (m *Manager) Load(ctx context.Context, threadID string) (*State, *model.Checkpoint, error) {
	cp, err := m.store.LatestCheckpoint(ctx, threadID, m.namespace)
	if err != nil {
		return nil, nil, eris.Wrap(err, "checkpoint: load latest")
	}
	if cp == nil {
		return nil, nil, nil
	}
	st, err := m.Decode(ctx, cp)
	if err != nil {
		return nil, nil, err
	}
	return st, cp, nil
}

// Decode rebuilds the state held by cp, fetching its blobs.
func (m *Manager) Decode(ctx context.Context, cp *model.Checkpoint) (*State, error) {
	var st State
	if err := Unmarshal(cp.State, &st); err != nil {
		return nil, eris.Wrapf(err, "checkpoint: decode %s", cp.CheckpointID)
	}
	if st.ThreadID == "" {
		st.ThreadID = cp.ThreadID
	}

	blobs, err := m.store.GetBlobs(ctx, cp.ThreadID, cp.ChannelVersions)
	if err != nil {
		return nil, eris.Wrapf(err, "checkpoint: blobs for %s", cp.CheckpointID)
	}
	st.Tracker = saturation.NewTracker()
	for _, b := range blobs {
		raw, err := decompress(b.Data)
		if err != nil {
			return nil, eris.Wrapf(err, "checkpoint: channel %s", b.Key.Channel)
		}
		switch b.Key.Channel {
		case ChannelThemes:
			err = Unmarshal(raw, &st.Tracker)
		case ChannelVerdict:
			err = Unmarshal(raw, &st.Summary)
		case ChannelContext:
			err = Unmarshal(raw, &st.Context)
		default:
			zap.L().Warn("checkpoint: unknown channel", zap.String("channel", b.Key.Channel))
		}
		if err != nil {
			return nil, eris.Wrapf(err, "checkpoint: channel %s", b.Key.Channel)
		}
	}
	if st.Tracker.Seen == nil {
		st.Tracker.Seen = map[string]bool{}
	}
	return &st, nil
}

// ChainReport summarises a verified checkpoint chain.
type ChainReport struct {
	ThreadID string   `json:"thread_id"`
	Length   int      `json:"length"`
	Latest   string   `json:"latest,omitempty"`
	Root     string   `json:"root,omitempty"`
	Chain    []string `json:"chain,omitempty"`
	// Iterations lists iteration numbers from the latest checkpoint back
	// to the root.
	Iterations []int `json:"iterations,omitempty"`
}

// VerifyChain walks parent links from the latest checkpoint. The walk must
// end at a root with no parent, visit every checkpoint of the thread exactly
// once and see iteration numbers strictly decrease.
func (m *Manager) VerifyChain(ctx context.Context, threadID string) (*ChainReport, error) {
	list, err := m.store.ListCheckpoints(ctx, threadID, m.namespace)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: list")
	}
	report := &ChainReport{ThreadID: threadID}
	if len(list) == 0 {
		return report, nil
	}

	byID := make(map[string]model.Checkpoint, len(list))
	for _, cp := range list {
		byID[cp.CheckpointID] = cp
	}

	seen := make(map[string]bool, len(list))
	cur := list[0]
	report.Latest = cur.CheckpointID
	for {
		if seen[cur.CheckpointID] {
			return report, eris.Wrapf(ErrBrokenChain, "cycle at %s", cur.CheckpointID)
		}
		seen[cur.CheckpointID] = true
		report.Chain = append(report.Chain, cur.CheckpointID)
		report.Iterations = append(report.Iterations, cur.Iteration)

		if cur.ParentCheckpointID == "" {
			report.Root = cur.CheckpointID
			break
		}
		parent, found := byID[cur.ParentCheckpointID]
		if !found {
			return report, eris.Wrapf(ErrBrokenChain, "%s points at missing parent %s", cur.CheckpointID, cur.ParentCheckpointID)
		}
		if parent.Iteration >= cur.Iteration {
			return report, eris.Wrapf(ErrBrokenChain, "iteration %d follows %d", cur.Iteration, parent.Iteration)
		}
		cur = parent
	}

	report.Length = len(report.Chain)
	if report.Length != len(list) {
		return report, eris.Wrapf(ErrBrokenChain, "%d of %d checkpoints unreachable from latest",
			len(list)-report.Length, len(list))
	}
	return report, nil
}

// Prune keeps the newest keep checkpoints of a thread.
func (m *Manager) Prune(ctx context.Context, threadID string, keep int) (int, error) {
	n, err := m.store.PruneCheckpoints(ctx, threadID, m.namespace, keep)
	if err != nil {
		return 0, eris.Wrapf(err, "checkpoint: prune %s", threadID)
	}
	return n, nil
}

func sortedChannels(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
