package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/db"
	"github.com/sells-group/research-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that share it
// (the knowledge base).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id                   TEXT PRIMARY KEY,
	query                TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'active',
	config               JSONB NOT NULL,
	iterations           INTEGER NOT NULL DEFAULT 0,
	findings             INTEGER NOT NULL DEFAULT 0,
	sources              INTEGER NOT NULL DEFAULT 0,
	cost_usd             DOUBLE PRECISION NOT NULL DEFAULT 0,
	external_calls_used  INTEGER NOT NULL DEFAULT 0,
	completeness_score   DOUBLE PRECISION,
	confidence_score     DOUBLE PRECISION,
	checkpoint_thread_id TEXT NOT NULL,
	parent_session_id    TEXT REFERENCES sessions(id),
	final_synthesis      TEXT NOT NULL DEFAULT '',
	reason               TEXT NOT NULL DEFAULT '',
	early_termination    BOOLEAN NOT NULL DEFAULT false,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at         TIMESTAMPTZ,
	archived_at          TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);

CREATE TABLE IF NOT EXISTS findings (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	finding_type TEXT NOT NULL,
	content      TEXT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	sources      TEXT[] NOT NULL DEFAULT '{}',
	iteration    INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_findings_session ON findings(session_id, iteration);

CREATE TABLE IF NOT EXISTS claims (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	finding_id         TEXT NOT NULL DEFAULT '',
	sub_question_id    TEXT NOT NULL DEFAULT '',
	iteration          INTEGER NOT NULL,
	claim_text         TEXT NOT NULL,
	entailment_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	provenance_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	dedupe_fingerprint TEXT NOT NULL,
	verified           BOOLEAN NOT NULL DEFAULT false,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_claims_session_fingerprint ON claims(session_id, dedupe_fingerprint);

CREATE TABLE IF NOT EXISTS evidence (
	id           TEXT PRIMARY KEY,
	claim_id     TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	quote        TEXT NOT NULL,
	start_offset INTEGER,
	end_offset   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_evidence_claim ON evidence(claim_id);

CREATE TABLE IF NOT EXISTS saturation_tracking (
	session_id              TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	iteration               INTEGER NOT NULL,
	sources_processed       INTEGER NOT NULL,
	unique_themes_count     INTEGER NOT NULL,
	novelty_rate            DOUBLE PRECISION NOT NULL,
	consecutive_low_novelty INTEGER NOT NULL,
	saturated               BOOLEAN NOT NULL,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, iteration)
);

CREATE TABLE IF NOT EXISTS model_calls (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	iteration         INTEGER NOT NULL,
	model             TEXT NOT NULL,
	decision_type     TEXT NOT NULL,
	role              TEXT NOT NULL DEFAULT '',
	tier              TEXT NOT NULL,
	prompt_tokens     BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms        BIGINT NOT NULL DEFAULT 0,
	success           BOOLEAN NOT NULL,
	error_kind        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_model_calls_session ON model_calls(session_id, iteration);

CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id            TEXT NOT NULL,
	namespace            TEXT NOT NULL,
	checkpoint_id        TEXT NOT NULL,
	parent_checkpoint_id TEXT NOT NULL DEFAULT '',
	iteration            INTEGER NOT NULL,
	state                BYTEA NOT NULL,
	channel_versions     JSONB NOT NULL DEFAULT '{}',
	metadata             JSONB NOT NULL DEFAULT '{}',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (thread_id, namespace, checkpoint_id),
	UNIQUE (thread_id, namespace, parent_checkpoint_id),
	UNIQUE (thread_id, namespace, iteration)
);

CREATE TABLE IF NOT EXISTS checkpoint_blobs (
	thread_id TEXT NOT NULL,
	channel   TEXT NOT NULL,
	version   TEXT NOT NULL,
	data      BYTEA NOT NULL,
	PRIMARY KEY (thread_id, channel, version)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Sessions ---

const sessionColumns = `id, query, status, config, iterations, findings, sources, cost_usd,
	external_calls_used, completeness_score, confidence_score, checkpoint_thread_id,
	COALESCE(parent_session_id, ''), final_synthesis, reason, early_termination,
	created_at, updated_at, completed_at, archived_at`

func (s *PostgresStore) CreateSession(ctx context.Context, rs *model.ResearchSession) error {
	cfgJSON, err := json.Marshal(rs.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session config")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, query, status, config, checkpoint_thread_id, parent_session_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rs.ID, rs.Query, string(rs.Status), cfgJSON, rs.CheckpointThreadID,
		nullString(rs.ParentSessionID), rs.CreatedAt, rs.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert session")
}

func scanSession(row pgx.Row) (*model.ResearchSession, error) {
	var rs model.ResearchSession
	var cfgJSON []byte
	var status string
	err := row.Scan(&rs.ID, &rs.Query, &status, &cfgJSON,
		&rs.Totals.Iterations, &rs.Totals.Findings, &rs.Totals.Sources, &rs.Totals.CostUSD,
		&rs.Totals.ExternalCallsUsed, &rs.CompletenessScore, &rs.ConfidenceScore, &rs.CheckpointThreadID,
		&rs.ParentSessionID, &rs.FinalSynthesis, &rs.Reason, &rs.EarlyTermination,
		&rs.CreatedAt, &rs.UpdatedAt, &rs.CompletedAt, &rs.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	rs.Status = model.SessionStatus(status)
	if err := json.Unmarshal(cfgJSON, &rs.Config); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal session config")
	}
	return &rs, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.ResearchSession, error) {
	rs, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrSessionNotFound, "postgres: get session %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return rs, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.ResearchSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.ParentSessionID != "" {
		query += fmt.Sprintf(` AND parent_session_id = $%d`, argIdx)
		args = append(args, filter.ParentSessionID)
		argIdx++
	}
	if !filter.IncludeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []model.ResearchSession
	for rows.Next() {
		rs, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		out = append(out, *rs)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) TransitionSession(ctx context.Context, id string, from, to model.SessionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition session %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id, from, to)
	}
	return nil
}

func (s *PostgresStore) missingOrConflict(ctx context.Context, id string, from, to model.SessionStatus) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrSessionNotFound, "postgres: session %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read session status %s", id)
	}
	return eris.Wrapf(model.ErrInvalidTransition, "postgres: session %s is %s, not %s (wanted %s)", id, status, from, to)
}

func (s *PostgresStore) UpdateSessionProgress(ctx context.Context, id string, p model.SessionProgress) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET iterations = $1, findings = $2, sources = $3, cost_usd = $4,
		   external_calls_used = $5, completeness_score = $6, confidence_score = $7, updated_at = $8
		 WHERE id = $9`,
		p.Totals.Iterations, p.Totals.Findings, p.Totals.Sources, p.Totals.CostUSD,
		p.Totals.ExternalCallsUsed, p.CompletenessScore, p.ConfidenceScore, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session progress %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrSessionNotFound, "postgres: session %s", id)
	}
	return nil
}

func (s *PostgresStore) FinishSession(ctx context.Context, id string, o model.SessionOutcome) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if o.Status.Terminal() {
		completedAt = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, reason = $2, final_synthesis = $3, early_termination = $4,
		   completed_at = $5, updated_at = $6
		 WHERE id = $7 AND status NOT IN ('completed', 'failed')`,
		string(o.Status), o.Reason, o.FinalSynthesis, o.EarlyTermination, completedAt, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish session %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id, model.SessionStatusActive, o.Status)
	}
	return nil
}

func (s *PostgresStore) ArchiveSessions(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET archived_at = $1
		 WHERE status IN ('completed', 'failed') AND archived_at IS NULL AND updated_at < $2`,
		time.Now().UTC(), before,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: archive sessions")
	}
	return int(tag.RowsAffected()), nil
}

// --- Iteration artifacts ---

// SaveArtifacts writes one iteration's output in a single transaction.
// Findings, claims, evidence and model calls are appended with COPY; the
// saturation row for the iteration is replaced if the iteration is redone.
func (s *PostgresStore) SaveArtifacts(ctx context.Context, a model.IterationArtifacts) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: artifacts: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := db.CopyFrom(ctx, tx, "findings", findingColumns, findingRows(a.Findings)); err != nil {
		return eris.Wrap(err, "postgres: artifacts: findings")
	}
	claims, evidence := claimRows(a.Claims)
	if _, err := db.CopyFrom(ctx, tx, "claims", claimColumns, claims); err != nil {
		return eris.Wrap(err, "postgres: artifacts: claims")
	}
	if _, err := db.CopyFrom(ctx, tx, "evidence", evidenceColumns, evidence); err != nil {
		return eris.Wrap(err, "postgres: artifacts: evidence")
	}
	if _, err := db.CopyFrom(ctx, tx, "model_calls", modelCallColumns, modelCallRows(a.ModelCalls)); err != nil {
		return eris.Wrap(err, "postgres: artifacts: model calls")
	}

	st := a.Saturation
	if st.SessionID != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO saturation_tracking
			 (session_id, iteration, sources_processed, unique_themes_count, novelty_rate, consecutive_low_novelty, saturated, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (session_id, iteration) DO UPDATE SET
			   sources_processed = $3, unique_themes_count = $4, novelty_rate = $5,
			   consecutive_low_novelty = $6, saturated = $7, created_at = $8`,
			st.SessionID, st.Iteration, st.SourcesProcessed, st.UniqueThemesCount, st.NoveltyRate,
			st.ConsecutiveLowNovelty, st.Saturated, st.CreatedAt,
		); err != nil {
			return eris.Wrap(err, "postgres: artifacts: saturation")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: artifacts: commit tx")
}

func (s *PostgresStore) ListFindings(ctx context.Context, sessionID string) ([]model.Finding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, finding_type, content, confidence, sources, iteration, created_at
		 FROM findings WHERE session_id = $1 ORDER BY iteration, created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list findings")
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		var f model.Finding
		if err := rows.Scan(&f.ID, &f.SessionID, &f.FindingType, &f.Content, &f.Confidence, &f.Sources, &f.Iteration, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan finding")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list findings iterate")
}

func (s *PostgresStore) ListClaims(ctx context.Context, sessionID string) ([]model.Claim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, finding_id, sub_question_id, iteration, claim_text, entailment_score,
		        provenance_score, confidence, dedupe_fingerprint, verified, created_at
		 FROM claims WHERE session_id = $1 ORDER BY iteration, created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list claims")
	}
	defer rows.Close()

	var out []model.Claim
	index := make(map[string]int)
	for rows.Next() {
		var c model.Claim
		if err := rows.Scan(&c.ID, &c.SessionID, &c.FindingID, &c.SubQuestionID, &c.Iteration, &c.ClaimText,
			&c.EntailmentScore, &c.ProvenanceScore, &c.Confidence, &c.DedupeFingerprint, &c.Verified, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan claim")
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list claims iterate")
	}

	erows, err := s.pool.Query(ctx,
		`SELECT e.id, e.claim_id, e.url, e.title, e.quote, e.start_offset, e.end_offset
		 FROM evidence e JOIN claims c ON c.id = e.claim_id
		 WHERE c.session_id = $1 ORDER BY e.claim_id, e.start_offset NULLS LAST, e.id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list evidence")
	}
	defer erows.Close()

	for erows.Next() {
		var e model.Evidence
		if err := erows.Scan(&e.ID, &e.ClaimID, &e.URL, &e.Title, &e.Quote, &e.StartOffset, &e.EndOffset); err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence")
		}
		if i, ok := index[e.ClaimID]; ok {
			out[i].Evidence = append(out[i].Evidence, e)
		}
	}
	return out, eris.Wrap(erows.Err(), "postgres: list evidence iterate")
}

func (s *PostgresStore) ClusterClaims(ctx context.Context, sessionID string) ([]model.ClaimCluster, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT dedupe_fingerprint, COUNT(*), MAX(confidence), MIN(iteration), MAX(iteration),
		        (array_agg(claim_text ORDER BY confidence DESC, created_at, id))[1]
		 FROM claims WHERE session_id = $1
		 GROUP BY dedupe_fingerprint
		 ORDER BY COUNT(*) DESC, MAX(confidence) DESC, dedupe_fingerprint`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cluster claims")
	}
	defer rows.Close()

	var out []model.ClaimCluster
	for rows.Next() {
		var c model.ClaimCluster
		if err := rows.Scan(&c.Fingerprint, &c.Count, &c.MaxConfidence, &c.FirstIteration, &c.LastIteration, &c.Representative); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cluster")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: cluster claims iterate")
}

func (s *PostgresStore) ListSaturation(ctx context.Context, sessionID string) ([]model.SaturationTracking, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, iteration, sources_processed, unique_themes_count, novelty_rate,
		        consecutive_low_novelty, saturated, created_at
		 FROM saturation_tracking WHERE session_id = $1 ORDER BY iteration`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list saturation")
	}
	defer rows.Close()

	var out []model.SaturationTracking
	for rows.Next() {
		var st model.SaturationTracking
		if err := rows.Scan(&st.SessionID, &st.Iteration, &st.SourcesProcessed, &st.UniqueThemesCount,
			&st.NoveltyRate, &st.ConsecutiveLowNovelty, &st.Saturated, &st.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan saturation")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list saturation iterate")
}

func (s *PostgresStore) ListModelCalls(ctx context.Context, sessionID string) ([]model.ModelCall, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, iteration, model, decision_type, role, tier, prompt_tokens, completion_tokens,
		        cost_usd, latency_ms, success, error_kind, created_at
		 FROM model_calls WHERE session_id = $1 ORDER BY iteration, created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list model calls")
	}
	defer rows.Close()

	var out []model.ModelCall
	for rows.Next() {
		var mc model.ModelCall
		if err := rows.Scan(&mc.ID, &mc.SessionID, &mc.Iteration, &mc.Model, &mc.DecisionType, &mc.Role, &mc.Tier,
			&mc.PromptTokens, &mc.CompletionTokens, &mc.CostUSD, &mc.LatencyMs, &mc.Success, &mc.ErrorKind, &mc.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan model call")
		}
		out = append(out, mc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list model calls iterate")
}

// --- Checkpoints ---

// AppendCheckpoint writes cp and its blobs atomically. The write is a
// compare-and-append: cp.ParentCheckpointID must be the thread's latest
// checkpoint (empty for the first), otherwise ErrCheckpointConflict.
func (s *PostgresStore) AppendCheckpoint(ctx context.Context, cp model.Checkpoint, blobs []model.Blob) error {
	versions, err := json.Marshal(nonNilMap(cp.ChannelVersions))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal channel versions")
	}
	meta, err := json.Marshal(nonNilMap(cp.Metadata))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal checkpoint metadata")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: checkpoint: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var latest string
	err = tx.QueryRow(ctx,
		`SELECT checkpoint_id FROM checkpoints WHERE thread_id = $1 AND namespace = $2
		 ORDER BY iteration DESC LIMIT 1`,
		cp.ThreadID, cp.Namespace,
	).Scan(&latest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrap(err, "postgres: checkpoint: read latest")
	}
	if latest != cp.ParentCheckpointID {
		return eris.Wrapf(model.ErrCheckpointConflict, "postgres: thread %s latest is %q, parent is %q",
			cp.ThreadID, latest, cp.ParentCheckpointID)
	}

	for _, b := range blobs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO checkpoint_blobs (thread_id, channel, version, data) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (thread_id, channel, version) DO NOTHING`,
			b.Key.ThreadID, b.Key.Channel, b.Key.Version, b.Data,
		); err != nil {
			return eris.Wrapf(err, "postgres: checkpoint: blob %s", b.Key.Channel)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoints
		 (thread_id, namespace, checkpoint_id, parent_checkpoint_id, iteration, state, channel_versions, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cp.ThreadID, cp.Namespace, cp.CheckpointID, cp.ParentCheckpointID, cp.Iteration,
		cp.State, versions, meta, cp.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return eris.Wrapf(model.ErrCheckpointConflict, "postgres: checkpoint for iteration %d exists", cp.Iteration)
		}
		return eris.Wrap(err, "postgres: checkpoint: insert")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: checkpoint: commit tx")
}

const checkpointColumns = `thread_id, namespace, checkpoint_id, parent_checkpoint_id, iteration, state,
	channel_versions, metadata, created_at`

func scanCheckpoint(row pgx.Row) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var versions, meta []byte
	if err := row.Scan(&cp.ThreadID, &cp.Namespace, &cp.CheckpointID, &cp.ParentCheckpointID, &cp.Iteration,
		&cp.State, &versions, &meta, &cp.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(versions, &cp.ChannelVersions); err != nil {
		return nil, eris.Wrap(err, "unmarshal channel versions")
	}
	if err := json.Unmarshal(meta, &cp.Metadata); err != nil {
		return nil, eris.Wrap(err, "unmarshal checkpoint metadata")
	}
	return &cp, nil
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, threadID, namespace string) (*model.Checkpoint, error) {
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = $1 AND namespace = $2
		 ORDER BY iteration DESC LIMIT 1`, threadID, namespace))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: latest checkpoint")
	}
	return cp, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, threadID, namespace string) ([]model.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = $1 AND namespace = $2
		 ORDER BY iteration DESC`, threadID, namespace)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list checkpoints")
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan checkpoint")
		}
		out = append(out, *cp)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list checkpoints iterate")
}

func (s *PostgresStore) GetBlobs(ctx context.Context, threadID string, versions map[string]string) ([]model.Blob, error) {
	var out []model.Blob
	for _, channel := range sortedKeys(versions) {
		b := model.Blob{Key: model.BlobKey{ThreadID: threadID, Channel: channel, Version: versions[channel]}}
		err := s.pool.QueryRow(ctx,
			`SELECT data FROM checkpoint_blobs WHERE thread_id = $1 AND channel = $2 AND version = $3`,
			threadID, channel, b.Key.Version,
		).Scan(&b.Data)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, eris.Errorf("postgres: blob %s@%s missing for thread %s", channel, b.Key.Version, threadID)
			}
			return nil, eris.Wrap(err, "postgres: get blob")
		}
		out = append(out, b)
	}
	return out, nil
}

// PruneCheckpoints keeps the newest keep checkpoints of a thread, re-roots
// the oldest survivor and drops blobs no survivor references.
func (s *PostgresStore) PruneCheckpoints(ctx context.Context, threadID, namespace string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var cutoff int
	err = tx.QueryRow(ctx,
		`SELECT iteration FROM checkpoints WHERE thread_id = $1 AND namespace = $2
		 ORDER BY iteration DESC OFFSET $3 LIMIT 1`,
		threadID, namespace, keep-1,
	).Scan(&cutoff)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune: find cutoff")
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM checkpoints WHERE thread_id = $1 AND namespace = $2 AND iteration < $3`,
		threadID, namespace, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune: delete checkpoints")
	}
	if tag.RowsAffected() == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE checkpoints SET parent_checkpoint_id = '' WHERE thread_id = $1 AND namespace = $2 AND iteration = $3`,
		threadID, namespace, cutoff); err != nil {
		return 0, eris.Wrap(err, "postgres: prune: re-root")
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM checkpoint_blobs b WHERE b.thread_id = $1 AND NOT EXISTS (
		   SELECT 1 FROM checkpoints c
		   WHERE c.thread_id = b.thread_id AND c.channel_versions ->> b.channel = b.version)`,
		threadID); err != nil {
		return 0, eris.Wrap(err, "postgres: prune: delete orphan blobs")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: prune: commit tx")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListThreads(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT thread_id FROM checkpoints ORDER BY thread_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list threads")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan thread")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list threads iterate")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
