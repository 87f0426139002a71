package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/research-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local runs
// and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id                   TEXT PRIMARY KEY,
	query                TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'active',
	config               TEXT NOT NULL,
	iterations           INTEGER NOT NULL DEFAULT 0,
	findings             INTEGER NOT NULL DEFAULT 0,
	sources              INTEGER NOT NULL DEFAULT 0,
	cost_usd             REAL NOT NULL DEFAULT 0,
	external_calls_used  INTEGER NOT NULL DEFAULT 0,
	completeness_score   REAL,
	confidence_score     REAL,
	checkpoint_thread_id TEXT NOT NULL,
	parent_session_id    TEXT REFERENCES sessions(id),
	final_synthesis      TEXT NOT NULL DEFAULT '',
	reason               TEXT NOT NULL DEFAULT '',
	early_termination    BOOLEAN NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL,
	completed_at         DATETIME,
	archived_at          DATETIME
);

CREATE TABLE IF NOT EXISTS findings (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	finding_type TEXT NOT NULL,
	content      TEXT NOT NULL,
	confidence   REAL NOT NULL DEFAULT 0,
	sources      TEXT NOT NULL DEFAULT '[]',
	iteration    INTEGER NOT NULL,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS claims (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL REFERENCES sessions(id),
	finding_id         TEXT NOT NULL DEFAULT '',
	sub_question_id    TEXT NOT NULL DEFAULT '',
	iteration          INTEGER NOT NULL,
	claim_text         TEXT NOT NULL,
	entailment_score   REAL NOT NULL DEFAULT 0,
	provenance_score   REAL NOT NULL DEFAULT 0,
	confidence         REAL NOT NULL DEFAULT 0,
	dedupe_fingerprint TEXT NOT NULL,
	verified           BOOLEAN NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence (
	id           TEXT PRIMARY KEY,
	claim_id     TEXT NOT NULL REFERENCES claims(id),
	url          TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	quote        TEXT NOT NULL,
	start_offset INTEGER,
	end_offset   INTEGER
);

CREATE TABLE IF NOT EXISTS saturation_tracking (
	session_id              TEXT NOT NULL REFERENCES sessions(id),
	iteration               INTEGER NOT NULL,
	sources_processed       INTEGER NOT NULL,
	unique_themes_count     INTEGER NOT NULL,
	novelty_rate            REAL NOT NULL,
	consecutive_low_novelty INTEGER NOT NULL,
	saturated               BOOLEAN NOT NULL,
	created_at              DATETIME NOT NULL,
	PRIMARY KEY (session_id, iteration)
);

CREATE TABLE IF NOT EXISTS model_calls (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL REFERENCES sessions(id),
	iteration         INTEGER NOT NULL,
	model             TEXT NOT NULL,
	decision_type     TEXT NOT NULL,
	role              TEXT NOT NULL DEFAULT '',
	tier              TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	success           BOOLEAN NOT NULL,
	error_kind        TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id            TEXT NOT NULL,
	namespace            TEXT NOT NULL,
	checkpoint_id        TEXT NOT NULL,
	parent_checkpoint_id TEXT NOT NULL DEFAULT '',
	iteration            INTEGER NOT NULL,
	state                BLOB NOT NULL,
	channel_versions     TEXT NOT NULL DEFAULT '{}',
	metadata             TEXT NOT NULL DEFAULT '{}',
	created_at           DATETIME NOT NULL,
	PRIMARY KEY (thread_id, namespace, checkpoint_id),
	UNIQUE (thread_id, namespace, parent_checkpoint_id),
	UNIQUE (thread_id, namespace, iteration)
);

CREATE TABLE IF NOT EXISTS checkpoint_blobs (
	thread_id TEXT NOT NULL,
	channel   TEXT NOT NULL,
	version   TEXT NOT NULL,
	data      BLOB NOT NULL,
	PRIMARY KEY (thread_id, channel, version)
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
CREATE INDEX IF NOT EXISTS idx_findings_session ON findings(session_id, iteration);
CREATE INDEX IF NOT EXISTS idx_claims_session_fingerprint ON claims(session_id, dedupe_fingerprint);
CREATE INDEX IF NOT EXISTS idx_evidence_claim ON evidence(claim_id);
CREATE INDEX IF NOT EXISTS idx_model_calls_session ON model_calls(session_id, iteration);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, rs *model.ResearchSession) error {
	cfgJSON, err := json.Marshal(rs.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session config")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, query, status, config, checkpoint_thread_id, parent_session_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rs.ID, rs.Query, string(rs.Status), string(cfgJSON), rs.CheckpointThreadID,
		nullString(rs.ParentSessionID), rs.CreatedAt.UTC(), rs.UpdatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert session")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSessionRow(row scannable) (*model.ResearchSession, error) {
	var rs model.ResearchSession
	var cfgJSON, status string
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
	if err := json.Unmarshal([]byte(cfgJSON), &rs.Config); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal session config")
	}
	return &rs, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.ResearchSession, error) {
	rs, err := scanSessionRow(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrSessionNotFound, "sqlite: get session %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return rs, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.ResearchSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ParentSessionID != "" {
		query += ` AND parent_session_id = ?`
		args = append(args, filter.ParentSessionID)
	}
	if !filter.IncludeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var out []model.ResearchSession
	for rows.Next() {
		rs, err := scanSessionRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		out = append(out, *rs)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, from, to model.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition session %s", id)
	}
	if err := checkRowsAffected(res); err != nil {
		return s.missingOrConflict(ctx, id, from, to, err)
	}
	return nil
}

func (s *SQLiteStore) missingOrConflict(ctx context.Context, id string, from, to model.SessionStatus, cause error) error {
	if !errors.Is(cause, errNoRowsAffected) {
		return eris.Wrapf(cause, "sqlite: session %s", id)
	}
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(model.ErrSessionNotFound, "sqlite: session %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read session status %s", id)
	}
	return eris.Wrapf(model.ErrInvalidTransition, "sqlite: session %s is %s, not %s (wanted %s)", id, status, from, to)
}

func (s *SQLiteStore) UpdateSessionProgress(ctx context.Context, id string, p model.SessionProgress) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET iterations = ?, findings = ?, sources = ?, cost_usd = ?,
		   external_calls_used = ?, completeness_score = ?, confidence_score = ?, updated_at = ?
		 WHERE id = ?`,
		p.Totals.Iterations, p.Totals.Findings, p.Totals.Sources, p.Totals.CostUSD,
		p.Totals.ExternalCallsUsed, p.CompletenessScore, p.ConfidenceScore, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session progress %s", id)
	}
	if err := checkRowsAffected(res); err != nil {
		return eris.Wrapf(model.ErrSessionNotFound, "sqlite: session %s", id)
	}
	return nil
}

func (s *SQLiteStore) FinishSession(ctx context.Context, id string, o model.SessionOutcome) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if o.Status.Terminal() {
		completedAt = &now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, reason = ?, final_synthesis = ?, early_termination = ?,
		   completed_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		string(o.Status), o.Reason, o.FinalSynthesis, o.EarlyTermination, completedAt, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish session %s", id)
	}
	if err := checkRowsAffected(res); err != nil {
		return s.missingOrConflict(ctx, id, model.SessionStatusActive, o.Status, err)
	}
	return nil
}

// ArchiveSessions marks terminal sessions last updated before the cutoff.
// Timestamps are compared in Go; SQLite stores them as text.
func (s *SQLiteStore) ArchiveSessions(ctx context.Context, before time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, updated_at FROM sessions
		 WHERE status IN ('completed', 'failed') AND archived_at IS NULL`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: archive sessions: select")
	}
	var ids []string
	for rows.Next() {
		var id string
		var updated time.Time
		if err := rows.Scan(&id, &updated); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "sqlite: archive sessions: scan")
		}
		if updated.Before(before) {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "sqlite: archive sessions: iterate")
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET archived_at = ? WHERE id = ?`, now, id); err != nil {
			return 0, eris.Wrapf(err, "sqlite: archive session %s", id)
		}
	}
	return len(ids), nil
}

// --- Iteration artifacts ---

func (s *SQLiteStore) SaveArtifacts(ctx context.Context, a model.IterationArtifacts) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: artifacts: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, f := range a.Findings {
		sources, err := json.Marshal(nonNilSlice(f.Sources))
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal finding sources")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO findings (id, session_id, finding_type, content, confidence, sources, iteration, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.SessionID, f.FindingType, f.Content, f.Confidence, string(sources), f.Iteration, f.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrap(err, "sqlite: artifacts: finding")
		}
	}

	for _, c := range a.Claims {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO claims (id, session_id, finding_id, sub_question_id, iteration, claim_text, entailment_score,
			   provenance_score, confidence, dedupe_fingerprint, verified, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.SessionID, c.FindingID, c.SubQuestionID, c.Iteration, c.ClaimText, c.EntailmentScore,
			c.ProvenanceScore, c.Confidence, c.DedupeFingerprint, c.Verified, c.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrap(err, "sqlite: artifacts: claim")
		}
		for _, e := range c.Evidence {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO evidence (id, claim_id, url, title, quote, start_offset, end_offset)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				e.ID, c.ID, e.URL, e.Title, e.Quote, e.StartOffset, e.EndOffset,
			); err != nil {
				return eris.Wrap(err, "sqlite: artifacts: evidence")
			}
		}
	}

	for _, mc := range a.ModelCalls {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO model_calls (id, session_id, iteration, model, decision_type, role, tier, prompt_tokens,
			   completion_tokens, cost_usd, latency_ms, success, error_kind, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			mc.ID, mc.SessionID, mc.Iteration, mc.Model, mc.DecisionType, mc.Role, mc.Tier, mc.PromptTokens,
			mc.CompletionTokens, mc.CostUSD, mc.LatencyMs, mc.Success, mc.ErrorKind, mc.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrap(err, "sqlite: artifacts: model call")
		}
	}

	st := a.Saturation
	if st.SessionID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO saturation_tracking
			 (session_id, iteration, sources_processed, unique_themes_count, novelty_rate, consecutive_low_novelty, saturated, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (session_id, iteration) DO UPDATE SET
			   sources_processed = excluded.sources_processed, unique_themes_count = excluded.unique_themes_count,
			   novelty_rate = excluded.novelty_rate, consecutive_low_novelty = excluded.consecutive_low_novelty,
			   saturated = excluded.saturated, created_at = excluded.created_at`,
			st.SessionID, st.Iteration, st.SourcesProcessed, st.UniqueThemesCount, st.NoveltyRate,
			st.ConsecutiveLowNovelty, st.Saturated, st.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrap(err, "sqlite: artifacts: saturation")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: artifacts: commit tx")
}

func (s *SQLiteStore) ListFindings(ctx context.Context, sessionID string) ([]model.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, finding_type, content, confidence, sources, iteration, created_at
		 FROM findings WHERE session_id = ? ORDER BY iteration, created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list findings")
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		var f model.Finding
		var sources string
		if err := rows.Scan(&f.ID, &f.SessionID, &f.FindingType, &f.Content, &f.Confidence, &sources, &f.Iteration, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan finding")
		}
		if err := json.Unmarshal([]byte(sources), &f.Sources); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal finding sources")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list findings iterate")
}

func (s *SQLiteStore) ListClaims(ctx context.Context, sessionID string) ([]model.Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, finding_id, sub_question_id, iteration, claim_text, entailment_score,
		        provenance_score, confidence, dedupe_fingerprint, verified, created_at
		 FROM claims WHERE session_id = ? ORDER BY iteration, created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list claims")
	}

	var out []model.Claim
	index := make(map[string]int)
	for rows.Next() {
		var c model.Claim
		if err := rows.Scan(&c.ID, &c.SessionID, &c.FindingID, &c.SubQuestionID, &c.Iteration, &c.ClaimText,
			&c.EntailmentScore, &c.ProvenanceScore, &c.Confidence, &c.DedupeFingerprint, &c.Verified, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan claim")
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list claims iterate")
	}

	erows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.claim_id, e.url, e.title, e.quote, e.start_offset, e.end_offset
		 FROM evidence e JOIN claims c ON c.id = e.claim_id
		 WHERE c.session_id = ? ORDER BY e.claim_id, e.start_offset IS NULL, e.start_offset, e.id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list evidence")
	}
	defer erows.Close()

	for erows.Next() {
		var e model.Evidence
		if err := erows.Scan(&e.ID, &e.ClaimID, &e.URL, &e.Title, &e.Quote, &e.StartOffset, &e.EndOffset); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence")
		}
		if i, ok := index[e.ClaimID]; ok {
			out[i].Evidence = append(out[i].Evidence, e)
		}
	}
	return out, eris.Wrap(erows.Err(), "sqlite: list evidence iterate")
}

func (s *SQLiteStore) ClusterClaims(ctx context.Context, sessionID string) ([]model.ClaimCluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.dedupe_fingerprint, COUNT(*), MAX(c.confidence), MIN(c.iteration), MAX(c.iteration),
		        (SELECT r.claim_text FROM claims r
		         WHERE r.session_id = c.session_id AND r.dedupe_fingerprint = c.dedupe_fingerprint
		         ORDER BY r.confidence DESC, r.created_at, r.id LIMIT 1)
		 FROM claims c WHERE c.session_id = ?
		 GROUP BY c.dedupe_fingerprint
		 ORDER BY COUNT(*) DESC, MAX(c.confidence) DESC, c.dedupe_fingerprint`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cluster claims")
	}
	defer rows.Close()

	var out []model.ClaimCluster
	for rows.Next() {
		var c model.ClaimCluster
		if err := rows.Scan(&c.Fingerprint, &c.Count, &c.MaxConfidence, &c.FirstIteration, &c.LastIteration, &c.Representative); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cluster")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: cluster claims iterate")
}

func (s *SQLiteStore) ListSaturation(ctx context.Context, sessionID string) ([]model.SaturationTracking, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, iteration, sources_processed, unique_themes_count, novelty_rate,
		        consecutive_low_novelty, saturated, created_at
		 FROM saturation_tracking WHERE session_id = ? ORDER BY iteration`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list saturation")
	}
	defer rows.Close()

	var out []model.SaturationTracking
	for rows.Next() {
		var st model.SaturationTracking
		if err := rows.Scan(&st.SessionID, &st.Iteration, &st.SourcesProcessed, &st.UniqueThemesCount,
			&st.NoveltyRate, &st.ConsecutiveLowNovelty, &st.Saturated, &st.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan saturation")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list saturation iterate")
}

func (s *SQLiteStore) ListModelCalls(ctx context.Context, sessionID string) ([]model.ModelCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, iteration, model, decision_type, role, tier, prompt_tokens, completion_tokens,
		        cost_usd, latency_ms, success, error_kind, created_at
		 FROM model_calls WHERE session_id = ? ORDER BY iteration, created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list model calls")
	}
	defer rows.Close()

	var out []model.ModelCall
	for rows.Next() {
		var mc model.ModelCall
		if err := rows.Scan(&mc.ID, &mc.SessionID, &mc.Iteration, &mc.Model, &mc.DecisionType, &mc.Role, &mc.Tier,
			&mc.PromptTokens, &mc.CompletionTokens, &mc.CostUSD, &mc.LatencyMs, &mc.Success, &mc.ErrorKind, &mc.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan model call")
		}
		out = append(out, mc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list model calls iterate")
}

// --- Checkpoints ---

func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, cp model.Checkpoint, blobs []model.Blob) error {
	versions, err := json.Marshal(nonNilMap(cp.ChannelVersions))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal channel versions")
	}
	meta, err := json.Marshal(nonNilMap(cp.Metadata))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal checkpoint metadata")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: checkpoint: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var latest string
	err = tx.QueryRowContext(ctx,
		`SELECT checkpoint_id FROM checkpoints WHERE thread_id = ? AND namespace = ?
		 ORDER BY iteration DESC LIMIT 1`,
		cp.ThreadID, cp.Namespace,
	).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eris.Wrap(err, "sqlite: checkpoint: read latest")
	}
	if latest != cp.ParentCheckpointID {
		return eris.Wrapf(model.ErrCheckpointConflict, "sqlite: thread %s latest is %q, parent is %q",
			cp.ThreadID, latest, cp.ParentCheckpointID)
	}

	for _, b := range blobs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoint_blobs (thread_id, channel, version, data) VALUES (?, ?, ?, ?)
			 ON CONFLICT (thread_id, channel, version) DO NOTHING`,
			b.Key.ThreadID, b.Key.Channel, b.Key.Version, b.Data,
		); err != nil {
			return eris.Wrapf(err, "sqlite: checkpoint: blob %s", b.Key.Channel)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints
		 (thread_id, namespace, checkpoint_id, parent_checkpoint_id, iteration, state, channel_versions, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.Namespace, cp.CheckpointID, cp.ParentCheckpointID, cp.Iteration,
		cp.State, string(versions), string(meta), cp.CreatedAt.UTC(),
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eris.Wrapf(model.ErrCheckpointConflict, "sqlite: checkpoint for iteration %d exists", cp.Iteration)
		}
		return eris.Wrap(err, "sqlite: checkpoint: insert")
	}

	return eris.Wrap(tx.Commit(), "sqlite: checkpoint: commit tx")
}

func scanCheckpointRow(row scannable) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var versions, meta string
	if err := row.Scan(&cp.ThreadID, &cp.Namespace, &cp.CheckpointID, &cp.ParentCheckpointID, &cp.Iteration,
		&cp.State, &versions, &meta, &cp.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(versions), &cp.ChannelVersions); err != nil {
		return nil, eris.Wrap(err, "unmarshal channel versions")
	}
	if err := json.Unmarshal([]byte(meta), &cp.Metadata); err != nil {
		return nil, eris.Wrap(err, "unmarshal checkpoint metadata")
	}
	return &cp, nil
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, threadID, namespace string) (*model.Checkpoint, error) {
	cp, err := scanCheckpointRow(s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? AND namespace = ?
		 ORDER BY iteration DESC LIMIT 1`, threadID, namespace))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: latest checkpoint")
	}
	return cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, threadID, namespace string) ([]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? AND namespace = ?
		 ORDER BY iteration DESC`, threadID, namespace)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list checkpoints")
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan checkpoint")
		}
		out = append(out, *cp)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list checkpoints iterate")
}

func (s *SQLiteStore) GetBlobs(ctx context.Context, threadID string, versions map[string]string) ([]model.Blob, error) {
	var out []model.Blob
	for _, channel := range sortedKeys(versions) {
		b := model.Blob{Key: model.BlobKey{ThreadID: threadID, Channel: channel, Version: versions[channel]}}
		err := s.db.QueryRowContext(ctx,
			`SELECT data FROM checkpoint_blobs WHERE thread_id = ? AND channel = ? AND version = ?`,
			threadID, channel, b.Key.Version,
		).Scan(&b.Data)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, eris.Errorf("sqlite: blob %s@%s missing for thread %s", channel, b.Key.Version, threadID)
			}
			return nil, eris.Wrap(err, "sqlite: get blob")
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *SQLiteStore) PruneCheckpoints(ctx context.Context, threadID, namespace string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var cutoff int
	err = tx.QueryRowContext(ctx,
		`SELECT iteration FROM checkpoints WHERE thread_id = ? AND namespace = ?
		 ORDER BY iteration DESC LIMIT 1 OFFSET ?`,
		threadID, namespace, keep-1,
	).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune: find cutoff")
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ? AND namespace = ? AND iteration < ?`,
		threadID, namespace, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune: delete checkpoints")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune: rows affected")
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE checkpoints SET parent_checkpoint_id = '' WHERE thread_id = ? AND namespace = ? AND iteration = ?`,
		threadID, namespace, cutoff); err != nil {
		return 0, eris.Wrap(err, "sqlite: prune: re-root")
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoint_blobs WHERE thread_id = ? AND NOT EXISTS (
		   SELECT 1 FROM checkpoints c
		   WHERE c.thread_id = checkpoint_blobs.thread_id
		     AND json_extract(c.channel_versions, '$.' || checkpoint_blobs.channel) = checkpoint_blobs.version)`,
		threadID); err != nil {
		return 0, eris.Wrap(err, "sqlite: prune: delete orphan blobs")
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: prune: commit tx")
	}
	return int(n), nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT thread_id FROM checkpoints ORDER BY thread_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list threads")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan thread")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list threads iterate")
}

var errNoRowsAffected = eris.New("no rows affected")

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errNoRowsAffected
	}
	return nil
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
