package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-inserts rows using the COPY protocol.
func CopyFrom(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

// Upsert describes a bulk upsert into Table keyed by Keys.
type Upsert struct {
	Table   string
	Columns []string
	Keys    []string
}

// BulkUpsert stages rows in a temp table with COPY, then merges them with
// INSERT ... ON CONFLICT DO UPDATE, all in one transaction.
func BulkUpsert(ctx context.Context, pool Pool, u Upsert, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(u.Columns) == 0 || len(u.Keys) == 0 {
		return 0, eris.New("db: upsert: columns and keys are required")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	staging := "_stage_" + u.Table
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{staging}.Sanitize(), pgx.Identifier{u.Table}.Sanitize(),
	)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", u.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, u.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into stage for %s", u.Table)
	}

	tag, err := tx.Exec(ctx, mergeSQL(u, staging))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge %s", u.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func mergeSQL(u Upsert, staging string) string {
	keys := make(map[string]bool, len(u.Keys))
	for _, k := range u.Keys {
		keys[k] = true
	}
	var sets []string
	for _, c := range u.Columns {
		if !keys[c] {
			id := pgx.Identifier{c}.Sanitize()
			sets = append(sets, id+" = EXCLUDED."+id)
		}
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	cols := quoteAll(u.Columns)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		pgx.Identifier{u.Table}.Sanitize(), cols, cols,
		pgx.Identifier{staging}.Sanitize(), quoteAll(u.Keys), action)
}

func quoteAll(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}
