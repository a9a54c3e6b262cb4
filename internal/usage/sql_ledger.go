package usage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/haasonsaas/agentloop/internal/threads"
)

const ledgerSchema = `CREATE TABLE IF NOT EXISTS usage_charges (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	thread_id  TEXT NOT NULL,
	model      TEXT NOT NULL,
	scope      TEXT NOT NULL,
	basis      TEXT NOT NULL,
	tokens     BIGINT NOT NULL,
	cost       DOUBLE PRECISION NOT NULL,
	created_at BIGINT NOT NULL
)`

// SQLLedger appends charges to the usage_charges table next to the thread
// store.
type SQLLedger struct {
	db      *sql.DB
	dialect threads.Dialect
}

// NewSQLLedger uses db, which is usually threads.SQLStore.DB().
func NewSQLLedger(db *sql.DB, dialect threads.Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect}
}

// Migrate creates the charges table.
func (l *SQLLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("migrate usage ledger: %w", err)
	}
	return nil
}

func (l *SQLLedger) Record(ctx context.Context, c Charge) error {
	query := l.dialect.Rebind(`INSERT INTO usage_charges
		(id, project_id, thread_id, model, scope, basis, tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := l.db.ExecContext(ctx, query,
		c.ID, c.ProjectID, c.ThreadID, c.Model, string(c.Kind), string(c.Basis),
		c.Tokens, c.Cost, c.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert charge: %w", err)
	}
	return nil
}

// Totals sums tokens per scope for a project.
func (l *SQLLedger) Totals(ctx context.Context, projectID string) (map[Kind]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		l.dialect.Rebind(`SELECT scope, SUM(tokens) FROM usage_charges WHERE project_id = ? GROUP BY scope`),
		projectID)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close()

	out := make(map[Kind]int64, len(Kinds))
	for rows.Next() {
		var (
			scope string
			total int64
		)
		if err := rows.Scan(&scope, &total); err != nil {
			return nil, fmt.Errorf("scan totals: %w", err)
		}
		out[Kind(scope)] = total
	}
	return out, rows.Err()
}
