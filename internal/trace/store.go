package trace

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxStoredTraces = 10000

// Store persists closed traces to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to a PostgreSQL trace database at connStr.
func Open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTrace inserts t with its calls, then prunes the oldest rows beyond the
// retention limit. A trace id already on disk is never overwritten; that
// returns ErrTraceExists.
func (s *Store) SaveTrace(ctx context.Context, t *Trace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO traces (id, status, started_at, completed_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, string(t.Status), t.StartedAt.UTC(), t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save trace: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("save trace: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrTraceExists, t.ID)
	}
	for _, c := range t.Calls {
		inputs, err := json.Marshal(c.Inputs)
		if err != nil {
			return err
		}
		var outputs any
		if c.Outputs != nil {
			b, err := json.Marshal(c.Outputs)
			if err != nil {
				return err
			}
			outputs = string(b)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trace_calls (trace_id, id, protocol, type, agent, method, inputs, outputs, status, error_msg, partial)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, c.ID, string(c.Protocol), string(c.Type), c.Agent, c.Method,
			string(inputs), outputs, string(c.Status), c.Error, c.Partial,
		)
		if err != nil {
			return fmt.Errorf("save call %d: %w", c.ID, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM traces WHERE id NOT IN (SELECT id FROM traces ORDER BY started_at DESC LIMIT $1)`,
		maxStoredTraces,
	)
	if err != nil {
		return fmt.Errorf("prune traces: %w", err)
	}
	return tx.Commit()
}

// GetTrace loads a stored trace with its calls.
func (s *Store) GetTrace(ctx context.Context, id string) (*Trace, error) {
	var t Trace
	var status string
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, started_at, completed_at FROM traces WHERE id = $1`, id,
	).Scan(&t.ID, &status, &t.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, protocol, type, agent, method, inputs, outputs, status, error_msg, partial
		FROM trace_calls WHERE trace_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t.Calls = []Call{}
	for rows.Next() {
		var (
			c                         Call
			protocol, typ, callStatus string
			inputs                    []byte
			outputs                   []byte
			partial                   sql.NullBool
		)
		if err = rows.Scan(&c.ID, &protocol, &typ, &c.Agent, &c.Method, &inputs, &outputs, &callStatus, &c.Error, &partial); err != nil {
			return nil, err
		}
		c.Protocol, c.Type, c.Status = Protocol(protocol), CallType(typ), CallStatus(callStatus)
		if err = json.Unmarshal(inputs, &c.Inputs); err != nil {
			return nil, fmt.Errorf("call %d inputs: %w", c.ID, err)
		}
		if outputs != nil {
			if err = json.Unmarshal(outputs, &c.Outputs); err != nil {
				return nil, fmt.Errorf("call %d outputs: %w", c.ID, err)
			}
		}
		if partial.Valid {
			p := partial.Bool
			c.Partial = &p
		}
		t.Calls = append(t.Calls, c)
	}
	return &t, rows.Err()
}

// ListTraces returns stored trace headers newest first, without calls.
func (s *Store) ListTraces(ctx context.Context, limit, offset int) ([]*Trace, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&total); err != nil {
		return nil, 0, err
	}

	// LIMIT NULL is no limit, matching Registry.List for limit <= 0.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, started_at, completed_at FROM traces
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2`, lim, max(offset, 0))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var traces []*Trace
	for rows.Next() {
		var t Trace
		var status string
		var completedAt sql.NullTime
		if err = rows.Scan(&t.ID, &status, &t.StartedAt, &completedAt); err != nil {
			return nil, 0, err
		}
		t.Status = Status(status)
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		traces = append(traces, &t)
	}
	return traces, total, rows.Err()
}
