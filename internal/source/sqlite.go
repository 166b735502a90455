package source

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

//go:embed schema.sql
var scriptSchemaSQL string

// SQLiteScript reads a recorded change script from a SQLite database,
// the storage format the data tools use for large recordings. Rows are
// streamed in lsn order through a single connection.
type SQLiteScript struct {
	path string
	db   *sql.DB
	rows *sql.Rows
	pos  int64
}

// OpenSQLiteScript opens a script database and positions the cursor at the
// first record. The schema is applied if missing so freshly created script
// files are also valid (empty) scripts.
func OpenSQLiteScript(path string) (*SQLiteScript, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("source: open script db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("source: connect script db: %w", err)
	}

	// SQLite allows one writer; this is a reader, but a single connection
	// keeps the open rows cursor and any seek queries from fighting.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("source: apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(scriptSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("source: apply script schema: %w", err)
	}

	s := &SQLiteScript{path: path, db: db}
	if err := s.query(context.Background(), 0); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteScript) query(ctx context.Context, offset int64) error {
	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT lsn, op, before, after, db, tbl, ts_ns, offset_ns
		   FROM source_change_log ORDER BY lsn LIMIT -1 OFFSET ?`, offset)
	if err != nil {
		return fmt.Errorf("source: query script db %s: %w", s.path, err)
	}
	s.rows = rows
	s.pos = offset
	return nil
}

// Pull returns the next record in lsn order.
func (s *SQLiteScript) Pull(ctx context.Context) (*change.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.rows == nil {
		return nil, fmt.Errorf("source: script db %s is closed", s.path)
	}

	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, fmt.Errorf("source: read script db %s: %w", s.path, err)
		}
		return nil, ErrEndOfStream
	}

	var (
		rec           change.Record
		before, after sql.NullString
	)
	if err := s.rows.Scan(
		&rec.Payload.Source.LSN,
		&rec.Op,
		&before,
		&after,
		&rec.Payload.Source.Dataset,
		&rec.Payload.Source.Table,
		&rec.Payload.Source.TimestampNs,
		&rec.OffsetNs,
	); err != nil {
		return nil, fmt.Errorf("source: scan script db %s row %d: %w", s.path, s.pos, err)
	}

	if before.Valid {
		var el change.Element
		if err := json.Unmarshal([]byte(before.String), &el); err != nil {
			return nil, fmt.Errorf("source: script db %s lsn %d before snapshot: %w", s.path, rec.Payload.Source.LSN, err)
		}
		rec.Payload.Before = &el
	}
	if after.Valid {
		var el change.Element
		if err := json.Unmarshal([]byte(after.String), &el); err != nil {
			return nil, fmt.Errorf("source: script db %s lsn %d after snapshot: %w", s.path, rec.Payload.Source.LSN, err)
		}
		rec.Payload.After = &el
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("source: script db %s row %d: %w", s.path, s.pos, err)
	}
	s.pos++
	return &rec, nil
}

// Seek repositions the cursor to the given record index.
func (s *SQLiteScript) Seek(ctx context.Context, index int64) error {
	if index < 0 {
		return fmt.Errorf("source: seek to negative index %d", index)
	}
	return s.query(ctx, index)
}

// Reset rewinds to the first record.
func (s *SQLiteScript) Reset(ctx context.Context) error {
	return s.query(ctx, 0)
}

// Close releases the cursor and the database handle.
func (s *SQLiteScript) Close() error {
	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("source: close script db %s: %w", s.path, err)
	}
	return nil
}

// AppendRecord inserts a record into a script database. Used by tests and
// the recording tools; the run-time path only reads.
func AppendRecord(db *sql.DB, rec *change.Record) error {
	var before, after any
	if rec.Payload.Before != nil {
		data, err := json.Marshal(rec.Payload.Before)
		if err != nil {
			return fmt.Errorf("source: encode before snapshot: %w", err)
		}
		before = string(data)
	}
	if rec.Payload.After != nil {
		data, err := json.Marshal(rec.Payload.After)
		if err != nil {
			return fmt.Errorf("source: encode after snapshot: %w", err)
		}
		after = string(data)
	}
	_, err := db.Exec(
		`INSERT INTO source_change_log (lsn, op, before, after, db, tbl, ts_ns, offset_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Payload.Source.LSN, string(rec.Op), before, after,
		rec.Payload.Source.Dataset, rec.Payload.Source.Table,
		rec.Payload.Source.TimestampNs, rec.OffsetNs,
	)
	if err != nil {
		return fmt.Errorf("source: append record lsn %d: %w", rec.Payload.Source.LSN, err)
	}
	return nil
}

var _ ChangeSource = (*SQLiteScript)(nil)
