package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/throw-if-null/simgate/internal/api"

	_ "modernc.org/sqlite"
)

// Store keeps the simulation run history and reclaim log in sqlite.
type Store struct {
	db *sql.DB
}

var ErrNotFound = errors.New("not found")

// maximum diagnostics kept per run
const maxDiagnosticsBytes = 64 << 10

const crashMsg = "crash recovery: simgate restart"

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  diagram TEXT,
  scenarios TEXT,
  argv TEXT,
  exit_code INTEGER,
  error_flag INTEGER NOT NULL DEFAULT 0,
  diagnostics TEXT,
  created_at TEXT NOT NULL,
  started_at TEXT,
  finished_at TEXT
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS reclaims (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  reason TEXT NOT NULL,
  at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

// fixed-width so timestamps sort lexically
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(tsLayout)
}

// CreateRun inserts a queued run.
func (s *Store) CreateRun(runID, diagram string, scenarios []string) error {
	var sc sql.NullString
	if scenarios != nil {
		b, err := json.Marshal(scenarios)
		if err != nil {
			return err
		}
		sc = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, status, diagram, scenarios, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, string(api.RunQueued), diagram, sc, now(),
	)
	return err
}

// MarkRunning records that the run was admitted and the engine is starting.
func (s *Store) MarkRunning(runID string, argv []string) error {
	b, err := json.Marshal(argv)
	if err != nil {
		return err
	}
	return s.update(`UPDATE runs SET status = ?, argv = ?, started_at = ? WHERE run_id = ?`, string(api.RunRunning), string(b), now(), runID)
}

// FinishRun records the terminal state of a run. exitCode is nil when the
// engine never produced one.
func (s *Store) FinishRun(runID string, status api.RunStatus, exitCode *int, errorFlag bool, diagnostics string) error {
	diagnostics = tailBytes(diagnostics, maxDiagnosticsBytes)
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	return s.update(
		`UPDATE runs SET status = ?, exit_code = ?, error_flag = ?, diagnostics = ?, finished_at = ? WHERE run_id = ?`,
		string(status), code, errorFlag, diagnostics, now(), runID,
	)
}

// tailBytes keeps at most n trailing bytes of s, starting on a rune boundary.
func tailBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// update runs an UPDATE that must touch exactly one run, retrying briefly on
// sqlite busy errors.
func (s *Store) update(q string, args ...any) error {
	const maxRetries = 5
	var err error
	for i := 0; i < maxRetries; i++ {
		var res sql.Result
		res, err = s.db.Exec(q, args...)
		if err == nil {
			n, _ := res.RowsAffected()
			if n == 0 {
				return ErrNotFound
			}
			return nil
		}
		if !isSqliteBusy(err) {
			return err
		}
		time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
	}
	return fmt.Errorf("update after retries: %w", err)
}

func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

const runColumns = `run_id, status, COALESCE(diagram, ''), scenarios, argv, exit_code, error_flag, COALESCE(diagnostics, ''), created_at, COALESCE(started_at, ''), COALESCE(finished_at, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*api.Run, error) {
	var (
		r         api.Run
		status    string
		scenarios sql.NullString
		argv      sql.NullString
		exitCode  sql.NullInt64
	)
	if err := sc.Scan(&r.RunID, &status, &r.Diagram, &scenarios, &argv, &exitCode, &r.ErrorFlag, &r.Diagnostics, &r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Status = api.RunStatus(status)
	if scenarios.Valid {
		if err := json.Unmarshal([]byte(scenarios.String), &r.Scenarios); err != nil {
			return nil, fmt.Errorf("decode scenarios of %s: %w", r.RunID, err)
		}
	}
	if argv.Valid {
		if err := json.Unmarshal([]byte(argv.String), &r.Argv); err != nil {
			return nil, fmt.Errorf("decode argv of %s: %w", r.RunID, err)
		}
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	return &r, nil
}

func (s *Store) GetRun(runID string) (*api.Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRuns returns the most recent runs first. limit <= 0 means all.
func (s *Store) ListRuns(limit int) ([]*api.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, rowid DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*api.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordReclaim logs a reclaim that released a held gate.
func (s *Store) RecordReclaim(reason string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO reclaims (reason, at) VALUES (?, ?)`, reason, at.UTC().Format(tsLayout))
	return err
}

// ReclaimStats returns the number of recorded reclaims and the time of the
// latest one ("" when none).
func (s *Store) ReclaimStats() (int64, string, error) {
	var count int64
	var last sql.NullString
	if err := s.db.QueryRow(`SELECT COUNT(*), MAX(at) FROM reclaims`).Scan(&count, &last); err != nil {
		return 0, "", err
	}
	return count, last.String, nil
}

// ReconcileInFlightRuns marks runs left queued or running by a previous
// process as errored. It is idempotent.
func (s *Store) ReconcileInFlightRuns() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, error_flag = 1, diagnostics = ?, finished_at = ? WHERE status IN (?, ?)`,
		string(api.RunError), crashMsg, now(), string(api.RunQueued), string(api.RunRunning),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
