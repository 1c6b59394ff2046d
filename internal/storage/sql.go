package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore is the durable Store backed by SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
	// caseCode picks the next code from the year's existing codes.
	caseCode func(year int, existing []string) string
}

// OpenSQL opens the database for driver. SQLite files are created on
// demand; pass ":memory:" for an in-memory database (used by tests).
// PostgreSQL connections are established lazily on first use.
// Migrations are not applied here, call Migrate.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", DriverSQLite:
		return openSQLite(dsn)
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		return &SQLStore{db: db, driver: DriverPostgres, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openSQLite(dsn string) (*SQLStore, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection avoids "database is locked" and keeps :memory: alive.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	return &SQLStore{db: db, driver: DriverSQLite, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return rebind(s.driver, query)
}

// Migrate applies embedded SQL migrations that haven't been run yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM schema_version WHERE version = ?"), version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		_, err = withTx(ctx, s.db, func(tx *sql.Tx) (struct{}, error) {
			for _, stmt := range splitStatements(string(content)) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return struct{}{}, fmt.Errorf("applying migration %d: %w", version, err)
				}
			}
			if _, err := tx.ExecContext(ctx, s.q("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), version, formatTime(s.now())); err != nil {
				return struct{}{}, fmt.Errorf("recording migration %d: %w", version, err)
			}
			return struct{}{}, nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

func splitStatements(content string) []string {
	var stmts []string
	for _, part := range strings.Split(content, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *SQLStore) AppliedMigrations(ctx context.Context) ([]int, error) {
	return queryMany(ctx, s.db, "SELECT version FROM schema_version ORDER BY version ASC", nil, func(sc scanner) (int, error) {
		var v int
		err := sc.Scan(&v)
		return v, err
	})
}

// --- Cases ---

const caseColumns = "id, code, status, created_at, updated_at"

func scanCase(sc scanner) (Case, error) {
	var c Case
	var created, updated string
	if err := sc.Scan(&c.ID, &c.Code, &c.Status, &created, &updated); err != nil {
		return Case{}, err
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return Case{}, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return Case{}, err
	}
	return c, nil
}

// caseCodeLock serializes code assignment across PostgreSQL connections.
const caseCodeLock = 0x63617365

const caseCodeAttempts = 5

// CreateCase assigns the next code of the year. A code taken by a
// concurrent writer is retried with a fresh read.
func (s *SQLStore) CreateCase(ctx context.Context) (Case, error) {
	var err error
	for range caseCodeAttempts {
		var c Case
		c, err = s.createCase(ctx)
		if !errors.Is(err, ErrConflict) {
			return c, err
		}
	}
	return Case{}, fmt.Errorf("assigning case code: %w", err)
}

func (s *SQLStore) createCase(ctx context.Context) (Case, error) {
	now := s.now().UTC()
	c, err := withTx(ctx, s.db, func(tx *sql.Tx) (Case, error) {
		if s.driver == DriverPostgres {
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", caseCodeLock); err != nil {
				return Case{}, err
			}
		}
		head := fmt.Sprintf("%s-%d-%%", casePrefix, now.Year())
		codes, err := queryMany(ctx, tx, s.q("SELECT code FROM cases WHERE code LIKE ?"), []any{head}, func(sc scanner) (string, error) {
			var code string
			err := sc.Scan(&code)
			return code, err
		})
		if err != nil {
			return Case{}, err
		}

		next := s.caseCode
		if next == nil {
			next = func(year int, existing []string) string { return nextCaseCode(casePrefix, year, existing) }
		}
		c := Case{
			ID:        uuid.New().String(),
			Code:      next(now.Year(), codes),
			Status:    CaseDraft,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO cases (`+caseColumns+`) VALUES (?, ?, ?, ?, ?)`),
			c.ID, c.Code, string(c.Status), formatTime(now), formatTime(now))
		return c, err
	})
	if err != nil {
		return Case{}, mapError(err)
	}
	return c, nil
}

func (s *SQLStore) GetCase(ctx context.Context, id string) (Case, error) {
	c, err := queryOne(ctx, s.db, s.q("SELECT "+caseColumns+" FROM cases WHERE id = ?"), []any{id}, scanCase)
	return c, mapError(err)
}

func (s *SQLStore) ListCases(ctx context.Context) ([]Case, error) {
	return queryMany(ctx, s.db, "SELECT "+caseColumns+" FROM cases ORDER BY created_at DESC, id DESC", nil, scanCase)
}

func (s *SQLStore) UpdateCaseStatus(ctx context.Context, id string, status CaseStatus) error {
	return mapError(execExpectOne(ctx, s.db, s.q("UPDATE cases SET status = ?, updated_at = ? WHERE id = ?"),
		string(status), formatTime(s.now()), id))
}

// DeleteCase removes the case and everything it owns in one transaction.
func (s *SQLStore) DeleteCase(ctx context.Context, id string) error {
	_, err := withTx(ctx, s.db, func(tx *sql.Tx) (struct{}, error) {
		if err := s.exists(ctx, tx, "cases", id); err != nil {
			return struct{}{}, err
		}
		stmts := []string{
			"DELETE FROM artifacts WHERE file_id IN (SELECT id FROM files WHERE case_id = ?)",
			"DELETE FROM files WHERE case_id = ?",
			"DELETE FROM transcripts WHERE case_id = ?",
			"DELETE FROM analysis_runs WHERE case_id = ?",
			"DELETE FROM cases WHERE id = ?",
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return mapError(err)
}

func (s *SQLStore) exists(ctx context.Context, q querier, table, id string) error {
	var one int
	err := q.QueryRowContext(ctx, s.q("SELECT 1 FROM "+table+" WHERE id = ?"), id).Scan(&one)
	return mapError(err)
}

// --- Files ---

const fileColumns = "id, case_id, filename, media_type, size_bytes, locator, status, created_at, updated_at"

func scanFile(sc scanner) (File, error) {
	var f File
	var created, updated string
	if err := sc.Scan(&f.ID, &f.CaseID, &f.Filename, &f.MediaType, &f.Size, &f.Locator, &f.Status, &created, &updated); err != nil {
		return File{}, err
	}
	var err error
	if f.CreatedAt, err = parseTime(created); err != nil {
		return File{}, err
	}
	if f.UpdatedAt, err = parseTime(updated); err != nil {
		return File{}, err
	}
	return f, nil
}

func (s *SQLStore) CreateFile(ctx context.Context, nf NewFile) (File, error) {
	now := s.now().UTC()
	f := File{
		ID:        uuid.New().String(),
		CaseID:    nf.CaseID,
		Filename:  nf.Filename,
		MediaType: nf.MediaType,
		Size:      nf.Size,
		Locator:   nf.Locator,
		Status:    FileUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := withTx(ctx, s.db, func(tx *sql.Tx) (struct{}, error) {
		if err := s.exists(ctx, tx, "cases", nf.CaseID); err != nil {
			return struct{}{}, err
		}
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			f.ID, f.CaseID, f.Filename, f.MediaType, f.Size, f.Locator, string(f.Status), formatTime(now), formatTime(now))
		return struct{}{}, err
	})
	if err != nil {
		return File{}, mapError(err)
	}
	return f, nil
}

func (s *SQLStore) GetFile(ctx context.Context, id string) (File, error) {
	f, err := queryOne(ctx, s.db, s.q("SELECT "+fileColumns+" FROM files WHERE id = ?"), []any{id}, scanFile)
	return f, mapError(err)
}

func (s *SQLStore) ListFilesByStatus(ctx context.Context, status FileStatus, limit int) ([]File, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryMany(ctx, s.db, s.q("SELECT "+fileColumns+" FROM files WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?"),
		[]any{string(status), limit}, scanFile)
}

func (s *SQLStore) UpdateFileStatus(ctx context.Context, id string, status FileStatus) error {
	return mapError(execExpectOne(ctx, s.db, s.q("UPDATE files SET status = ?, updated_at = ? WHERE id = ?"),
		string(status), formatTime(s.now()), id))
}

func (s *SQLStore) TransitionFileStatus(ctx context.Context, id string, from, to FileStatus) error {
	err := execExpectOne(ctx, s.db, s.q("UPDATE files SET status = ?, updated_at = ? WHERE id = ? AND status = ?"),
		string(to), formatTime(s.now()), id, string(from))
	if !errors.Is(err, sql.ErrNoRows) {
		return mapError(err)
	}
	if err := s.exists(ctx, s.db, "files", id); err != nil {
		return err
	}
	return ErrConflict
}

// --- Artifacts, transcripts, runs ---

const artifactColumns = "id, file_id, kind, content, status, created_at"

func scanArtifact(sc scanner) (Artifact, error) {
	var a Artifact
	var created string
	if err := sc.Scan(&a.ID, &a.FileID, &a.Kind, &a.Content, &a.Status, &created); err != nil {
		return Artifact{}, err
	}
	t, err := parseTime(created)
	if err != nil {
		return Artifact{}, err
	}
	a.CreatedAt = t
	return a, nil
}

func (s *SQLStore) CreateArtifact(ctx context.Context, fileID string, kind ArtifactKind, content string) (Artifact, error) {
	a := Artifact{
		ID:        uuid.New().String(),
		FileID:    fileID,
		Kind:      kind,
		Content:   content,
		Status:    ArtifactCompleted,
		CreatedAt: s.now().UTC(),
	}
	_, err := withTx(ctx, s.db, func(tx *sql.Tx) (struct{}, error) {
		if err := s.exists(ctx, tx, "files", fileID); err != nil {
			return struct{}{}, err
		}
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			a.ID, a.FileID, string(a.Kind), a.Content, a.Status, formatTime(a.CreatedAt))
		return struct{}{}, err
	})
	if err != nil {
		return Artifact{}, mapError(err)
	}
	return a, nil
}

const transcriptColumns = "id, case_id, source, content, created_at"

func scanTranscript(sc scanner) (Transcript, error) {
	var t Transcript
	var created string
	if err := sc.Scan(&t.ID, &t.CaseID, &t.Source, &t.Content, &created); err != nil {
		return Transcript{}, err
	}
	ts, err := parseTime(created)
	if err != nil {
		return Transcript{}, err
	}
	t.CreatedAt = ts
	return t, nil
}

func (s *SQLStore) CreateTranscript(ctx context.Context, caseID string, source TranscriptSource, content string) (Transcript, error) {
	t := Transcript{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Source:    source,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	_, err := withTx(ctx, s.db, func(tx *sql.Tx) (struct{}, error) {
		if err := s.exists(ctx, tx, "cases", caseID); err != nil {
			return struct{}{}, err
		}
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO transcripts (`+transcriptColumns+`) VALUES (?, ?, ?, ?, ?)`),
			t.ID, t.CaseID, string(t.Source), t.Content, formatTime(t.CreatedAt))
		return struct{}{}, err
	})
	if err != nil {
		return Transcript{}, mapError(err)
	}
	return t, nil
}

const runColumns = "id, case_id, provider, model, output_json, created_at"

func scanRun(sc scanner) (AnalysisRun, error) {
	var r AnalysisRun
	var output, created string
	if err := sc.Scan(&r.ID, &r.CaseID, &r.Provider, &r.Model, &output, &created); err != nil {
		return AnalysisRun{}, err
	}
	t, err := parseTime(created)
	if err != nil {
		return AnalysisRun{}, err
	}
	r.Output = []byte(output)
	r.CreatedAt = t
	return r, nil
}

func (s *SQLStore) CreateAnalysisRun(ctx context.Context, nr NewAnalysisRun) (AnalysisRun, error) {
	r := AnalysisRun{
		ID:        uuid.New().String(),
		CaseID:    nr.CaseID,
		Provider:  nr.Provider,
		Model:     nr.Model,
		Output:    nr.Output,
		CreatedAt: s.now().UTC(),
	}
	_, err := withTx(ctx, s.db, func(tx *sql.Tx) (struct{}, error) {
		if err := s.exists(ctx, tx, "cases", nr.CaseID); err != nil {
			return struct{}{}, err
		}
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO analysis_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			r.ID, r.CaseID, r.Provider, r.Model, string(r.Output), formatTime(r.CreatedAt))
		return struct{}{}, err
	})
	if err != nil {
		return AnalysisRun{}, mapError(err)
	}
	return r, nil
}

// ListCaseFiles returns the case's files in upload order, each with its
// artifacts. An unknown case yields an empty list.
func (s *SQLStore) ListCaseFiles(ctx context.Context, caseID string) ([]FileWithArtifacts, error) {
	files, err := queryMany(ctx, s.db, s.q("SELECT "+fileColumns+" FROM files WHERE case_id = ? ORDER BY created_at ASC, id ASC"),
		[]any{caseID}, scanFile)
	if err != nil {
		return nil, err
	}

	artifacts, err := queryMany(ctx, s.db, s.q(`
		SELECT a.id, a.file_id, a.kind, a.content, a.status, a.created_at
		FROM artifacts a JOIN files f ON a.file_id = f.id
		WHERE f.case_id = ?
		ORDER BY a.created_at ASC, a.id ASC`), []any{caseID}, scanArtifact)
	if err != nil {
		return nil, err
	}

	byFile := make(map[string][]Artifact, len(files))
	for _, a := range artifacts {
		byFile[a.FileID] = append(byFile[a.FileID], a)
	}

	out := make([]FileWithArtifacts, len(files))
	for i, f := range files {
		arts := byFile[f.ID]
		if arts == nil {
			arts = []Artifact{}
		}
		out[i] = FileWithArtifacts{File: f, Artifacts: arts}
	}
	return out, nil
}

func (s *SQLStore) ListTranscripts(ctx context.Context, caseID string) ([]Transcript, error) {
	return queryMany(ctx, s.db, s.q("SELECT "+transcriptColumns+" FROM transcripts WHERE case_id = ? ORDER BY created_at ASC, id ASC"),
		[]any{caseID}, scanTranscript)
}

func (s *SQLStore) LatestAnalysisRun(ctx context.Context, caseID string) (AnalysisRun, error) {
	r, err := queryOne(ctx, s.db, s.q("SELECT "+runColumns+" FROM analysis_runs WHERE case_id = ? ORDER BY created_at DESC, id DESC LIMIT 1"),
		[]any{caseID}, scanRun)
	return r, mapError(err)
}
