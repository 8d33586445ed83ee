package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"sync/atomic"
	"time"

	"docgate/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// SQLite persists documents and their access gates. Gate writes are
// transactional: a gate row and its 3 question rows land together or not at
// all.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if isConstraintErr(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id);
	CREATE TABLE IF NOT EXISTS document_gates (
		document_id TEXT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
		password_hash TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS gate_questions (
		document_id TEXT NOT NULL REFERENCES document_gates(document_id) ON DELETE CASCADE,
		question_id TEXT NOT NULL,
		answer_hash TEXT NOT NULL,
		UNIQUE(document_id, question_id)
	);
	`
	_, err = s.db.Exec(query)
	return err
}

// Read paths take a uniform minimum duration so lookup timing doesn't reveal
// whether a gate row exists.
func normalizeResponseTime(start time.Time) {
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func (s *SQLite) CreateDocument(ctx context.Context, d *domain.Document) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `INSERT INTO documents (id, owner_id, filename, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(queryCtx, q, d.ID, d.OwnerID, d.Filename, d.CreatedAt)
	s.recordError(err)
	return errors.Wrap(err, "db create document")
}

// DeleteDocument removes a document row; any gate rows go with it via the
// foreign-key cascade. Deleting a missing document reports not found.
func (s *SQLite) DeleteDocument(ctx context.Context, id string) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM documents WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db delete document")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrDocumentNotFound
	}
	return nil
}

func (s *SQLite) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT d.id, d.owner_id, d.filename, d.created_at,
	       EXISTS(SELECT 1 FROM document_gates g WHERE g.document_id = d.id)
	FROM documents d WHERE d.id = ?
	`
	var d domain.Document
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(&d.ID, &d.OwnerID, &d.Filename, &d.CreatedAt, &d.Gated)
	if err == sql.ErrNoRows {
		return nil, domain.ErrDocumentNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get document")
	}
	return &d, nil
}

func (s *SQLite) DocumentExists(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	q := `SELECT 1 FROM documents WHERE id = ? LIMIT 1`
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// OwnerOf returns the owning user id, or ErrDocumentNotFound.
func (s *SQLite) OwnerOf(ctx context.Context, id string) (string, error) {
	if err := s.checkCircuit(); err != nil {
		return "", err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var owner string
	err := s.db.QueryRowContext(queryCtx, `SELECT owner_id FROM documents WHERE id = ?`, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", domain.ErrDocumentNotFound
	}
	s.recordError(err)
	if err != nil {
		return "", errors.Wrap(err, "db owner lookup")
	}
	return owner, nil
}

// CreateGate writes the gate row and its question rows in one transaction.
// A duplicate gate or duplicate question id rolls the whole write back.
func (s *SQLite) CreateGate(ctx context.Context, g *domain.AccessGate) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "begin gate tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(queryCtx, `
	INSERT INTO document_gates (document_id, password_hash, version, created_at, updated_at)
	VALUES (?, ?, 1, ?, ?)
	`, g.DocumentID, g.PasswordHash, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		s.recordError(err)
		if isConstraintErr(err) {
			return domain.ErrGateExists
		}
		return errors.Wrap(err, "insert gate")
	}

	for _, qb := range g.Questions {
		_, err = tx.ExecContext(queryCtx, `
		INSERT INTO gate_questions (document_id, question_id, answer_hash)
		VALUES (?, ?, ?)
		`, g.DocumentID, qb.QuestionID, qb.AnswerHash)
		if err != nil {
			s.recordError(err)
			if isConstraintErr(err) {
				return domain.ErrDuplicateQuestion
			}
			return errors.Wrap(err, "insert gate question")
		}
	}

	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return errors.Wrap(err, "commit gate tx")
	}
	g.Version = 1
	return nil
}

func (s *SQLite) GetGate(ctx context.Context, documentID string) (*domain.AccessGate, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var g domain.AccessGate
	err := s.db.QueryRowContext(queryCtx, `
	SELECT document_id, password_hash, version, created_at, updated_at
	FROM document_gates WHERE document_id = ?
	`, documentID).Scan(&g.DocumentID, &g.PasswordHash, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrGateNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get gate")
	}

	rows, err := s.db.QueryContext(queryCtx, `
	SELECT question_id, answer_hash FROM gate_questions
	WHERE document_id = ? ORDER BY question_id
	`, documentID)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "db get gate questions")
	}
	defer rows.Close()
	for rows.Next() {
		var qb domain.QuestionBinding
		if err := rows.Scan(&qb.QuestionID, &qb.AnswerHash); err != nil {
			s.recordError(err)
			return nil, errors.Wrap(err, "scan gate question")
		}
		g.Questions = append(g.Questions, qb)
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "iterate gate questions")
	}
	return &g, nil
}

func (s *SQLite) HasGate(ctx context.Context, documentID string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx,
		`SELECT 1 FROM document_gates WHERE document_id = ? LIMIT 1`, documentID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "gate exists check")
	}
	return exists == 1, nil
}

// UpdatePasswordHash is a compare-and-swap on the gate's version column, so
// two concurrent recovery completions cannot interleave: the loser of the
// race sees zero rows updated.
func (s *SQLite) UpdatePasswordHash(ctx context.Context, documentID, newHash string, expectedVersion int64) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(queryCtx, `
	UPDATE document_gates
	SET password_hash = ?, version = version + 1, updated_at = ?
	WHERE document_id = ? AND version = ?
	`, newHash, time.Now(), documentID, expectedVersion)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "update password hash")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		exists, err := s.HasGate(ctx, documentID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrGateNotFound
		}
		return domain.ErrConflict
	}
	return nil
}

func (s *SQLite) DeleteGate(ctx context.Context, documentID string) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM document_gates WHERE document_id = ?`, documentID)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "delete gate")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return domain.ErrGateNotFound
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
