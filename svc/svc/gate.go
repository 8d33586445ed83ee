package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"docgate/cfg"
	"docgate/metrics"
	"docgate/pkg/domain"
	"docgate/pkg/questions"
	"docgate/svc/auth"
	"docgate/svc/cache"
	"docgate/svc/own"
	"docgate/svc/util"
)

// GateStore is the persistence boundary for documents and their access
// gates. Implemented by db.SQLite; tests substitute in-memory fakes.
type GateStore interface {
	CreateDocument(ctx context.Context, d *domain.Document) error
	DeleteDocument(ctx context.Context, id string) error
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	DocumentExists(ctx context.Context, id string) (bool, error)
	OwnerOf(ctx context.Context, id string) (string, error)
	CreateGate(ctx context.Context, g *domain.AccessGate) error
	GetGate(ctx context.Context, documentID string) (*domain.AccessGate, error)
	HasGate(ctx context.Context, documentID string) (bool, error)
	UpdatePasswordHash(ctx context.Context, documentID, newHash string, expectedVersion int64) error
	DeleteGate(ctx context.Context, documentID string) error
}

// AttemptThrottle limits failed password/answer attempts per document+caller.
// Nil disables throttling (the callers upstream still rate-limit globally).
type AttemptThrottle interface {
	Allowed(ctx context.Context, documentID, caller string) bool
	RecordFailure(ctx context.Context, documentID, caller string)
	RecordSuccess(ctx context.Context, documentID, caller string)
}

// Gate orchestrates the access-gate lifecycle: creation with a password and
// three security answers, password verification for downloads, the recovery
// flow, and owner-driven password changes. Every mutation re-proves
// authorization inside the same call; no verified state survives a request.
type Gate struct {
	store    GateStore
	lru      *cache.LRU
	hasher   *auth.Hasher
	guard    *own.Guard
	bank     *questions.Bank
	throttle AttemptThrottle
	cfg      *cfg.Cfg
	sf       singleflight.Group
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewGate(store GateStore, lru *cache.LRU, h *auth.Hasher, bank *questions.Bank, throttle AttemptThrottle, c *cfg.Cfg) *Gate {
	if store == nil || h == nil || bank == nil || c == nil {
		panic("gate service: nil dependency (store, hasher, bank, or cfg)")
	}
	return &Gate{
		store:    store,
		lru:      lru,
		hasher:   h,
		guard:    own.NewGuard(store),
		bank:     bank,
		throttle: throttle,
		cfg:      c,
	}
}

// Shutdown waits for in-flight gate operations to drain.
func (g *Gate) Shutdown() {
	g.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		g.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("gate operations didn't drain in time")
	}
	util.Debug().Msg("gate service shutdown complete")
}

func (g *Gate) begin() error {
	if g.shutdown.Load() {
		return errors.New("service shutting down")
	}
	g.opWg.Add(1)
	return nil
}

// NormalizeAnswer trims, NFC-normalizes, and case-folds answer text so
// "Paris" and " paris" hash and compare identically.
func NormalizeAnswer(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

type RegisterParams struct {
	OwnerID  string
	Filename string
	Gate     *GateSpec
}

// GateSpec carries the plaintext gate inputs from a registration or update
// payload. Plaintexts never outlive the request that carried them.
type GateSpec struct {
	Password string
	Answers  []domain.Answer
}

// RegisterDocument records a document for the surrounding application and,
// when requested, creates its access gate in the same call. Gate inputs are
// validated and hashed before the document row is written so a rejected gate
// never leaves a half-registered document behind.
func (g *Gate) RegisterDocument(ctx context.Context, params RegisterParams) (*domain.Document, error) {
	if err := g.begin(); err != nil {
		return nil, err
	}
	defer g.opWg.Done()
	if params.OwnerID == "" {
		return nil, domain.ErrUnauthenticated
	}
	if strings.TrimSpace(params.Filename) == "" {
		return nil, domain.ErrInvalidRequest
	}

	var gate *domain.AccessGate
	if params.Gate != nil {
		var err error
		gate, err = g.buildGate("", params.Gate.Password, params.Gate.Answers)
		if err != nil {
			return nil, err
		}
	}

	id, err := util.GenID(func(id string) (bool, error) {
		return g.store.DocumentExists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(err, "gen document id")
	}
	doc := &domain.Document{
		ID:        id,
		OwnerID:   params.OwnerID,
		Filename:  strings.TrimSpace(params.Filename),
		Gated:     gate != nil,
		CreatedAt: time.Now(),
	}
	if err := g.store.CreateDocument(ctx, doc); err != nil {
		return nil, errors.Wrap(err, "create document")
	}
	if gate != nil {
		gate.DocumentID = id
		if err := g.store.CreateGate(ctx, gate); err != nil {
			// The upload asked for protection, so an ungated document must
			// not survive a failed gate write.
			if delErr := g.store.DeleteDocument(ctx, id); delErr != nil {
				util.Error().Err(delErr).Str("document_id", id).Msg("rollback of half-registered document failed")
			}
			return nil, errors.Wrap(err, "create gate")
		}
		if g.lru != nil {
			g.lru.Set(ctx, gate, g.cfg.GateCacheTTL)
		}
		metrics.GateCreated.Inc()
	}
	return doc, nil
}

// CreateGate enables password protection on an existing document. The gate
// and its three answer bindings persist atomically or not at all.
func (g *Gate) CreateGate(ctx context.Context, params domain.CreateGateParams) (*domain.AccessGate, error) {
	if err := g.begin(); err != nil {
		return nil, err
	}
	defer g.opWg.Done()
	if err := g.guard.Check(ctx, params.DocumentID, params.RequesterID); err != nil {
		return nil, err
	}
	// The conflict outranks input validation: callers re-enabling an already
	// gated document send no password, and that must not read as a bad
	// request.
	exists, err := g.store.HasGate(ctx, params.DocumentID)
	if err != nil {
		return nil, errors.Wrap(err, "check gate")
	}
	if exists {
		return nil, domain.ErrGateExists
	}
	gate, err := g.buildGate(params.DocumentID, params.Password, params.Answers)
	if err != nil {
		return nil, err
	}
	if err := g.store.CreateGate(ctx, gate); err != nil {
		if errors.Cause(err) == domain.ErrGateExists {
			return nil, domain.ErrGateExists
		}
		return nil, errors.Wrap(err, "create gate")
	}
	if g.lru != nil {
		g.lru.Set(ctx, gate, g.cfg.GateCacheTTL)
	}
	metrics.GateCreated.Inc()
	util.Info().Str("document_id", params.DocumentID).Msg("access gate created")
	return gate, nil
}

func (g *Gate) buildGate(documentID, password string, answers []domain.Answer) (*domain.AccessGate, error) {
	if strings.TrimSpace(password) == "" {
		return nil, domain.ErrPasswordRequired
	}
	if len(strings.TrimSpace(password)) < g.cfg.MinPasswordLen {
		return nil, domain.ErrPasswordTooShort
	}
	if len(answers) != domain.GateQuestionCount {
		return nil, domain.ErrQuestionCount
	}
	seen := make(map[string]bool, domain.GateQuestionCount)
	for _, a := range answers {
		if !g.bank.Has(a.QuestionID) {
			return nil, domain.ErrUnknownQuestion
		}
		if seen[a.QuestionID] {
			return nil, domain.ErrDuplicateQuestion
		}
		seen[a.QuestionID] = true
		if NormalizeAnswer(a.Text) == "" {
			return nil, domain.ErrAnswerRequired
		}
	}

	pwHash, err := g.hasher.Hash(strings.TrimSpace(password))
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	bindings := make([]domain.QuestionBinding, 0, domain.GateQuestionCount)
	for _, a := range answers {
		ansHash, err := g.hasher.Hash(NormalizeAnswer(a.Text))
		if err != nil {
			return nil, errors.Wrap(err, "hash answer")
		}
		bindings = append(bindings, domain.QuestionBinding{
			QuestionID: a.QuestionID,
			AnswerHash: ansHash,
		})
	}
	now := time.Now()
	return &domain.AccessGate{
		DocumentID:   documentID,
		PasswordHash: pwHash,
		Questions:    bindings,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Prompts returns the three bound question prompts for recovery. Answer
// hashes never leave this package.
func (g *Gate) Prompts(ctx context.Context, documentID string) ([]domain.QuestionPrompt, error) {
	if err := g.begin(); err != nil {
		return nil, err
	}
	defer g.opWg.Done()
	gate, err := g.loadGate(ctx, documentID)
	if err != nil {
		return nil, err
	}
	prompts := make([]domain.QuestionPrompt, 0, len(gate.Questions))
	for _, q := range gate.Questions {
		prompt, err := g.bank.PromptFor(q.QuestionID)
		if err != nil {
			util.Error().Str("document_id", documentID).Str("question_id", q.QuestionID).
				Msg("stored question id missing from catalog")
			return nil, domain.ErrInternalServer
		}
		prompts = append(prompts, domain.QuestionPrompt{QuestionID: q.QuestionID, Prompt: prompt})
	}
	return prompts, nil
}

// VerifyAnswers checks three submitted answers against the gate's bindings.
// Matching is by question id, never by position; a bound question with no
// matching submission counts as incorrect. All three comparisons run before
// the verdict, and a false verdict never says which answer missed.
func (g *Gate) VerifyAnswers(ctx context.Context, documentID string, answers []domain.Answer, caller string) (bool, error) {
	if err := g.begin(); err != nil {
		return false, err
	}
	defer g.opWg.Done()
	if err := g.checkThrottle(ctx, documentID, caller); err != nil {
		return false, err
	}
	gate, err := g.loadGate(ctx, documentID)
	if err != nil {
		return false, err
	}
	ok, err := g.answersMatch(gate, answers)
	if err != nil {
		return false, err
	}
	g.recordAttempt(ctx, documentID, caller, ok)
	if ok {
		metrics.RecoveryAttempts.WithLabelValues("verified").Inc()
	} else {
		metrics.RecoveryAttempts.WithLabelValues("rejected").Inc()
	}
	return ok, nil
}

func (g *Gate) answersMatch(gate *domain.AccessGate, answers []domain.Answer) (bool, error) {
	submitted := make(map[string]string, len(answers))
	for _, a := range answers {
		submitted[a.QuestionID] = a.Text
	}
	all := true
	for _, binding := range gate.Questions {
		// A missing submission still runs a verify so response timing does
		// not separate "omitted" from "wrong".
		text := submitted[binding.QuestionID]
		match, _, err := g.hasher.Verify(NormalizeAnswer(text), binding.AnswerHash)
		if err != nil {
			return false, errors.Wrap(err, "verify answer")
		}
		if !match {
			all = false
		}
	}
	return all, nil
}

// ResetPassword completes recovery: the three answers are re-verified inside
// this call, and only a 3/3 match authorizes the overwrite. A prior
// VerifyAnswers result is never trusted across requests.
func (g *Gate) ResetPassword(ctx context.Context, documentID string, answers []domain.Answer, newPassword, caller string) error {
	if err := g.begin(); err != nil {
		return err
	}
	defer g.opWg.Done()
	if strings.TrimSpace(newPassword) == "" {
		return domain.ErrPasswordRequired
	}
	if len(strings.TrimSpace(newPassword)) < g.cfg.MinPasswordLen {
		return domain.ErrPasswordTooShort
	}
	if err := g.checkThrottle(ctx, documentID, caller); err != nil {
		return err
	}
	gate, err := g.loadGate(ctx, documentID)
	if err != nil {
		return err
	}
	ok, err := g.answersMatch(gate, answers)
	if err != nil {
		return err
	}
	g.recordAttempt(ctx, documentID, caller, ok)
	if !ok {
		metrics.RecoveryAttempts.WithLabelValues("rejected").Inc()
		return domain.ErrAnswersIncorrect
	}
	metrics.RecoveryAttempts.WithLabelValues("verified").Inc()

	newHash, err := g.hasher.Hash(strings.TrimSpace(newPassword))
	if err != nil {
		return errors.Wrap(err, "hash new password")
	}
	if err := g.swapPasswordHash(ctx, documentID, newHash, gate.Version); err != nil {
		return err
	}
	metrics.PasswordResets.Inc()
	util.Info().Str("document_id", documentID).Msg("password reset via recovery")
	return nil
}

// swapPasswordHash does a compare-and-swap on the gate version so two
// concurrent resets serialize. On a version conflict the gate is re-read
// (bindings are immutable, so the already-proven answers stay valid) and the
// write retried; last writer wins.
func (g *Gate) swapPasswordHash(ctx context.Context, documentID, newHash string, version int64) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := g.store.UpdatePasswordHash(ctx, documentID, newHash, version)
		if err == nil {
			if g.lru != nil {
				g.lru.Delete(documentID)
			}
			return nil
		}
		if errors.Cause(err) != domain.ErrConflict {
			return errors.Wrap(err, "update password hash")
		}
		fresh, gerr := g.store.GetGate(ctx, documentID)
		if gerr != nil {
			return gerr
		}
		version = fresh.Version
	}
	return domain.ErrConflict
}

// VerifyPassword is the read-only check the download path uses. It never
// mutates the gate.
func (g *Gate) VerifyPassword(ctx context.Context, documentID, password, caller string) (bool, error) {
	if err := g.begin(); err != nil {
		return false, err
	}
	defer g.opWg.Done()
	if err := g.checkThrottle(ctx, documentID, caller); err != nil {
		return false, err
	}
	gate, err := g.loadGate(ctx, documentID)
	if err != nil {
		return false, err
	}
	match, _, err := g.hasher.Verify(password, gate.PasswordHash)
	if err != nil {
		return false, errors.Wrap(err, "verify password")
	}
	g.recordAttempt(ctx, documentID, caller, match)
	if match {
		metrics.PasswordChecks.WithLabelValues("valid").Inc()
	} else {
		metrics.PasswordChecks.WithLabelValues("invalid").Inc()
	}
	return match, nil
}

// ChangePassword is the owner-driven change outside recovery. A nil
// newPassword means the caller's update payload carried no password field:
// the existing hash stays untouched. An empty string is a validation error,
// never a silent blanking of the gate. When currentPassword is supplied it
// must verify before the overwrite.
func (g *Gate) ChangePassword(ctx context.Context, documentID, requesterID string, newPassword *string, currentPassword string) error {
	if err := g.begin(); err != nil {
		return err
	}
	defer g.opWg.Done()
	if err := g.guard.Check(ctx, documentID, requesterID); err != nil {
		return err
	}
	if newPassword == nil {
		return nil
	}
	if strings.TrimSpace(*newPassword) == "" {
		return domain.ErrPasswordRequired
	}
	if len(strings.TrimSpace(*newPassword)) < g.cfg.MinPasswordLen {
		return domain.ErrPasswordTooShort
	}
	gate, err := g.loadGate(ctx, documentID)
	if err != nil {
		return err
	}
	if currentPassword != "" {
		match, _, err := g.hasher.Verify(currentPassword, gate.PasswordHash)
		if err != nil {
			return errors.Wrap(err, "verify current password")
		}
		if !match {
			return domain.ErrInvalidPassword
		}
	}
	newHash, err := g.hasher.Hash(strings.TrimSpace(*newPassword))
	if err != nil {
		return errors.Wrap(err, "hash new password")
	}
	if err := g.swapPasswordHash(ctx, documentID, newHash, gate.Version); err != nil {
		return err
	}
	metrics.PasswordChanges.Inc()
	util.Info().Str("document_id", documentID).Msg("password changed by owner")
	return nil
}

// RemoveGate turns password protection off. The gate and its bindings go
// together; the document row stays.
func (g *Gate) RemoveGate(ctx context.Context, documentID, requesterID string) error {
	if err := g.begin(); err != nil {
		return err
	}
	defer g.opWg.Done()
	if err := g.guard.Check(ctx, documentID, requesterID); err != nil {
		return err
	}
	if err := g.store.DeleteGate(ctx, documentID); err != nil {
		return err
	}
	if g.lru != nil {
		g.lru.Delete(documentID)
	}
	metrics.GateRemoved.Inc()
	util.Info().Str("document_id", documentID).Msg("access gate removed")
	return nil
}

// Authorize re-runs the ownership check for transport-layer callers that
// gate access to document-scoped endpoints.
func (g *Gate) Authorize(ctx context.Context, documentID, requesterID string) error {
	return g.guard.Check(ctx, documentID, requesterID)
}

// Document exposes document metadata to the transport layer.
func (g *Gate) Document(ctx context.Context, id string) (*domain.Document, error) {
	if err := g.begin(); err != nil {
		return nil, err
	}
	defer g.opWg.Done()
	return g.store.GetDocument(ctx, id)
}

func (g *Gate) checkThrottle(ctx context.Context, documentID, caller string) error {
	if g.throttle == nil || caller == "" {
		return nil
	}
	if !g.throttle.Allowed(ctx, documentID, caller) {
		return domain.ErrRateLimitExceeded
	}
	return nil
}

func (g *Gate) recordAttempt(ctx context.Context, documentID, caller string, ok bool) {
	if g.throttle == nil || caller == "" {
		return
	}
	if ok {
		g.throttle.RecordSuccess(ctx, documentID, caller)
	} else {
		g.throttle.RecordFailure(ctx, documentID, caller)
	}
}

// loadGate serves the hot verify path: LRU first, then a singleflight-
// collapsed storage read so a stampede on one document costs one query.
func (g *Gate) loadGate(ctx context.Context, documentID string) (*domain.AccessGate, error) {
	if g.lru != nil {
		if gate := g.lru.Get(ctx, documentID); gate != nil {
			metrics.CacheHits.Inc()
			return gate, nil
		}
		metrics.CacheMisses.Inc()
	}
	v, err, _ := g.sf.Do(documentID, func() (interface{}, error) {
		gate, err := g.store.GetGate(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if g.lru != nil {
			g.lru.Set(ctx, gate, g.cfg.GateCacheTTL)
		}
		return gate, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.AccessGate), nil
}
