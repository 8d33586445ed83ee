package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"docgate/cfg"
	"docgate/pkg/domain"
	"docgate/pkg/questions"
	"docgate/svc/auth"
	"docgate/svc/svc"
	"docgate/svc/util"
)

func TestMain(m *testing.M) {
	if err := util.InitCallerHasher([]byte("test-pepper-must-be-at-least-32bytes-long"), time.Hour); err != nil {
		fmt.Fprintln(os.Stderr, "init caller hasher:", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

type memStore struct {
	mu    sync.Mutex
	docs  map[string]*domain.Document
	gates map[string]*domain.AccessGate
}

func newMemStore() *memStore {
	return &memStore{
		docs:  make(map[string]*domain.Document),
		gates: make(map[string]*domain.AccessGate),
	}
}

func (f *memStore) CreateDocument(_ context.Context, d *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[d.ID] = d
	return nil
}

func (f *memStore) DeleteDocument(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return domain.ErrDocumentNotFound
	}
	delete(f.docs, id)
	delete(f.gates, id)
	return nil
}

func (f *memStore) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	cp := *d
	cp.Gated = f.gates[id] != nil
	return &cp, nil
}

func (f *memStore) DocumentExists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[id]
	return ok, nil
}

func (f *memStore) OwnerOf(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return "", domain.ErrDocumentNotFound
	}
	return d.OwnerID, nil
}

func (f *memStore) CreateGate(_ context.Context, g *domain.AccessGate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.gates[g.DocumentID]; ok {
		return domain.ErrGateExists
	}
	cp := *g
	f.gates[g.DocumentID] = &cp
	return nil
}

func (f *memStore) GetGate(_ context.Context, documentID string) (*domain.AccessGate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[documentID]
	if !ok {
		return nil, domain.ErrGateNotFound
	}
	cp := *g
	return &cp, nil
}

func (f *memStore) HasGate(_ context.Context, documentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.gates[documentID]
	return ok, nil
}

func (f *memStore) UpdatePasswordHash(_ context.Context, documentID, newHash string, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[documentID]
	if !ok {
		return domain.ErrGateNotFound
	}
	if g.Version != expectedVersion {
		return domain.ErrConflict
	}
	g.PasswordHash = newHash
	g.Version++
	return nil
}

func (f *memStore) DeleteGate(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.gates[documentID]; !ok {
		return domain.ErrGateNotFound
	}
	delete(f.gates, documentID)
	return nil
}

type fixedSource struct{ content string }

func (s fixedSource) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.content)), nil
}

func newTestHdl(t *testing.T) (*Hdl, *memStore) {
	t.Helper()
	h, err := auth.NewHasher(1, 1024, 1, []byte("test-pepper-must-be-at-least-32bytes-long"))
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	if err := h.Start(2); err != nil {
		t.Fatalf("start hasher: %v", err)
	}
	t.Cleanup(h.Stop)
	bank, err := questions.NewBank()
	if err != nil {
		t.Fatalf("new bank: %v", err)
	}
	c := &cfg.Cfg{MinPasswordLen: 4, GateCacheTTL: 5 * time.Minute, ContextTimeout: 5 * time.Second}
	store := newMemStore()
	gate := svc.NewGate(store, nil, h, bank, nil, c)
	download := svc.NewDownload(gate, fixedSource{content: "file-bytes"})
	return &Hdl{gate: gate, download: download, bank: bank, cfg: c}, store
}

func seedGatedDoc(t *testing.T, hdl *Hdl, store *memStore) {
	t.Helper()
	if err := store.CreateDocument(context.Background(), &domain.Document{
		ID: "doc1", OwnerID: "alice", Filename: "report.pdf", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	_, err := hdl.gate.CreateGate(context.Background(), domain.CreateGateParams{
		DocumentID:  "doc1",
		RequesterID: "alice",
		Password:    "Sn0wman!",
		Answers: []domain.Answer{
			{QuestionID: "q3", Text: "Lincoln Elementary"},
			{QuestionID: "q7", Text: "Max"},
			{QuestionID: "q12", Text: "Dune"},
		},
	})
	if err != nil {
		t.Fatalf("seed gate: %v", err)
	}
}

func newRouter(hdl *Hdl) http.Handler {
	mw := &Mw{cfg: hdl.cfg}
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(mw.JSONContentType)
		r.Use(mw.Auth)
		r.Post("/documents", hdl.CreateDocument)
		r.Patch("/documents/{id}", hdl.UpdateDocument)
		r.Get("/documents/{id}/recovery/questions", hdl.RecoveryQuestions)
		r.Post("/documents/{id}/recovery", hdl.Recovery)
		r.Post("/documents/{id}/verify-password", hdl.VerifyPassword)
		r.Get("/documents/{id}/download", hdl.Download)
	})
	r.Get("/questions/catalog", hdl.Catalog)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateDocumentWithGate(t *testing.T) {
	hdl, _ := newTestHdl(t)
	router := newRouter(hdl)

	rec := doJSON(t, router, "POST", "/documents", "alice", map[string]interface{}{
		"filename":               "report.pdf",
		"requires_password_gate": true,
		"password":               "Sn0wman!",
		"security_questions": []map[string]string{
			{"question_id": "q3", "answer": "Lincoln Elementary"},
			{"question_id": "q7", "answer": "Max"},
			{"question_id": "q12", "answer": "Dune"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var doc domain.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !doc.Gated || doc.ID == "" {
		t.Errorf("unexpected document %+v", doc)
	}

	rec = doJSON(t, router, "POST", "/documents/"+doc.ID+"/verify-password", "alice",
		map[string]string{"password": "Sn0wman!"})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", rec.Code, rec.Body.String())
	}
	var verify map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &verify)
	if !verify["valid"] {
		t.Error("correct password reported invalid")
	}
}

func TestCreateDocumentRejectsBadGate(t *testing.T) {
	hdl, _ := newTestHdl(t)
	router := newRouter(hdl)

	rec := doJSON(t, router, "POST", "/documents", "alice", map[string]interface{}{
		"filename":               "report.pdf",
		"requires_password_gate": true,
		"password":               "abc",
		"security_questions": []map[string]string{
			{"question_id": "q3", "answer": "a"},
			{"question_id": "q7", "answer": "b"},
			{"question_id": "q12", "answer": "c"},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
	}
}

func TestRequiresAuthentication(t *testing.T) {
	hdl, store := newTestHdl(t)
	seedGatedDoc(t, hdl, store)
	router := newRouter(hdl)

	rec := doJSON(t, router, "GET", "/documents/doc1/recovery/questions", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous call: status = %d, want 401", rec.Code)
	}
}

func TestRecoveryQuestions(t *testing.T) {
	hdl, store := newTestHdl(t)
	seedGatedDoc(t, hdl, store)
	router := newRouter(hdl)

	rec := doJSON(t, router, "GET", "/documents/doc1/recovery/questions", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Questions []domain.QuestionPrompt `json:"questions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Questions) != 3 {
		t.Fatalf("got %d questions, want 3", len(resp.Questions))
	}
	if strings.Contains(rec.Body.String(), "hash") {
		t.Error("response leaks hash material")
	}
}

func TestRecoveryQuestionsHiddenFromNonOwner(t *testing.T) {
	hdl, store := newTestHdl(t)
	seedGatedDoc(t, hdl, store)
	router := newRouter(hdl)

	rec := doJSON(t, router, "GET", "/documents/doc1/recovery/questions", "mallory", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("non-owner: status = %d, want 404", rec.Code)
	}
}

func TestRecoveryVerifyOnly(t *testing.T) {
	hdl, store := newTestHdl(t)
	seedGatedDoc(t, hdl, store)
	router := newRouter(hdl)

	rec := doJSON(t, router, "POST", "/documents/doc1/recovery", "alice", map[string]interface{}{
		"answers": []map[string]string{
			{"question_id": "q12", "answer": "dune"},
			{"question_id": "q3", "answer": "LINCOLN ELEMENTARY "},
			{"question_id": "q7", "answer": "max"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp["verified"] {
		t.Error("correct answers not verified")
	}

	rec = doJSON(t, router, "POST", "/documents/doc1/recovery", "alice", map[string]interface{}{
		"answers": []map[string]string{
			{"question_id": "q3", "answer": "wrong"},
			{"question_id": "q7", "answer": "Max"},
			{"question_id": "q12", "answer": "Dune"},
		},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong answers: status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "one or more answers are incorrect") {
		t.Errorf("expected generic message, got %s", rec.Body.String())
	}
}

func TestRecoveryReset(t *testing.T) {
	hdl, store := newTestHdl(t)
	seedGatedDoc(t, hdl, store)
	router := newRouter(hdl)

	rec := doJSON(t, router, "POST", "/documents/doc1/recovery", "alice", map[string]interface{}{
		"answers": []map[string]string{
			{"question_id": "q3", "answer": "Lincoln Elementary"},
			{"question_id": "q7", "answer": "Max"},
			{"question_id": "q12", "answer": "Dune"},
		},
		"new_password": "NewPass1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp["success"] {
		t.Error("reset did not report success")
	}

	rec = doJSON(t, router, "POST", "/documents/doc1/verify-password", "alice",
		map[string]string{"password": "NewPass1"})
	var verify map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &verify)
	if !verify["valid"] {
		t.Error("new password not valid after reset")
	}
	rec = doJSON(t, router, "POST", "/documents/doc1/verify-password", "alice",
		map[string]string{"password": "Sn0wman!"})
	json.Unmarshal(rec.Body.Bytes(), &verify)
	if verify["valid"] {
		t.Error("old password still valid after reset")
	}
}

func TestRecoveryResetWrongAnswer(t *testing.T) {
	hdl, store := newTestHdl(t)
	seedGatedDoc(t, hdl, store)
	router := newRouter(hdl)

	rec := doJSON(t, router, "POST", "/documents/doc1/recovery", "alice", map[string]interface{}{
		"answers": []map[string]string{
			{"question_id": "q3", "answer": "Lincoln Elementary"},
			{"question_id": "q7", "answer": "Rex"},
			{"question_id": "q12", "answer": "Dune"},
		},
		"new_password": "NewPass1",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, "POST", "/documents/doc1/verify-password", "alice",
		map[string]string{"password": "Sn0wman!"})
	var verify map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &verify)
	if !verify["valid"] {
		t.Error("old password lost after failed reset")
	}
}

func TestUpdateDocumentDisablesGate(t *testing.T) {
	hdl, store := newTestHdl(t)
	seedGatedDoc(t, hdl, store)
	router := newRouter(hdl)

	rec := doJSON(t, router, "PATCH", "/documents/doc1", "alice", map[string]interface{}{
		"requires_password_gate": false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var doc domain.Document
	json.Unmarshal(rec.Body.Bytes(), &doc)
	if doc.Gated {
		t.Error("document still gated after disable")
	}
}

func TestUpdateDocumentWithoutPasswordKeepsHash(t *testing.T) {
	hdl, store := newTestHdl(t)
	seedGatedDoc(t, hdl, store)
	router := newRouter(hdl)

	rec := doJSON(t, router, "PATCH", "/documents/doc1", "alice", map[string]interface{}{
		"requires_password_gate": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, "POST", "/documents/doc1/verify-password", "alice",
		map[string]string{"password": "Sn0wman!"})
	var verify map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &verify)
	if !verify["valid"] {
		t.Error("update without password field blanked the gate")
	}
}

func TestDownload(t *testing.T) {
	hdl, store := newTestHdl(t)
	seedGatedDoc(t, hdl, store)
	router := newRouter(hdl)

	req := httptest.NewRequest("GET", "/documents/doc1/download", nil)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-Document-Password", "Sn0wman!")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "file-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}

	req = httptest.NewRequest("GET", "/documents/doc1/download", nil)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-Document-Password", "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong password: status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "incorrect password") {
		t.Errorf("expected generic message, got %s", rec.Body.String())
	}
}

func TestCatalog(t *testing.T) {
	hdl, _ := newTestHdl(t)
	router := newRouter(hdl)

	rec := doJSON(t, router, "GET", "/questions/catalog", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Version   int                  `json:"version"`
		Questions []questions.Question `json:"questions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Questions) != 20 {
		t.Errorf("got %d questions, want 20", len(resp.Questions))
	}
}
