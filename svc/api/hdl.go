package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"docgate/cfg"
	"docgate/pkg/domain"
	"docgate/pkg/questions"
	"docgate/svc/lim"
	"docgate/svc/svc"
	"docgate/svc/util"
)

const maxRequestSize = 64 * 1024

type Hdl struct {
	gate     *svc.Gate
	download *svc.Download
	bank     *questions.Bank
	cfg      *cfg.Cfg
}

type questionInput struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

type createDocumentReq struct {
	Filename          string          `json:"filename"`
	RequiresGate      bool            `json:"requires_password_gate"`
	Password          string          `json:"password,omitempty"`
	SecurityQuestions []questionInput `json:"security_questions,omitempty"`
}

type updateDocumentReq struct {
	RequiresGate      *bool           `json:"requires_password_gate,omitempty"`
	Password          *string         `json:"password,omitempty"`
	CurrentPassword   string          `json:"current_password,omitempty"`
	SecurityQuestions []questionInput `json:"security_questions,omitempty"`
}

type recoveryReq struct {
	Answers     []questionInput `json:"answers"`
	NewPassword string          `json:"new_password,omitempty"`
}

type verifyPasswordReq struct {
	Password string `json:"password"`
}

func toAnswers(in []questionInput) []domain.Answer {
	out := make([]domain.Answer, 0, len(in))
	for _, q := range in {
		out = append(out, domain.Answer{QuestionID: q.QuestionID, Text: q.Answer})
	}
	return out
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return domain.ErrInvalidRequest
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.ErrInvalidRequest
	}
	return nil
}

// callerKey identifies the client for attempt throttling without storing
// raw addresses.
func (h *Hdl) callerKey(r *http.Request) (string, error) {
	realIP := lim.GetRealIP(r, h.cfg.TrustedProxies)
	hasher, err := util.GetCallerHasher()
	if err != nil {
		return "", err
	}
	return hasher.HashCaller(realIP)
}

func (h *Hdl) CreateDocument(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req createDocumentReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}
	params := svc.RegisterParams{
		OwnerID:  UserID(r.Context()),
		Filename: req.Filename,
	}
	if req.RequiresGate {
		params.Gate = &svc.GateSpec{
			Password: req.Password,
			Answers:  toAnswers(req.SecurityQuestions),
		}
	}
	doc, err := h.gate.RegisterDocument(r.Context(), params)
	if err != nil {
		log.Warn().Err(err).Msg("document registration failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("document_id", doc.ID).
		Bool("gated", doc.Gated).
		Msg("document registered")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(doc)
}

// UpdateDocument carries the gate lifecycle on the document settings
// surface: enable, disable, or change the password. A payload without a
// password field never touches the stored hash.
func (h *Hdl) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	requester := UserID(r.Context())
	var req updateDocumentReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}

	switch {
	case req.RequiresGate != nil && !*req.RequiresGate:
		err := h.gate.RemoveGate(r.Context(), id, requester)
		if err != nil && err != domain.ErrGateNotFound {
			writeErr(w, err, requestID)
			return
		}
		log.Info().Str("document_id", id).Msg("gate disabled")

	case req.RequiresGate != nil && *req.RequiresGate:
		password := ""
		if req.Password != nil {
			password = *req.Password
		}
		_, err := h.gate.CreateGate(r.Context(), domain.CreateGateParams{
			DocumentID:  id,
			RequesterID: requester,
			Password:    password,
			Answers:     toAnswers(req.SecurityQuestions),
		})
		if err == domain.ErrGateExists {
			// Already gated: fall through to a password change when one was
			// supplied, otherwise leave the gate as it is.
			if req.Password != nil {
				if err := h.gate.ChangePassword(r.Context(), id, requester, req.Password, req.CurrentPassword); err != nil {
					writeErr(w, err, requestID)
					return
				}
			}
		} else if err != nil {
			writeErr(w, err, requestID)
			return
		}

	case req.Password != nil:
		if err := h.gate.ChangePassword(r.Context(), id, requester, req.Password, req.CurrentPassword); err != nil {
			writeErr(w, err, requestID)
			return
		}

	default:
		if err := h.gate.Authorize(r.Context(), id, requester); err != nil {
			writeErr(w, err, requestID)
			return
		}
	}

	doc, err := h.gate.Document(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(doc)
}

func (h *Hdl) RecoveryQuestions(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.gate.Authorize(r.Context(), id, UserID(r.Context())); err != nil {
		writeErr(w, err, requestID)
		return
	}
	prompts, err := h.gate.Prompts(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"questions": prompts})
}

// Recovery is verify-or-reset: without new_password it only reports whether
// the answers match; with it, a 3/3 match overwrites the password hash. The
// reset path re-verifies the answers itself.
func (h *Hdl) Recovery(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.gate.Authorize(r.Context(), id, UserID(r.Context())); err != nil {
		writeErr(w, err, requestID)
		return
	}
	var req recoveryReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}
	caller, err := h.callerKey(r)
	if err != nil {
		log.Error().Err(err).Msg("caller hasher unavailable")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}

	if req.NewPassword == "" {
		verified, err := h.gate.VerifyAnswers(r.Context(), id, toAnswers(req.Answers), caller)
		if err != nil {
			writeErr(w, err, requestID)
			return
		}
		if !verified {
			log.Warn().
				Str("document_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("recovery answers rejected")
			writeErr(w, domain.ErrAnswersIncorrect, requestID)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"verified": true})
		return
	}

	if err := h.gate.ResetPassword(r.Context(), id, toAnswers(req.Answers), req.NewPassword, caller); err != nil {
		if err == domain.ErrAnswersIncorrect {
			log.Warn().
				Str("document_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("recovery reset rejected")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().Str("document_id", id).Msg("password reset completed")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (h *Hdl) VerifyPassword(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.gate.Authorize(r.Context(), id, UserID(r.Context())); err != nil {
		writeErr(w, err, requestID)
		return
	}
	var req verifyPasswordReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}
	caller, err := h.callerKey(r)
	if err != nil {
		log.Error().Err(err).Msg("caller hasher unavailable")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	valid, err := h.gate.VerifyPassword(r.Context(), id, req.Password, caller)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if !valid {
		log.Warn().
			Str("document_id", id).
			Str("client_ip", util.RedactIP(r.RemoteAddr)).
			Msg("failed password attempt")
	}
	json.NewEncoder(w).Encode(map[string]bool{"valid": valid})
}

func (h *Hdl) Download(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.gate.Authorize(r.Context(), id, UserID(r.Context())); err != nil {
		writeErr(w, err, requestID)
		return
	}
	password := r.Header.Get("X-Document-Password")
	if password == "" {
		password = r.URL.Query().Get("password")
	}
	caller, err := h.callerKey(r)
	if err != nil {
		log.Error().Err(err).Msg("caller hasher unavailable")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	rc, doc, err := h.download.Open(r.Context(), id, password, caller)
	if err != nil {
		// Wrong password and missing document share no distinguishing detail.
		writeErr(w, err, requestID)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("document_id", id).Msg("download stream interrupted")
		return
	}
	log.Info().Str("document_id", id).Msg("document released")
}

// Catalog serves the shared question list. The client picker and the server
// prompt resolution read the same embedded source.
func (h *Hdl) Catalog(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"version":   h.bank.Version(),
		"questions": h.bank.List(),
	})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
