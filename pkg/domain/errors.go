package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	// Not-found covers both "document does not exist" and "not owned by the
	// requester" so responses never confirm the existence of someone else's
	// documents.
	ErrDocumentNotFound = NewErr("DOCUMENT_NOT_FOUND", "document not found", http.StatusNotFound)
	ErrGateNotFound     = NewErr("GATE_NOT_FOUND", "document has no password gate", http.StatusNotFound)
	ErrGateExists       = NewErr("GATE_EXISTS", "password gate already exists", http.StatusConflict)

	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrPasswordRequired  = NewErr("PASSWORD_REQUIRED", "password required", http.StatusBadRequest)
	ErrPasswordTooShort  = NewErr("PASSWORD_TOO_SHORT", "password does not meet minimum length", http.StatusBadRequest)
	ErrQuestionCount     = NewErr("QUESTION_COUNT", "exactly 3 security questions are required", http.StatusBadRequest)
	ErrDuplicateQuestion = NewErr("DUPLICATE_QUESTION", "security questions must be distinct", http.StatusBadRequest)
	ErrUnknownQuestion   = NewErr("UNKNOWN_QUESTION", "unknown security question id", http.StatusBadRequest)
	ErrAnswerRequired    = NewErr("ANSWER_REQUIRED", "every security question needs an answer", http.StatusBadRequest)

	// Auth failures stay generic: never which check failed, never which answer.
	ErrInvalidPassword  = NewErr("INVALID_PASSWORD", "incorrect password", http.StatusForbidden)
	ErrAnswersIncorrect = NewErr("ANSWERS_INCORRECT", "one or more answers are incorrect", http.StatusForbidden)

	ErrUnauthenticated   = NewErr("UNAUTHENTICATED", "authentication required", http.StatusUnauthorized)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrConflict          = NewErr("CONFLICT", "document was modified concurrently", http.StatusConflict)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
