package domain

import (
	"time"
)

// GateQuestionCount is the number of security questions bound to every gate.
const GateQuestionCount = 3

// AccessGate is the password + security-question bundle protecting a
// document's download. Hashes are write-only: they never leave the server.
type AccessGate struct {
	DocumentID   string            `json:"document_id"`
	PasswordHash string            `json:"-"`
	Questions    []QuestionBinding `json:"-"`
	Version      int64             `json:"-"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Binding lookup is always by QuestionID, never by slice position.
type QuestionBinding struct {
	QuestionID string `json:"question_id"`
	AnswerHash string `json:"-"`
}

func (g *AccessGate) BindingFor(questionID string) *QuestionBinding {
	for i := range g.Questions {
		if g.Questions[i].QuestionID == questionID {
			return &g.Questions[i]
		}
	}
	return nil
}

// Answer is a client-submitted (question, answer text) pair. Text is
// normalized before any comparison.
type Answer struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"answer"`
}

type CreateGateParams struct {
	DocumentID  string
	RequesterID string
	Password    string
	Answers     []Answer
}

// QuestionPrompt is what recovery returns to the client: the bound question
// ids resolved to prompt text. Never the answer hashes.
type QuestionPrompt struct {
	QuestionID string `json:"question_id"`
	Prompt     string `json:"prompt"`
}
