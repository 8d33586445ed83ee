// Package questions holds the security-question catalog shared by server and
// client. The catalog is embedded from a single JSON source so the prompt
// picker shown at upload time and the prompts returned during recovery can
// never drift apart.
package questions

import (
	_ "embed"
	"encoding/json"

	"docgate/pkg/domain"

	"github.com/pkg/errors"
)

//go:embed catalog.json
var catalogJSON []byte

type Question struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

type Catalog struct {
	Version   int        `json:"version"`
	Questions []Question `json:"questions"`
}

type Bank struct {
	version int
	ordered []Question
	byID    map[string]string
}

func NewBank() (*Bank, error) {
	var cat Catalog
	if err := json.Unmarshal(catalogJSON, &cat); err != nil {
		return nil, errors.Wrap(err, "parse question catalog")
	}
	if len(cat.Questions) == 0 {
		return nil, errors.New("question catalog is empty")
	}
	byID := make(map[string]string, len(cat.Questions))
	for _, q := range cat.Questions {
		if q.ID == "" || q.Prompt == "" {
			return nil, errors.Errorf("malformed catalog entry %q", q.ID)
		}
		if _, dup := byID[q.ID]; dup {
			return nil, errors.Errorf("duplicate question id %q in catalog", q.ID)
		}
		byID[q.ID] = q.Prompt
	}
	return &Bank{
		version: cat.Version,
		ordered: cat.Questions,
		byID:    byID,
	}, nil
}

func (b *Bank) Version() int { return b.version }

// List returns the catalog in its published order.
func (b *Bank) List() []Question {
	out := make([]Question, len(b.ordered))
	copy(out, b.ordered)
	return out
}

func (b *Bank) PromptFor(questionID string) (string, error) {
	prompt, ok := b.byID[questionID]
	if !ok {
		return "", domain.ErrUnknownQuestion
	}
	return prompt, nil
}

func (b *Bank) Has(questionID string) bool {
	_, ok := b.byID[questionID]
	return ok
}

// RawCatalog is the exact embedded JSON, served to clients so their picker
// consumes the same data the server resolves prompts from.
func RawCatalog() []byte {
	out := make([]byte, len(catalogJSON))
	copy(out, catalogJSON)
	return out
}
