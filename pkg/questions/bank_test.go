package questions

import (
	"encoding/json"
	"testing"
)

func TestBankMatchesRawCatalog(t *testing.T) {
	bank, err := NewBank()
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}

	var raw Catalog
	if err := json.Unmarshal(RawCatalog(), &raw); err != nil {
		t.Fatalf("raw catalog is not valid JSON: %v", err)
	}

	if raw.Version != bank.Version() {
		t.Errorf("version mismatch: raw=%d bank=%d", raw.Version, bank.Version())
	}

	rawSet := make(map[string]string, len(raw.Questions))
	for _, q := range raw.Questions {
		rawSet[q.ID] = q.Prompt
	}

	listed := bank.List()
	if len(listed) != len(rawSet) {
		t.Fatalf("bank has %d questions, raw catalog has %d", len(listed), len(rawSet))
	}
	for _, q := range listed {
		prompt, ok := rawSet[q.ID]
		if !ok {
			t.Errorf("bank question %s missing from raw catalog", q.ID)
			continue
		}
		if prompt != q.Prompt {
			t.Errorf("prompt mismatch for %s: %q vs %q", q.ID, q.Prompt, prompt)
		}
	}
}

func TestBankHasTwentyDistinctQuestions(t *testing.T) {
	bank, err := NewBank()
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}

	listed := bank.List()
	if len(listed) != 20 {
		t.Fatalf("expected 20 catalog questions, got %d", len(listed))
	}

	seen := make(map[string]bool)
	for _, q := range listed {
		if seen[q.ID] {
			t.Errorf("duplicate question id %s", q.ID)
		}
		seen[q.ID] = true
	}
}

func TestPromptFor(t *testing.T) {
	bank, err := NewBank()
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}

	prompt, err := bank.PromptFor("q3")
	if err != nil {
		t.Fatalf("PromptFor(q3) failed: %v", err)
	}
	if prompt == "" {
		t.Error("PromptFor(q3) returned empty prompt")
	}

	if _, err := bank.PromptFor("q999"); err == nil {
		t.Error("PromptFor(q999) should fail for unknown id")
	}

	if bank.Has("q999") {
		t.Error("Has(q999) should be false")
	}
	if !bank.Has("q20") {
		t.Error("Has(q20) should be true")
	}
}
