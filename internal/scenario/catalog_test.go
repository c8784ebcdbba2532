package scenario

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeCatalog(t, `
scenarios:
  - id: one
    title: First
    prompt: Say hello.
    key_phrases: ["hello"]
  - id: two
    title: Second
`)
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	if got := len(catalog.All()); got != 2 {
		t.Errorf("scenario count: got %d, want 2", got)
	}
	s, ok := catalog.Get("one")
	if !ok {
		t.Fatal("scenario 'one' not found")
	}
	if s.Title != "First" || len(s.KeyPhrases) != 1 {
		t.Errorf("unexpected scenario: %+v", s)
	}
	if _, ok := catalog.Get("missing"); ok {
		t.Error("lookup of unknown id should fail")
	}
}

func TestLoadCatalogRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty catalog", "scenarios: []"},
		{"duplicate id", "scenarios:\n  - id: dup\n  - id: dup\n"},
		{"missing id", "scenarios:\n  - title: No ID\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadCatalog(writeCatalog(t, tc.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCoveredPhrases(t *testing.T) {
	transcript := "Well, I would like to order a coffee, please. Could you recommend something?"
	tests := []struct {
		name    string
		phrases []string
		want    int
	}{
		{"exact phrase", []string{"I would like"}, 1},
		{"case insensitive", []string{"i WOULD like"}, 1},
		{"punctuation ignored", []string{"a coffee please"}, 1},
		{"missing phrase", []string{"the bill"}, 0},
		{"mixed", []string{"could you recommend", "the bill"}, 1},
		{"word boundary respected", []string{"offee"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CoveredPhrases(transcript, tc.phrases)
			if len(got) != tc.want {
				t.Errorf("covered %v, want %d of %v", got, tc.want, tc.phrases)
			}
		})
	}
}
