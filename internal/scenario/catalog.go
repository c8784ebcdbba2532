// Package scenario loads the speaking-scenario catalog and checks which of
// a scenario's key phrases the speaker actually covered.
package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario is one speaking exercise a user can pick.
type Scenario struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Prompt      string   `yaml:"prompt"`
	KeyPhrases  []string `yaml:"key_phrases"`
}

// catalogFile is the on-disk shape of the catalog.
type catalogFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Catalog is the loaded scenario collection.
type Catalog struct {
	scenarios []Scenario
	byID      map[string]Scenario
}

// LoadCatalog reads and validates the catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse scenario catalog %s: %w", path, err)
	}
	if len(file.Scenarios) == 0 {
		return nil, fmt.Errorf("scenario catalog %s contains no scenarios", path)
	}

	byID := make(map[string]Scenario, len(file.Scenarios))
	for _, s := range file.Scenarios {
		if s.ID == "" {
			return nil, fmt.Errorf("scenario catalog %s: scenario with empty id", path)
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("scenario catalog %s: duplicate scenario id %q", path, s.ID)
		}
		byID[s.ID] = s
	}

	return &Catalog{scenarios: file.Scenarios, byID: byID}, nil
}

// All returns every scenario in catalog order.
func (c *Catalog) All() []Scenario {
	out := make([]Scenario, len(c.scenarios))
	copy(out, c.scenarios)
	return out
}

// Get looks a scenario up by id.
func (c *Catalog) Get(id string) (Scenario, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// CoveredPhrases returns the subset of phrases present in the transcript,
// matched case-insensitively on whole-word sequences.
func CoveredPhrases(transcript string, phrases []string) []string {
	words := strings.Fields(strings.ToLower(transcript))
	var covered []string
	for _, phrase := range phrases {
		if containsWordSequence(words, strings.Fields(strings.ToLower(phrase))) {
			covered = append(covered, phrase)
		}
	}
	return covered
}

// containsWordSequence reports whether the word list contains the phrase
// words consecutively. Trailing punctuation on transcript words is ignored.
func containsWordSequence(words, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j, pw := range phrase {
			if strings.Trim(words[i+j], ".,!?;:'\"") != pw {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
