package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wfounders/clubwallet/internal/protocol"
)

// RosterFile is the YAML seed format:
//
//	candidates:
//	  - name: Alice Smith
//	    email: alice@example.com
//	    address: "0xA1..."
type RosterFile struct {
	Candidates []protocol.Candidate `yaml:"candidates"`
}

// LoadRoster reads and validates a roster seed file.
func LoadRoster(path string) ([]protocol.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}
	return ParseRoster(data)
}

// ParseRoster decodes a roster seed. Every entry needs a name and an
// email, and emails must be unique.
func ParseRoster(data []byte) ([]protocol.Candidate, error) {
	var f RosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse roster: %w", err)
	}

	seen := make(map[string]bool, len(f.Candidates))
	for i, c := range f.Candidates {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Email) == "" {
			return nil, fmt.Errorf("roster entry %d: name and email are required", i)
		}
		key := normalizeEmail(c.Email)
		if seen[key] {
			return nil, fmt.Errorf("roster entry %d: duplicate email %s", i, c.Email)
		}
		seen[key] = true
	}
	return f.Candidates, nil
}

// Seed loads the roster file into s. An empty path is a no-op.
func Seed(ctx context.Context, s Store, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	candidates, err := LoadRoster(path)
	if err != nil {
		return 0, err
	}
	if err := s.SeedCandidates(ctx, candidates); err != nil {
		return 0, err
	}
	return len(candidates), nil
}
