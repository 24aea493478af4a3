package optimizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gcforged/pylot/pkg/types"
)

const (
	resultsFilename = "benchmark_results.json"

	// MaxRetainedResults bounds the append-only benchmark history.
	MaxRetainedResults = 20
)

// ResultsStore keeps the bounded benchmark history on disk, newest last.
// Writes are atomic (temp file + rename), like the profile store.
type ResultsStore struct {
	path string
}

func NewResultsStore(dir string) *ResultsStore {
	return &ResultsStore{path: filepath.Join(dir, resultsFilename)}
}

func (s *ResultsStore) Path() string {
	return s.path
}

func (s *ResultsStore) Load() ([]types.BenchmarkResult, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading benchmark results %s: %w", s.path, err)
	}
	var results []types.BenchmarkResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("parsing benchmark results %s: %w", s.path, err)
	}
	return results, nil
}

// Append adds one result and trims the history to the retention bound.
func (s *ResultsStore) Append(result types.BenchmarkResult) error {
	results, err := s.Load()
	if err != nil {
		// a corrupt history should not block recording new results
		results = nil
	}
	results = append(results, result)
	if len(results) > MaxRetainedResults {
		results = results[len(results)-MaxRetainedResults:]
	}

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding benchmark results: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating results directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".bench-*.json")
	if err != nil {
		return fmt.Errorf("creating temp results file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp results file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp results file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing results %s: %w", s.path, err)
	}
	return nil
}
