package hardware

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gcforged/pylot/pkg/types"
)

const (
	SchemaVersion = 1

	profileFilename = "optimization_profile.json"
)

var ErrProfileNotFound = errors.New("hardware profile not found")

// Document is the on-disk optimization profile: the hardware profile plus the
// runtime parameters derived from it. Unknown top-level fields survive a
// load/save round-trip so newer writers don't lose data to older readers.
type Document struct {
	SchemaVersion int                     `json:"schema_version"`
	Hardware      types.HardwareProfile   `json:"hardware"`
	Runtime       types.RuntimeParameters `json:"runtime_parameters"`

	extra map[string]json.RawMessage
}

var knownDocumentFields = map[string]bool{
	"schema_version":     true,
	"hardware":           true,
	"runtime_parameters": true,
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type alias Document
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	*d = Document(known)

	for key, value := range raw {
		if knownDocumentFields[key] {
			continue
		}
		if d.extra == nil {
			d.extra = map[string]json.RawMessage{}
		}
		d.extra[key] = value
	}
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for key, value := range d.extra {
		out[key] = value
	}

	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = raw
		return nil
	}
	if err := put("schema_version", d.SchemaVersion); err != nil {
		return nil, err
	}
	if err := put("hardware", d.Hardware); err != nil {
		return nil, err
	}
	if err := put("runtime_parameters", d.Runtime); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Store persists the optimization profile as a single JSON document. Writes
// go to a temp file in the same directory followed by a rename, so a
// concurrent reader never observes a partial document.
type Store struct {
	path string
}

func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, profileFilename)}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("reading profile %s: %w", s.path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", s.path, err)
	}
	return &doc, nil
}

func (s *Store) Save(doc *Document) error {
	if doc.SchemaVersion == 0 {
		doc.SchemaVersion = SchemaVersion
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating profile directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".profile-*.json")
	if err != nil {
		return fmt.Errorf("creating temp profile: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp profile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp profile: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing profile %s: %w", s.path, err)
	}
	return nil
}
