// Package lockfile reads and updates pyodide-lock.json manifests. Fields the
// runtime writes that this tool does not understand are preserved verbatim.
package lockfile

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"

	"github.com/airgap-tools/wasmsite/internal/pep508"
)

//go:embed schema.json
var schemaJSON []byte

var lockSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(schemaJSON)
	if err != nil {
		panic(fmt.Sprintf("lockfile: compiling embedded schema: %v", err))
	}
	lockSchema = schema
}

// Record is one package entry in the manifest.
type Record struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	FileName    string   `json:"file_name"`
	InstallDir  string   `json:"install_dir"`
	SHA256      string   `json:"sha256"`
	PackageType string   `json:"package_type,omitempty"`
	Depends     []string `json:"depends"`
	Imports     []string `json:"imports"`
}

// Store holds a manifest loaded from disk, keyed by normalized package name.
type Store struct {
	path     string
	doc      map[string]json.RawMessage
	packages map[string]Record
}

// Open loads the manifest at path. A missing file yields an empty store that
// will create the file on first registration.
func Open(path string) (*Store, error) {
	s := &Store{
		path:     path,
		doc:      make(map[string]json.RawMessage),
		packages: make(map[string]Record),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if result := lockSchema.ValidateJSON(data); !result.IsValid() {
		return nil, fmt.Errorf("%s does not look like a pyodide lock manifest: %v", path, result.Errors)
	}

	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	raw := make(map[string]Record)
	if err := json.Unmarshal(s.doc["packages"], &raw); err != nil {
		return nil, fmt.Errorf("parsing %s packages: %w", path, err)
	}
	for key, rec := range raw {
		s.packages[pep508.NormalizeName(key)] = rec
	}
	return s, nil
}

// Path returns the manifest location.
func (s *Store) Path() string { return s.path }

// Len returns the number of registered packages.
func (s *Store) Len() int { return len(s.packages) }

// Lookup returns the record for a package name, normalizing the key.
func (s *Store) Lookup(name string) (Record, bool) {
	rec, ok := s.packages[pep508.NormalizeName(name)]
	return rec, ok
}

// Keys returns the normalized names of all registered packages.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.packages))
	for key := range s.packages {
		keys = append(keys, key)
	}
	return keys
}

// Register adds or replaces a record and writes the manifest back to disk.
func (s *Store) Register(rec Record) error {
	if rec.Depends == nil {
		rec.Depends = []string{}
	}
	if rec.Imports == nil {
		rec.Imports = []string{}
	}
	s.packages[pep508.NormalizeName(rec.Name)] = rec
	return s.write()
}

// write serializes the manifest in canonical form so an unchanged store
// produces byte-identical output, and replaces the file atomically.
func (s *Store) write() error {
	encoded, err := json.Marshal(s.packages)
	if err != nil {
		return err
	}
	s.doc["packages"] = encoded

	data, err := json.Marshal(s.doc)
	if err != nil {
		return err
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return fmt.Errorf("canonicalizing %s: %w", s.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, canonical, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
