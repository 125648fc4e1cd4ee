// Package wheel reads metadata out of wheel archives and builds wheels
// from source-control references.
package wheel

import (
	"archive/zip"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/airgap-tools/wasmsite/internal/pep508"
)

// Metadata is the subset of wheel metadata the resolver needs.
type Metadata struct {
	Name         string
	Version      string
	RequiresDist []string // raw dependency requirement strings
	Imports      []string // importable top-level module names
}

// ReadMetadata extracts name, version, declared dependencies and importable
// module names from a wheel file.
func ReadMetadata(path string) (*Metadata, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening wheel %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	meta := &Metadata{}

	text, err := readEntry(&r.Reader, ".dist-info/METADATA")
	if err != nil {
		return nil, fmt.Errorf("wheel %s: %w", path, err)
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break // end of headers, the long description follows
		}
		switch {
		case strings.HasPrefix(line, "Name:"):
			meta.Name = strings.TrimSpace(line[len("Name:"):])
		case strings.HasPrefix(line, "Version:"):
			meta.Version = strings.TrimSpace(line[len("Version:"):])
		case strings.HasPrefix(line, "Requires-Dist:"):
			meta.RequiresDist = append(meta.RequiresDist, strings.TrimSpace(line[len("Requires-Dist:"):]))
		}
	}
	if meta.Name == "" || meta.Version == "" {
		return nil, fmt.Errorf("wheel %s: METADATA missing Name or Version", path)
	}

	meta.Imports = readImports(&r.Reader, meta.Name)
	return meta, nil
}

// readImports derives importable top-level names: prefer the explicit
// top_level.txt, fall back to top-level archive entries, and finally to the
// distribution name itself.
func readImports(r *zip.Reader, name string) []string {
	if text, err := readEntry(r, ".dist-info/top_level.txt"); err == nil {
		var imports []string
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				imports = append(imports, line)
			}
		}
		if len(imports) > 0 {
			return imports
		}
	}

	seen := make(map[string]bool)
	for _, entry := range r.File {
		idx := strings.Index(entry.Name, "/")
		if idx <= 0 {
			continue
		}
		top := entry.Name[:idx]
		if strings.HasSuffix(top, ".dist-info") || strings.HasSuffix(top, ".data") {
			continue
		}
		seen[top] = true
	}
	if len(seen) > 0 {
		imports := make([]string, 0, len(seen))
		for top := range seen {
			imports = append(imports, top)
		}
		sort.Strings(imports)
		return imports
	}

	return []string{strings.ReplaceAll(pep508.NormalizeName(name), "-", "_")}
}

func readEntry(r *zip.Reader, suffix string) (string, error) {
	for _, entry := range r.File {
		if !strings.HasSuffix(entry.Name, suffix) {
			continue
		}
		f, err := entry.Open()
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return "", fmt.Errorf("no %s entry", suffix)
}

// IsPure reports whether the wheel at path is architecture-independent:
// first by its filename tag, then by the Tag lines in its WHEEL metadata.
func IsPure(path string) (bool, error) {
	if hasPureFilename(path) {
		return true, nil
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		return false, fmt.Errorf("opening wheel %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	text, err := readEntry(&r.Reader, ".dist-info/WHEEL")
	if err != nil {
		return false, fmt.Errorf("wheel %s: %w", path, err)
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "Tag: py3-none-any" || line == "Tag: py2.py3-none-any" {
			return true, nil
		}
	}
	return false, nil
}

func hasPureFilename(path string) bool {
	return strings.HasSuffix(path, "-py3-none-any.whl") ||
		strings.HasSuffix(path, "-py2.py3-none-any.whl")
}
