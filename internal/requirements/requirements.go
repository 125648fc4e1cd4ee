// Package requirements reads line-oriented requirement lists.
//
// Each non-blank line is one requirement: a PEP 508 requirement string
// ("name>=1.0"), a VCS locator ("git+https://..."), or a package URL
// ("pkg:pypi/name@1.0"). A "#" starts a trailing comment.
package requirements

import (
	"fmt"
	"os"
	"strings"

	"github.com/git-pkgs/purl"

	"github.com/airgap-tools/wasmsite/internal/pep508"
)

// Kind discriminates the two requirement forms.
type Kind int

const (
	// Index requirements are resolved against the package index.
	Index Kind = iota
	// VCS requirements are built from a source-control checkout.
	VCS
)

// Requirement is one parsed requirement-list entry.
type Requirement struct {
	Kind   Kind
	Spec   pep508.Requirement // set for Index requirements
	URL    string             // set for VCS requirements
	Origin string
}

// Malformed is a requirement line that did not parse. Malformed lines are
// skipped so the rest of the list still resolves.
type Malformed struct {
	Line int
	Raw  string
	Err  error
}

func (m Malformed) Error() string {
	return fmt.Sprintf("line %d: %q: %v", m.Line, m.Raw, m.Err)
}

func (m Malformed) Unwrap() error { return m.Err }

// ParseFile reads and parses a requirement list from path. The error covers
// reading the file only; unparseable lines come back as Malformed entries.
func ParseFile(path string) ([]Requirement, []Malformed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	reqs, malformed := Parse(string(data))
	return reqs, malformed, nil
}

// Parse parses a requirement list from its text content. Lines that do not
// parse are collected separately and do not block the lines that do.
func Parse(content string) ([]Requirement, []Malformed) {
	var reqs []Requirement
	var malformed []Malformed
	for i, raw := range strings.Split(content, "\n") {
		line := raw
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		req, err := ParseLine(line)
		if err != nil {
			malformed = append(malformed, Malformed{Line: i + 1, Raw: line, Err: err})
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, malformed
}

// ParseLine parses a single requirement entry.
func ParseLine(line string) (Requirement, error) {
	if strings.HasPrefix(line, "git+") {
		return Requirement{Kind: VCS, URL: line, Origin: line}, nil
	}
	if strings.HasPrefix(line, "pkg:") {
		return parsePURL(line)
	}
	spec, err := pep508.ParseRequirement(line)
	if err != nil {
		return Requirement{}, err
	}
	return Requirement{Kind: Index, Spec: spec, Origin: line}, nil
}

func parsePURL(line string) (Requirement, error) {
	p, err := purl.Parse(line)
	if err != nil {
		return Requirement{}, fmt.Errorf("parsing package URL: %w", err)
	}
	if p.Type != "pypi" {
		return Requirement{}, fmt.Errorf("unsupported package URL type %q", p.Type)
	}
	spec := pep508.Requirement{
		Name:   p.Name,
		Key:    pep508.NormalizeName(p.Name),
		Origin: line,
	}
	if p.Version != "" {
		spec.Specifier = "==" + p.Version
	}
	return Requirement{Kind: Index, Spec: spec, Origin: line}, nil
}
