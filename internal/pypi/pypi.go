// Package pypi provides the package index client used by the resolver.
//
// The resolver targets exactly one sandbox environment, so only the JSON
// project API and pure-Python (architecture-independent) wheels are
// supported.
package pypi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/airgap-tools/wasmsite/client"
	"github.com/airgap-tools/wasmsite/internal/pep508"
)

// DefaultURL is the public package index.
const DefaultURL = "https://pypi.org"

// ErrNoPortableWheel is returned when no release in range carries an
// architecture-independent wheel.
var ErrNoPortableWheel = errors.New("no portable wheel satisfies requirement")

// Registry fetches project metadata from a package index.
type Registry struct {
	baseURL string
	client  *client.Client
}

// New creates an index client. An empty baseURL uses the public index.
func New(baseURL string, c *client.Client) *Registry {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if c == nil {
		c = client.DefaultClient()
	}
	return &Registry{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  c,
	}
}

// Project is the index metadata document for one package.
type Project struct {
	Info     Info                     `json:"info"`
	Releases map[string][]ReleaseFile `json:"releases"`
}

// Info is the package-level metadata block.
type Info struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	RequiresDist []string `json:"requires_dist"`
}

// ReleaseFile is one downloadable file of a release.
type ReleaseFile struct {
	Filename    string            `json:"filename"`
	URL         string            `json:"url"`
	Digests     map[string]string `json:"digests"`
	Yanked      bool              `json:"yanked"`
	PackageType string            `json:"packagetype"`
}

// FetchProject retrieves the full project document for a package.
func (r *Registry) FetchProject(ctx context.Context, name string) (*Project, error) {
	url := fmt.Sprintf("%s/pypi/%s/json", r.baseURL, name)

	var proj Project
	if err := r.client.GetJSON(ctx, url, &proj); err != nil {
		var httpErr *client.HTTPError
		if errors.As(err, &httpErr) && httpErr.IsNotFound() {
			return nil, &client.NotFoundError{Name: name}
		}
		return nil, err
	}
	return &proj, nil
}

// IsPureWheel reports whether a wheel filename declares an
// architecture/interpreter-independent build.
func IsPureWheel(filename string) bool {
	return strings.HasSuffix(filename, "-py3-none-any.whl") ||
		strings.HasSuffix(filename, "-py2.py3-none-any.whl")
}

// PureWheel returns the first non-yanked portable wheel in files, or nil.
func PureWheel(files []ReleaseFile) *ReleaseFile {
	for i := range files {
		if files[i].Yanked {
			continue
		}
		if IsPureWheel(files[i].Filename) {
			return &files[i]
		}
	}
	return nil
}

// SelectVersion picks the release to bundle: the reported latest version
// when it is in range and has a portable wheel, otherwise the maximum
// in-range non-pre-release version with a portable wheel. Only the fallback
// scan excludes pre-releases; a pre-release reported as latest is taken at
// the index's word.
//
// In lenient mode an unparseable specifier is ignored; in strict mode it
// fails the selection. Releases with unparseable version strings are
// skipped either way.
func (p *Project) SelectVersion(specifier string, lenient bool) (string, *ReleaseFile, error) {
	if err := pep508.ValidateSpecifier(specifier); err != nil {
		if !lenient {
			return "", nil, err
		}
		specifier = ""
	}

	if latest := p.Info.Version; latest != "" {
		if ok, err := pep508.CheckSpecifier(specifier, latest); err == nil && ok {
			if wheel := PureWheel(p.Releases[latest]); wheel != nil {
				return latest, wheel, nil
			}
			// Latest is in range but has no portable wheel; scan the
			// remaining releases.
		}
	}

	var bestVersion string
	var bestWheel *ReleaseFile
	for ver, files := range p.Releases {
		if pep508.ValidateVersion(ver) != nil || pep508.IsPreRelease(ver) {
			continue
		}
		ok, err := pep508.CheckSpecifier(specifier, ver)
		if err != nil || !ok {
			continue
		}
		wheel := PureWheel(files)
		if wheel == nil {
			continue
		}
		if bestVersion == "" {
			bestVersion, bestWheel = ver, wheel
			continue
		}
		if cmp, err := pep508.CompareVersions(ver, bestVersion); err == nil && cmp > 0 {
			bestVersion, bestWheel = ver, wheel
		}
	}

	if bestVersion == "" {
		return "", nil, ErrNoPortableWheel
	}
	return bestVersion, bestWheel, nil
}
