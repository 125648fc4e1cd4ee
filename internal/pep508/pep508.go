// Package pep508 parses dependency requirement strings and evaluates their
// environment markers against a fixed target environment.
package pep508

import (
	"fmt"
	"regexp"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

var (
	nameRegex     = regexp.MustCompile(`^([A-Za-z0-9][-A-Za-z0-9._]*[A-Za-z0-9]|[A-Za-z0-9])`)
	extrasRegex   = regexp.MustCompile(`^\s*\[([^\]]*)\]`)
	separatorRuns = regexp.MustCompile(`[-_.]+`)
	preReleaseRe  = regexp.MustCompile(`(?i)[0-9](a|b|c|rc|alpha|beta|pre|preview)[0-9]*|[._-]dev[0-9]*|\.dev`)
)

// NormalizeName folds a distribution name to its canonical form:
// lowercase with runs of "-", "_" and "." collapsed to a single "-".
func NormalizeName(name string) string {
	return separatorRuns.ReplaceAllString(strings.ToLower(name), "-")
}

// Requirement is one parsed dependency requirement.
type Requirement struct {
	Name      string   // as written
	Key       string   // normalized name
	Extras    []string // requested extras, if any
	Specifier string   // version specifier set, "" if unconstrained
	Marker    string   // environment marker expression, "" if none
	Origin    string   // the raw input string, kept for diagnostics
}

// ParseRequirement parses a requirement string such as
// "narwhals[extra1]>=2.0,<3 ; python_version >= '3.10'".
func ParseRequirement(s string) (Requirement, error) {
	req := Requirement{Origin: s}

	parts := strings.SplitN(s, ";", 2)
	rest := strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		req.Marker = strings.TrimSpace(parts[1])
	}

	match := nameRegex.FindString(rest)
	if match == "" {
		return Requirement{}, fmt.Errorf("invalid requirement %q", s)
	}
	req.Name = match
	req.Key = NormalizeName(match)
	rest = rest[len(match):]

	if m := extrasRegex.FindStringSubmatch(rest); m != nil {
		for _, e := range strings.Split(m[1], ",") {
			if e = strings.TrimSpace(e); e != "" {
				req.Extras = append(req.Extras, e)
			}
		}
		rest = rest[len(m[0]):]
	}

	rest = strings.TrimSpace(rest)
	rest = strings.TrimSpace(strings.Trim(rest, "()"))
	if rest != "" && !strings.ContainsAny(rest[:1], "<>=!~") {
		return Requirement{}, fmt.Errorf("invalid version specifier in %q", s)
	}
	req.Specifier = rest

	return req, nil
}

// CheckSpecifier reports whether version satisfies the specifier set.
// An empty specifier is always satisfied. Unparseable versions or
// specifiers return an error; callers decide the lenient/strict policy.
func CheckSpecifier(specifier, version string) (bool, error) {
	if strings.TrimSpace(specifier) == "" {
		return true, nil
	}
	v, err := pep440.Parse(version)
	if err != nil {
		return false, fmt.Errorf("parsing version %q: %w", version, err)
	}
	spec, err := pep440.NewSpecifiers(specifier)
	if err != nil {
		return false, fmt.Errorf("parsing specifier %q: %w", specifier, err)
	}
	return spec.Check(v), nil
}

// ValidateSpecifier reports whether the specifier set itself parses.
// An empty specifier is valid.
func ValidateSpecifier(specifier string) error {
	if strings.TrimSpace(specifier) == "" {
		return nil
	}
	if _, err := pep440.NewSpecifiers(specifier); err != nil {
		return fmt.Errorf("parsing specifier %q: %w", specifier, err)
	}
	return nil
}

// ValidateVersion reports whether the version string parses as a PEP 440
// version.
func ValidateVersion(version string) error {
	if _, err := pep440.Parse(version); err != nil {
		return fmt.Errorf("parsing version %q: %w", version, err)
	}
	return nil
}

// CompareVersions orders two version strings, returning -1, 0 or 1.
func CompareVersions(a, b string) (int, error) {
	va, err := pep440.Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := pep440.Parse(b)
	if err != nil {
		return 0, err
	}
	switch {
	case va.LessThan(vb):
		return -1, nil
	case va.GreaterThan(vb):
		return 1, nil
	default:
		return 0, nil
	}
}

// IsPreRelease reports whether a version string denotes a pre-release or
// development release.
func IsPreRelease(version string) bool {
	return preReleaseRe.MatchString(version)
}
