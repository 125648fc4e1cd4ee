// Package verify certifies a patched site tree against explicit
// postconditions: no forbidden external origins remain, and every patch left
// its required marker behind.
package verify

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/airgap-tools/wasmsite/internal/lockfile"
	"github.com/airgap-tools/wasmsite/internal/report"
	"github.com/airgap-tools/wasmsite/internal/requirements"
)

// forbiddenDomains are origins a self-contained bundle must never reference.
var forbiddenDomains = []string{
	"cdn.jsdelivr.net",
	"fonts.googleapis.com",
	"fonts.gstatic.com",
	"wasm.marimo.app",
}

// allowedURLs are known-safe references that degrade gracefully offline:
// MathJax is probed but never loaded (KaTeX is bundled), and Lucide icon
// fetches fail silently in the edit-mode icon picker.
var allowedURLs = []string{
	"cdn.jsdelivr.net/npm/mathjax-full@",
	"cdn.jsdelivr.net/npm/lucide-static@",
}

// MarkerRule requires a substring to appear in at least one file matching
// the glob.
type MarkerRule struct {
	Glob        string
	Marker      string
	Description string
}

// DefaultMarkers returns the postcondition set for the standard patch rules.
func DefaultMarkers() []MarkerRule {
	return []MarkerRule{
		{"**/share-*.js", "Notebook still loading", "share-link error fallback"},
		{"**/share-*.js", "__marimoGetSerializedLayout", "layout embed in share"},
		{"**/layout-*.js", "__marimoGetSerializedLayout", "layout global exposure"},
		{"**/mode-*.js", "view-as", "mode URL sync"},
		{"**/layout-*.js", "searchParams", "layout URL sync"},
		{"**/index.html", "data-marimo-share", "share-link hash handler"},
	}
}

var scanExts = map[string]bool{".js": true, ".mjs": true, ".html": true, ".css": true}

var vendorPrefixes = []string{"pyodide/", "vendor/", "fonts/"}

func vendored(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range vendorPrefixes {
		if strings.HasPrefix(rel, p) {
			return true
		}
	}
	return false
}

var rePublishHidden = regexp.MustCompile(`label:"Publish HTML to web",hidden:([^,]+)`)

// Tree runs the negative and positive scans over the tree rooted at root,
// appending every violation to col. The returned error is reserved for
// filesystem failures.
func Tree(root string, markers []MarkerRule, col *report.Collector, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := scanForbidden(root, col); err != nil {
		return err
	}
	if err := scanMarkers(root, markers, col); err != nil {
		return err
	}
	logger.Info("verified tree", "root", root, "violations", col.Len())
	return nil
}

func scanForbidden(root string, col *report.Collector) error {
	domainRes := make(map[string]*regexp.Regexp, len(forbiddenDomains))
	for _, d := range forbiddenDomains {
		domainRes[d] = regexp.MustCompile("https://" + regexp.QuoteMeta(d) + "[^\\s\"'`\\\\)]*")
	}

	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if vendored(rel) || !scanExts[filepath.Ext(path)] {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		text := string(data)

		for _, domain := range forbiddenDomains {
			if !strings.Contains(text, "https://"+domain) {
				continue
			}
			for _, loc := range domainRes[domain].FindAllStringIndex(text, -1) {
				url := text[loc[0]:loc[1]]
				if allowed(url) {
					continue
				}
				line := strings.Count(text[:loc[0]], "\n") + 1
				col.Add("verify-cdn", "leftover CDN URL (%s) in %s:%d: %s", domain, rel, line, truncate(url, 120))
				break
			}
		}

		// The share function must not fall back to the public notebook
		// host.
		base := filepath.Base(rel)
		if strings.HasPrefix(base, "share-") && strings.HasSuffix(base, ".js") &&
			strings.Contains(text, `"https://marimo.app"`) {
			col.Add("verify-cdn", "hardcoded marimo.app URL still in %s", rel)
		}

		// The external-publish menu item must be forced hidden.
		if strings.HasSuffix(base, ".js") && strings.Contains(text, "Publish HTML to web") {
			if m := rePublishHidden.FindStringSubmatch(text); m != nil && m[1] != "!0" {
				col.Add("verify-publish", "publish button not hidden in %s (hidden:%s)", rel, m[1])
			}
		}
		return nil
	})
}

func allowed(url string) bool {
	for _, a := range allowedURLs {
		if strings.Contains(url, a) {
			return true
		}
	}
	return false
}

func scanMarkers(root string, markers []MarkerRule, col *report.Collector) error {
	fsys := os.DirFS(root)
	for _, rule := range markers {
		matches, err := doublestar.Glob(fsys, rule.Glob)
		if err != nil {
			return fmt.Errorf("glob %q: %w", rule.Glob, err)
		}
		var files []string
		for _, rel := range matches {
			if !vendored(rel) {
				files = append(files, rel)
			}
		}
		if len(files) == 0 {
			col.Add("verify-markers", "no files matching %s; cannot verify %s", rule.Glob, rule.Description)
			continue
		}
		found := false
		for _, rel := range files {
			data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			if strings.Contains(string(data), rule.Marker) {
				found = true
				break
			}
		}
		if !found {
			col.Add("verify-markers", "missing marker for %q (expected %q in %s)", rule.Description, rule.Marker, rule.Glob)
		}
	}
	return nil
}

// LockCompleteness checks that every index-resolved top-level requirement
// made it into the manifest. VCS requirements register under the name the
// built wheel declares, so they cannot be checked by requirement line.
func LockCompleteness(store *lockfile.Store, reqs []requirements.Requirement, col *report.Collector) {
	if store == nil {
		col.Add("verify-packages", "pyodide-lock.json not found")
		return
	}
	for _, req := range reqs {
		if req.Kind != requirements.Index {
			continue
		}
		if _, ok := store.Lookup(req.Spec.Name); !ok {
			col.Add("verify-packages", "package %q not in manifest", req.Spec.Name)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
