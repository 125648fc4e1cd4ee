// Package patch rewrites generated notebook assets for air-gapped serving.
//
// Patching is an ordered list of independent rules. Each rule selects files
// by glob, trying progressively broader fallback globs when a narrow one
// touches nothing. A rule that changes no file at all records a failure in
// the report collector instead of aborting; later rules always run.
package patch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/airgap-tools/wasmsite/internal/report"
)

// Transform rewrites one file's content. Returning the input unchanged means
// the pattern did not apply; an error means the file matched the rule's glob
// but its expected structure was missing.
type Transform func(text string) (string, error)

// Pass is one glob-scoped application of a transform. Chain holds fallback
// glob sets: the next set is tried only when the previous one changed no
// file.
type Pass struct {
	Chain     [][]string
	Transform Transform
}

// Rule is a named patch operation. Its name is the step identifier used in
// failure reports.
type Rule struct {
	Name   string
	Passes []Pass
}

// skipDirs are vendored subtrees that must never be patched.
var skipDirs = map[string]bool{
	"pyodide": true,
	"vendor":  true,
	"fonts":   true,
}

func skipped(rel string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if skipDirs[seg] {
			return true
		}
	}
	return false
}

// Apply runs every rule against the tree rooted at root. Pattern mismatches
// accumulate in col; the returned error is reserved for filesystem failures
// that abort the run.
func Apply(root string, rules []Rule, col *report.Collector, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, rule := range rules {
		changed := 0
		for _, pass := range rule.Passes {
			n, err := applyPass(root, rule.Name, pass, col, logger)
			if err != nil {
				return err
			}
			changed += n
		}
		if changed == 0 {
			col.Add(rule.Name, "no files were patched")
			continue
		}
		logger.Info("patched", "rule", rule.Name, "files", changed)
	}
	return nil
}

func applyPass(root, name string, pass Pass, col *report.Collector, logger *slog.Logger) (int, error) {
	fsys := os.DirFS(root)

	for _, globs := range pass.Chain {
		changed := 0
		for _, pattern := range globs {
			matches, err := doublestar.Glob(fsys, pattern)
			if err != nil {
				return 0, fmt.Errorf("glob %q: %w", pattern, err)
			}
			for _, rel := range matches {
				if skipped(rel) {
					continue
				}
				path := filepath.Join(root, filepath.FromSlash(rel))
				info, err := os.Stat(path)
				if err != nil || info.IsDir() {
					continue
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return changed, err
				}
				out, terr := pass.Transform(string(data))
				if terr != nil {
					logger.Warn("patch failed", "rule", name, "file", rel, "error", terr)
					col.Add(name, "%s: %v", rel, terr)
					continue
				}
				if out == string(data) {
					continue
				}
				if err := os.WriteFile(path, []byte(out), info.Mode().Perm()); err != nil {
					return changed, err
				}
				logger.Debug("patched file", "rule", name, "file", rel)
				changed++
			}
		}
		// A fallback glob is only consulted when the narrower one
		// changed nothing.
		if changed > 0 {
			return changed, nil
		}
	}
	return 0, nil
}
