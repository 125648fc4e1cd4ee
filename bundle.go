// Package wasmsite turns an exported WASM notebook site plus a Pyodide
// distribution into a self-contained, network-independent deployment bundle.
//
// A build runs in phases: patch the generated assets, check the failure
// report (fail fast before any network work), fetch the distribution and the
// requirement closure, then verify the tree and check the report again.
package wasmsite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airgap-tools/wasmsite/client"
	"github.com/airgap-tools/wasmsite/fetch"
	"github.com/airgap-tools/wasmsite/internal/dist"
	"github.com/airgap-tools/wasmsite/internal/lockfile"
	"github.com/airgap-tools/wasmsite/internal/patch"
	"github.com/airgap-tools/wasmsite/internal/pypi"
	"github.com/airgap-tools/wasmsite/internal/report"
	"github.com/airgap-tools/wasmsite/internal/requirements"
	"github.com/airgap-tools/wasmsite/internal/resolver"
	"github.com/airgap-tools/wasmsite/internal/verify"
	"github.com/airgap-tools/wasmsite/internal/wheel"
)

// Options configure a bundle build.
type Options struct {
	// SiteDir is the exported asset tree, patched in place.
	SiteDir string
	// RequirementsFile lists extra packages to bundle. Empty skips the
	// requirement closure.
	RequirementsFile string
	// ConfigFile is an optional pip.conf providing an alternate index URL
	// and/or proxy.
	ConfigFile string
	// PyodideVersion overrides detection from the exported JS.
	PyodideVersion string
	// StrictConstraints fails resolution branches on unparseable version
	// constraints instead of treating them as satisfied.
	StrictConstraints bool
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Result describes a finished (or checkpoint-failed) build.
type Result struct {
	// Report holds every patch and verification failure. Non-empty at a
	// checkpoint means the build failed.
	Report *report.Collector
	// PyodideVersion is the distribution version the bundle targets.
	PyodideVersion string
	// PyodideDir is where the distribution and bundled wheels live.
	PyodideDir string
	// SingleNotebook is true when the site root itself is the notebook.
	SingleNotebook bool
	// ResolutionFailures lists requirement branches that could not be
	// resolved. Branch failures alone do not fail the build; a missing
	// top-level package surfaces through verification.
	ResolutionFailures []resolver.BranchError
}

// Build runs the full pipeline. A returned *report.FailureError means a
// checkpoint found recorded failures; any other error is a hard I/O or
// configuration failure that aborted the run.
func Build(ctx context.Context, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	col := &report.Collector{}
	res := &Result{Report: col}

	if opts.SiteDir == "" {
		return res, fmt.Errorf("site directory not set")
	}
	res.SingleNotebook = singleNotebook(opts.SiteDir)

	version := opts.PyodideVersion
	if version == "" {
		v, err := dist.DetectVersion(opts.SiteDir)
		if err != nil {
			return res, err
		}
		version = v
	}
	res.PyodideVersion = version
	logger.Info("building bundle", "site", opts.SiteDir, "pyodide", version, "single_notebook", res.SingleNotebook)

	// Phase 1: patch the generated assets.
	rules := patch.Rules(patch.Options{PyodideVersion: version, SingleNotebook: res.SingleNotebook})
	if err := patch.Apply(opts.SiteDir, rules, col, logger); err != nil {
		return res, err
	}
	// Fail fast before any network-bound work.
	if err := col.Err(); err != nil {
		return res, err
	}

	// Phase 2: distribution and requirement closure.
	cfg, err := client.LoadConfig(opts.ConfigFile)
	if err != nil {
		return res, err
	}
	fetcher := fetch.NewCircuitBreakerFetcher(fetch.NewFetcher(fetch.WithProxy(cfg.Proxy)))

	pyodideDir, err := dist.Ensure(ctx, fetcher, version, opts.SiteDir, logger)
	if err != nil {
		return res, err
	}
	res.PyodideDir = pyodideDir

	var reqs []requirements.Requirement
	var store *lockfile.Store
	if opts.RequirementsFile != "" {
		var malformed []requirements.Malformed
		reqs, malformed, err = requirements.ParseFile(opts.RequirementsFile)
		if err != nil {
			return res, err
		}
		// A bad line fails its own branch, not the run.
		for _, m := range malformed {
			logger.Warn("skipping malformed requirement", "line", m.Line, "requirement", m.Raw, "error", m.Err)
			res.ResolutionFailures = append(res.ResolutionFailures, resolver.BranchError{Requirement: m.Raw, Err: m.Err})
		}
		store, err = lockfile.Open(filepath.Join(pyodideDir, "pyodide-lock.json"))
		if err != nil {
			return res, err
		}

		registry := pypi.New(cfg.IndexURL, client.FromConfig(cfg))
		builder := &wheel.Builder{ConfigFile: opts.ConfigFile}
		r := resolver.New(registry, fetcher, builder, store, resolver.Options{
			WheelDir:          pyodideDir,
			StrictConstraints: opts.StrictConstraints,
			Logger:            logger,
		})
		failures, err := r.Resolve(ctx, reqs)
		if err != nil {
			return res, err
		}
		res.ResolutionFailures = append(res.ResolutionFailures, failures...)
	}

	// Phase 3: host integration files.
	if err := dist.WriteSentinels(opts.SiteDir); err != nil {
		return res, err
	}
	if !res.SingleNotebook {
		if err := dist.WriteIndexPage(opts.SiteDir, notebookDirs(opts.SiteDir)); err != nil {
			return res, err
		}
	}

	// Phase 4: verify postconditions.
	if err := verify.Tree(opts.SiteDir, verify.DefaultMarkers(), col, logger); err != nil {
		return res, err
	}
	if opts.RequirementsFile != "" {
		verify.LockCompleteness(store, reqs, col)
	}
	return res, col.Err()
}

// singleNotebook reports whether the site root itself is a notebook page, as
// opposed to a listing over per-notebook subdirectories.
func singleNotebook(siteDir string) bool {
	data, err := os.ReadFile(filepath.Join(siteDir, "index.html"))
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "<marimo-code")
}

// notebookDirs lists the subdirectories that hold one notebook each.
func notebookDirs(siteDir string) []string {
	entries, err := os.ReadDir(siteDir)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		switch e.Name() {
		case "pyodide", "vendor", "fonts", "assets":
			continue
		}
		if _, err := os.Stat(filepath.Join(siteDir, e.Name(), "index.html")); err == nil {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs
}
