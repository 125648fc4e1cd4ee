// Package resolver computes the dependency closure of a requirement list
// and registers every resolved wheel in the lock manifest.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/airgap-tools/wasmsite/fetch"
	"github.com/airgap-tools/wasmsite/internal/lockfile"
	"github.com/airgap-tools/wasmsite/internal/pep508"
	"github.com/airgap-tools/wasmsite/internal/pypi"
	"github.com/airgap-tools/wasmsite/internal/requirements"
	"github.com/airgap-tools/wasmsite/internal/wheel"
)

// bundled marks a package satisfied by the existing manifest, resolved
// without any network traffic.
const bundled = "bundled"

// BranchError is a non-fatal failure confined to one requirement branch.
// Sibling branches keep resolving.
type BranchError struct {
	Requirement string
	Err         error
}

func (e BranchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Requirement, e.Err)
}

func (e BranchError) Unwrap() error { return e.Err }

// Options configure a resolution run.
type Options struct {
	// WheelDir is where downloaded and built wheels are stored.
	WheelDir string
	// InstallDir is the install-location tag written to each record.
	// Defaults to "site".
	InstallDir string
	// StrictConstraints fails a branch on unparseable specifiers and
	// markers instead of treating them leniently.
	StrictConstraints bool
	// Env is the marker environment dependencies are filtered against.
	// Defaults to the Pyodide target environment.
	Env pep508.Environment
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Resolver resolves requirements depth-first using an explicit worklist.
type Resolver struct {
	registry *pypi.Registry
	dl       fetch.Downloader
	builder  *wheel.Builder
	store    *lockfile.Store
	opts     Options

	// visited maps normalized name to resolved version, or "bundled" for
	// packages already satisfied by the manifest. Shared across branches
	// so diamond dependencies download once.
	visited map[string]string
}

// New creates a resolver over a registry, a downloader, a VCS wheel builder
// and the manifest store.
func New(registry *pypi.Registry, dl fetch.Downloader, builder *wheel.Builder, store *lockfile.Store, opts Options) *Resolver {
	if opts.InstallDir == "" {
		opts.InstallDir = "site"
	}
	if opts.Env == nil {
		opts.Env = pep508.PyodideEnvironment()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		registry: registry,
		dl:       dl,
		builder:  builder,
		store:    store,
		opts:     opts,
		visited:  make(map[string]string),
	}
}

// Visited returns the resolved version (or the bundled sentinel) for a
// package name, if this run touched it.
func (r *Resolver) Visited(name string) (string, bool) {
	v, ok := r.visited[pep508.NormalizeName(name)]
	return v, ok
}

// Resolve processes the requirement list. Branch failures are collected and
// returned; a non-nil error means a fatal filesystem failure that aborted
// the run.
func (r *Resolver) Resolve(ctx context.Context, reqs []requirements.Requirement) ([]BranchError, error) {
	var failures []BranchError

	work := make([]requirements.Requirement, len(reqs))
	copy(work, reqs)

	for len(work) > 0 {
		// Pop from the front so siblings resolve in declaration order;
		// a branch's dependencies are pushed to the front to keep the
		// traversal depth-first.
		req := work[0]
		work = work[1:]

		var deps []requirements.Requirement
		var err error
		if req.Kind == requirements.VCS {
			deps, err = r.resolveVCS(ctx, req)
		} else {
			deps, err = r.resolveIndex(ctx, req)
		}
		if err != nil {
			var fatal *fatalError
			if errors.As(err, &fatal) {
				return failures, fatal.err
			}
			r.opts.Logger.Warn("requirement failed", "requirement", req.Origin, "error", err)
			failures = append(failures, BranchError{Requirement: req.Origin, Err: err})
			continue
		}
		work = append(deps, work...)
	}
	return failures, nil
}

// fatalError wraps filesystem failures that must abort the whole run
// instead of being confined to a branch.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

func (r *Resolver) resolveIndex(ctx context.Context, req requirements.Requirement) ([]requirements.Requirement, error) {
	key := req.Spec.Key
	if key == "" {
		key = pep508.NormalizeName(req.Spec.Name)
	}

	if _, ok := r.visited[key]; ok {
		return nil, nil
	}

	if rec, ok := r.store.Lookup(key); ok {
		satisfied, err := pep508.CheckSpecifier(req.Spec.Specifier, rec.Version)
		if err != nil {
			if r.opts.StrictConstraints {
				return nil, fmt.Errorf("checking bundled version %s: %w", rec.Version, err)
			}
			satisfied = true
		}
		if satisfied {
			r.visited[key] = bundled
			r.opts.Logger.Debug("already bundled", "package", key, "version", rec.Version)
			return nil, nil
		}
	}

	proj, err := r.registry.FetchProject(ctx, key)
	if err != nil {
		return nil, err
	}
	version, file, err := proj.SelectVersion(req.Spec.Specifier, !r.opts.StrictConstraints)
	if err != nil {
		return nil, err
	}
	r.visited[key] = version

	dest := filepath.Join(r.opts.WheelDir, file.Filename)
	if _, err := os.Stat(dest); err != nil {
		if err := r.removeStaleArchives(key, ""); err != nil {
			return nil, &fatalError{err}
		}
		if _, _, err := r.dl.Download(ctx, file.URL, dest); err != nil {
			return nil, fmt.Errorf("downloading %s: %w", file.Filename, err)
		}
		r.opts.Logger.Info("downloaded", "package", key, "version", version, "file", file.Filename)
	}

	return r.register(dest, file.Filename)
}

func (r *Resolver) resolveVCS(ctx context.Context, req requirements.Requirement) ([]requirements.Requirement, error) {
	res, err := r.builder.Build(ctx, req.URL, r.opts.WheelDir)
	if err != nil {
		return nil, err
	}

	key := pep508.NormalizeName(res.Meta.Name)
	if _, ok := r.visited[key]; ok {
		return nil, nil
	}
	r.visited[key] = res.Meta.Version

	filename := filepath.Base(res.Path)
	if err := r.removeStaleArchives(key, filename); err != nil {
		return nil, &fatalError{err}
	}
	r.opts.Logger.Info("built from source", "package", key, "version", res.Meta.Version, "file", filename)

	return r.register(res.Path, filename)
}

// register reads wheel metadata, writes the manifest record, and returns the
// surviving declared dependencies.
func (r *Resolver) register(path, filename string) ([]requirements.Requirement, error) {
	meta, err := wheel.ReadMetadata(path)
	if err != nil {
		return nil, err
	}
	sum, err := sha256File(path)
	if err != nil {
		return nil, &fatalError{err}
	}

	// The manifest always carries the normalized name, whatever casing the
	// wheel metadata declares.
	rec := lockfile.Record{
		Name:        pep508.NormalizeName(meta.Name),
		Version:     meta.Version,
		FileName:    filename,
		InstallDir:  r.opts.InstallDir,
		SHA256:      sum,
		PackageType: "package",
		Depends:     []string{},
		Imports:     meta.Imports,
	}
	if err := r.store.Register(rec); err != nil {
		return nil, &fatalError{fmt.Errorf("persisting manifest: %w", err)}
	}

	return r.filterDependencies(meta), nil
}

// filterDependencies keeps the declared dependencies that apply to the
// target environment. Extras are never requested, so dependencies gated on
// one evaluate false against the environment's empty extra. Unparseable
// requirement and marker strings are dropped with a log line.
func (r *Resolver) filterDependencies(meta *wheel.Metadata) []requirements.Requirement {
	var deps []requirements.Requirement
	for _, raw := range meta.RequiresDist {
		spec, err := pep508.ParseRequirement(raw)
		if err != nil {
			r.opts.Logger.Warn("dropping unparseable dependency", "package", meta.Name, "dependency", raw, "error", err)
			continue
		}
		if len(spec.Extras) > 0 {
			r.opts.Logger.Debug("dropping dependency requesting extras", "package", meta.Name, "dependency", raw)
			continue
		}
		if spec.Marker != "" {
			ok, err := pep508.EvaluateMarker(spec.Marker, r.opts.Env)
			if err != nil {
				r.opts.Logger.Warn("dropping dependency with unparseable marker", "package", meta.Name, "dependency", raw, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		deps = append(deps, requirements.Requirement{
			Kind:   requirements.Index,
			Spec:   spec,
			Origin: raw,
		})
	}
	return deps
}

// removeStaleArchives deletes on-disk wheels for a package so at most one
// archive per package survives an upgrade. Wheel filenames use underscores
// where the normalized name uses hyphens, so both stems are tried.
func (r *Resolver) removeStaleArchives(key, keep string) error {
	stems := []string{
		strings.ReplaceAll(key, "-", "_"),
		key,
	}
	for _, stem := range stems {
		matches, err := filepath.Glob(filepath.Join(r.opts.WheelDir, stem+"-*.whl"))
		if err != nil {
			return err
		}
		for _, match := range matches {
			if keep != "" && filepath.Base(match) == keep {
				continue
			}
			r.opts.Logger.Info("removing stale archive", "file", filepath.Base(match))
			if err := os.Remove(match); err != nil {
				return err
			}
		}
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
