package wheel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrNotPortable marks a built wheel that contains compiled extensions and
// cannot run in a WebAssembly interpreter.
var ErrNotPortable = errors.New("built wheel is not architecture-independent")

// Builder builds wheels from source-control references by shelling out to pip.
type Builder struct {
	// Pip is the pip executable to invoke. Defaults to "pip".
	Pip string
	// ConfigFile, when set, is exported as PIP_CONFIG_FILE so the build
	// honors the same index and proxy settings as the rest of the bundle.
	ConfigFile string
}

// BuildResult describes a wheel placed in the destination directory.
type BuildResult struct {
	Path string
	Meta *Metadata
}

// Build runs "pip wheel --no-deps" against a VCS URL in a scratch directory,
// rejects non-portable output, and moves the wheel into destDir.
func (b *Builder) Build(ctx context.Context, vcsURL, destDir string) (*BuildResult, error) {
	pip := b.Pip
	if pip == "" {
		pip = "pip"
	}

	scratch, err := os.MkdirTemp("", "wasmsite-wheel-*")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	cmd := exec.CommandContext(ctx, pip, "wheel", "--no-deps", "--wheel-dir", scratch, vcsURL)
	cmd.Env = os.Environ()
	if b.ConfigFile != "" {
		cmd.Env = append(cmd.Env, "PIP_CONFIG_FILE="+b.ConfigFile)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pip wheel %s: %w\n%s", vcsURL, err, out)
	}

	wheels, err := filepath.Glob(filepath.Join(scratch, "*.whl"))
	if err != nil {
		return nil, err
	}
	if len(wheels) == 0 {
		return nil, fmt.Errorf("pip wheel %s produced no wheel", vcsURL)
	}
	built := wheels[0]

	pure, err := IsPure(built)
	if err != nil {
		return nil, err
	}
	if !pure {
		return nil, fmt.Errorf("building %s: %w", vcsURL, ErrNotPortable)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	dest := filepath.Join(destDir, filepath.Base(built))
	if err := copyFile(built, dest); err != nil {
		return nil, err
	}

	meta, err := ReadMetadata(dest)
	if err != nil {
		return nil, err
	}
	return &BuildResult{Path: dest, Meta: meta}, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
