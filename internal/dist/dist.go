// Package dist manages the Pyodide interpreter distribution: detecting the
// version the export targets, downloading and unpacking the release tarball,
// and writing the host-integration files beside it.
package dist

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/airgap-tools/wasmsite/fetch"
)

// ErrVersionNotFound means no exported JS file revealed which interpreter
// version the export was generated against.
var ErrVersionNotFound = errors.New("could not detect pyodide version from exported assets")

var (
	reCDNVersion = regexp.MustCompile(`cdn\.jsdelivr\.net/pyodide/v([0-9]+\.[0-9]+\.[0-9]+)/full`)
	// The export may reference the CDN only through template literals; the
	// version then appears as a bare 0.2x.y constant in the worker.
	reVersionConst = regexp.MustCompile("[\"`](0\\.2[0-9]+\\.[0-9]+)[\"`]")
)

// DetectVersion scans exported JS for the interpreter version, preferring
// worker chunks since they contain the loading code.
func DetectVersion(root string) (string, error) {
	var workers, others []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".js") {
			return nil
		}
		if strings.Contains(filepath.Base(path), "worker") {
			workers = append(workers, path)
		} else {
			others = append(others, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	for _, path := range append(workers, others...) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if m := reCDNVersion.FindSubmatch(data); m != nil {
			return string(m[1]), nil
		}
		if m := reVersionConst.FindSubmatch(data); m != nil {
			return string(m[1]), nil
		}
	}
	return "", ErrVersionNotFound
}

// tarballURL returns the release tarball location for a version.
func tarballURL(version string) string {
	return fmt.Sprintf("https://github.com/pyodide/pyodide/releases/download/%s/pyodide-%s.tar.bz2", version, version)
}

// Ensure places the full distribution at outputDir/pyodide, downloading and
// extracting the release tarball unless an interpreter is already present.
func Ensure(ctx context.Context, dl fetch.Downloader, version, outputDir string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pyodideDir := filepath.Join(outputDir, "pyodide")

	for _, entry := range []string{"pyodide.mjs", "pyodide.js"} {
		if _, err := os.Stat(filepath.Join(pyodideDir, entry)); err == nil {
			logger.Info("distribution already present", "dir", pyodideDir)
			return pyodideDir, nil
		}
	}

	tarball := filepath.Join(outputDir, fmt.Sprintf("pyodide-%s.tar.bz2", version))
	logger.Info("downloading distribution", "version", version)
	if _, _, err := dl.Download(ctx, tarballURL(version), tarball); err != nil {
		return "", fmt.Errorf("downloading pyodide %s: %w", version, err)
	}
	defer func() { _ = os.Remove(tarball) }()

	if err := extractBz2(tarball, outputDir); err != nil {
		return "", fmt.Errorf("extracting pyodide %s: %w", version, err)
	}

	// The tarball unpacks to pyodide-{version}/ on some releases and
	// pyodide/ on others.
	if _, err := os.Stat(pyodideDir); errors.Is(err, os.ErrNotExist) {
		versioned := filepath.Join(outputDir, "pyodide-"+version)
		if _, err := os.Stat(versioned); err != nil {
			return "", fmt.Errorf("tarball did not contain a pyodide directory")
		}
		if err := os.Rename(versioned, pyodideDir); err != nil {
			return "", err
		}
	}
	logger.Info("distribution extracted", "dir", pyodideDir)
	return pyodideDir, nil
}

func extractBz2(tarball, destDir string) error {
	f, err := os.Open(tarball)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	tr := tar.NewReader(bzip2.NewReader(f))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		rel := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("tarball entry escapes destination: %s", hdr.Name)
		}
		target := filepath.Join(destDir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and special files are not expected in releases.
		}
	}
}

// coopHeaders is the Netlify/Cloudflare _headers format; the interpreter
// needs COOP/COEP for SharedArrayBuffer.
const coopHeaders = `/*
  Cross-Origin-Opener-Policy: same-origin
  Cross-Origin-Embedder-Policy: require-corp
`

// WriteSentinels creates the host-integration files: .nojekyll so GitHub
// Pages serves underscore-prefixed directories, and _headers for COOP/COEP.
func WriteSentinels(outputDir string) error {
	if err := os.WriteFile(filepath.Join(outputDir, ".nojekyll"), nil, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, "_headers"), []byte(coopHeaders), 0o644)
}

const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>marimo Notebooks</title>
    <style>
        body { font-family: system-ui, sans-serif; max-width: 600px; margin: 2rem auto; padding: 0 1rem; }
        a { color: #2563eb; }
        li { margin: 0.5rem 0; }
    </style>
</head>
<body>
    <h1>marimo Notebooks</h1>
    <ul>
%s
    </ul>
    <p><em>Fully offline — all assets served locally.</em></p>
</body>
</html>
`

// WriteIndexPage writes a listing page linking each notebook subdirectory.
// Callers skip this for single-notebook layouts, where the root index.html
// already is the notebook.
func WriteIndexPage(outputDir string, notebooks []string) error {
	if len(notebooks) == 0 {
		return nil
	}
	var links strings.Builder
	for _, nb := range notebooks {
		name := strings.TrimSuffix(filepath.Base(nb), filepath.Ext(nb))
		fmt.Fprintf(&links, "        <li><a href=%q>%s</a></li>\n", name+"/index.html", name)
	}
	html := fmt.Sprintf(indexPage, strings.TrimRight(links.String(), "\n"))
	return os.WriteFile(filepath.Join(outputDir, "index.html"), []byte(html), 0o644)
}
