package wasmsite

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airgap-tools/wasmsite/internal/lockfile"
	"github.com/airgap-tools/wasmsite/internal/report"
)

const workerJS = "self.lockFileURL:`https://wasm.marimo.app/pyodide-lock.json?v=${e.version}`;" +
	"indexURL:`https://cdn.jsdelivr.net/pyodide/${e.pyodideVersion}/full/`;" +
	`importScripts("https://cdn.jsdelivr.net/pyodide/v0.26.2/full/pyodide.js");`

const actionsJS = `[{icon:V,label:"Publish HTML to web",hidden:!H,handle:_}]`

const modeJS = `import{d as ke,nt}from"./jotai-B12.js";` +
	`const dt=ke({mode:"not-set",cellAnchor:null});nt.get(dt);` +
	`export{dt as a};`

const layoutJS = `import{p as we,rt}from"./useEvent-Qq.js";` +
	`const Vt=we({selectedLayout:"vertical",cells:[]});rt.get(Vt);` +
	`var Ft=Promise.all([import("./a.js")]);` +
	`const cfg={valueAtom:Vt,name:"layout"};` +
	`var wr=function(){return Zt.serializeLayout(rt.get(Vt))};` +
	`export{Vt as l,wr as s};`

const shareJS = `function Fs(w){let{code:y,baseUrl:C="https://marimo.app"}=w,g=new URL(C);` +
	"return y&&(g.hash=`#code/${(0,E.compressToEncodedURIComponent)(y)}`),g.href}"

const notebookHTML = `<html><head>` +
	`<link href="https://fonts.googleapis.com/css2?family=Fira+Mono:wght@400&display=swap" rel="stylesheet">` +
	`</head><body><marimo-code hidden="">import%20marimo</marimo-code></body></html>`

// exportedSite lays out a multi-notebook export with a pre-seeded
// distribution so no tarball download happens.
func exportedSite(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"index.html":                      `<html><body>listing</body></html>`,
		"nb/index.html":                   notebookHTML,
		"nb/assets/worker-abc.js":         workerJS,
		"assets/useNotebookActions-C9.js": actionsJS,
		"assets/mode-Cc.js":               modeJS,
		"assets/layout-Bb.js":             layoutJS,
		"assets/share-Aa.js":              shareJS,
		"pyodide/pyodide.mjs":             "export{}",
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func wheelBytes(t *testing.T, name, version string) []byte {
	t.Helper()
	underscored := strings.ReplaceAll(name, "-", "_")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := map[string]string{
		underscored + "/__init__.py": "",
		fmt.Sprintf("%s-%s.dist-info/METADATA", underscored, version): fmt.Sprintf(
			"Metadata-Version: 2.1\nName: %s\nVersion: %s\n", name, version),
		fmt.Sprintf("%s-%s.dist-info/top_level.txt", underscored, version): underscored + "\n",
	}
	for entry, content := range entries {
		w, err := zw.Create(entry)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeIndexServer serves one package "alpha" 1.2 with a pure wheel.
func fakeIndexServer(t *testing.T) *httptest.Server {
	t.Helper()
	wheelData := wheelBytes(t, "alpha", "1.2")
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/pypi/alpha/json":
			doc := map[string]any{
				"info": map[string]any{"name": "alpha", "version": "1.2"},
				"releases": map[string]any{
					"1.2": []map[string]any{{
						"filename":    "alpha-1.2-py3-none-any.whl",
						"url":         srv.URL + "/files/alpha-1.2-py3-none-any.whl",
						"packagetype": "bdist_wheel",
					}},
				},
			}
			_ = json.NewEncoder(w).Encode(doc)
		case r.URL.Path == "/files/alpha-1.2-py3-none-any.whl":
			_, _ = w.Write(wheelData)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildEndToEnd(t *testing.T) {
	site := exportedSite(t)
	srv := fakeIndexServer(t)

	cfgDir := t.TempDir()
	cfgPath := filepath.Join(cfgDir, "pip.conf")
	if err := os.WriteFile(cfgPath, []byte("[global]\nindex-url = "+srv.URL+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reqPath := filepath.Join(cfgDir, "requirements.in")
	if err := os.WriteFile(reqPath, []byte("alpha>=1.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Build(context.Background(), Options{
		SiteDir:          site,
		RequirementsFile: reqPath,
		ConfigFile:       cfgPath,
	})
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, res.Report.Render())
	}
	if len(res.ResolutionFailures) != 0 {
		t.Fatalf("resolution failures: %v", res.ResolutionFailures)
	}
	if res.PyodideVersion != "0.26.2" {
		t.Errorf("detected version = %s, want 0.26.2", res.PyodideVersion)
	}
	if res.SingleNotebook {
		t.Error("multi-notebook site detected as single")
	}

	// Patched worker has no CDN references left.
	worker, err := os.ReadFile(filepath.Join(site, "nb/assets/worker-abc.js"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(worker), "cdn.jsdelivr.net") {
		t.Error("CDN URL left in worker")
	}

	// Requirement closure registered and on disk.
	store, err := lockfile.Open(filepath.Join(site, "pyodide", "pyodide-lock.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Lookup("alpha"); !ok {
		t.Error("alpha missing from manifest")
	}
	if _, err := os.Stat(filepath.Join(site, "pyodide", "alpha-1.2-py3-none-any.whl")); err != nil {
		t.Error("alpha wheel not in distribution directory")
	}

	// Host integration files.
	if _, err := os.Stat(filepath.Join(site, ".nojekyll")); err != nil {
		t.Error(".nojekyll missing")
	}
	if _, err := os.Stat(filepath.Join(site, "_headers")); err != nil {
		t.Error("_headers missing")
	}
	index, err := os.ReadFile(filepath.Join(site, "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(index), `href="nb/index.html"`) {
		t.Error("listing page does not link the notebook")
	}
}

func TestBuildSkipsMalformedRequirementLine(t *testing.T) {
	site := exportedSite(t)
	srv := fakeIndexServer(t)

	cfgDir := t.TempDir()
	cfgPath := filepath.Join(cfgDir, "pip.conf")
	if err := os.WriteFile(cfgPath, []byte("[global]\nindex-url = "+srv.URL+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reqPath := filepath.Join(cfgDir, "requirements.in")
	if err := os.WriteFile(reqPath, []byte("alpha>=1.0\n???not-a-requirement\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Build(context.Background(), Options{
		SiteDir:          site,
		RequirementsFile: reqPath,
		ConfigFile:       cfgPath,
	})
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, res.Report.Render())
	}
	if len(res.ResolutionFailures) != 1 {
		t.Fatalf("resolution failures = %v, want one for the bad line", res.ResolutionFailures)
	}
	if res.ResolutionFailures[0].Requirement != "???not-a-requirement" {
		t.Errorf("failure names %q, want the malformed line", res.ResolutionFailures[0].Requirement)
	}
	store, err := lockfile.Open(filepath.Join(site, "pyodide", "pyodide-lock.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Lookup("alpha"); !ok {
		t.Error("alpha missing: valid sibling line should still resolve")
	}
}

func TestBuildFailsFastBeforeNetwork(t *testing.T) {
	// A site with no patchable files fails at the first checkpoint; the
	// unreachable requirements file must never be consulted.
	site := t.TempDir()
	if err := os.WriteFile(filepath.Join(site, "app.js"), []byte(`var v="0.26.2";`), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Build(context.Background(), Options{
		SiteDir:          site,
		RequirementsFile: filepath.Join(site, "does-not-exist.in"),
	})
	var failure *report.FailureError
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want *report.FailureError", err)
	}
	if res.Report.Empty() {
		t.Fatal("report empty despite checkpoint failure")
	}
	if _, statErr := os.Stat(filepath.Join(site, "pyodide")); !os.IsNotExist(statErr) {
		t.Error("distribution work started despite failed checkpoint")
	}
}

func TestBuildDetectsSingleNotebook(t *testing.T) {
	site := t.TempDir()
	files := map[string]string{
		"index.html":           notebookHTML,
		"assets/worker-abc.js": workerJS,
		"assets/mode-Cc.js":    modeJS,
		"assets/layout-Bb.js":  layoutJS,
		"assets/share-Aa.js":   shareJS,
		"assets/actions.js":    actionsJS,
		"pyodide/pyodide.mjs":  "export{}",
	}
	for rel, content := range files {
		path := filepath.Join(site, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := Build(context.Background(), Options{SiteDir: site})
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, res.Report.Render())
	}
	if !res.SingleNotebook {
		t.Error("single-notebook site not detected")
	}
	worker, err := os.ReadFile(filepath.Join(site, "assets/worker-abc.js"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(worker), "indexURL:`../pyodide/`") {
		t.Error("single-notebook relative depth not applied")
	}
}
