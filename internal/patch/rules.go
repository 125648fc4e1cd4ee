package patch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Options select the path layout the rules rewrite toward.
type Options struct {
	// PyodideVersion is the interpreter distribution version the export
	// references on its CDN.
	PyodideVersion string
	// SingleNotebook is true when the site root itself is the notebook
	// (no per-notebook subdirectories), which shortens relative paths.
	SingleNotebook bool
}

// Rules returns the full ordered patch set. Order matters: the share-links
// rule plants the anchor the layout-embed rule extends.
func Rules(opts Options) []Rule {
	return []Rule{
		cdnURLs(opts),
		publishButton(),
		modeURLSync(),
		layoutURLSync(),
		shareLinks(opts),
		layoutEmbed(),
	}
}

var (
	reLockFileURL = regexp.MustCompile("lockFileURL:\\s*`https://wasm\\.marimo\\.app/pyodide-lock\\.json[^`]*`")
	reIndexURL    = regexp.MustCompile("indexURL:\\s*`https://cdn\\.jsdelivr\\.net/pyodide/[^`]*`")
	reSetCdnURL   = regexp.MustCompile("\\.setCdnUrl\\(`https://cdn\\.jsdelivr\\.net/pyodide/[^`]*`\\)")
	rePyodideCDN  = regexp.MustCompile(`https://cdn\.jsdelivr\.net/pyodide/v[0-9.]+/full/`)
	reFontsCSS    = regexp.MustCompile(`https://fonts\.googleapis\.com/css2\?family=Fira\+Mono[^"'>\s]*`)
	reKatexCDN    = regexp.MustCompile(`https://cdn\.jsdelivr\.net/npm/katex@[0-9.]+/dist/`)
	reShareBase   = regexp.MustCompile(`(baseUrl:\w+=)"https://marimo\.app"`)
)

// cdnURLs rewrites every external CDN reference in generated assets to a
// root-relative local path. Both plain string literals and JS template
// literals (which carry ${...} substitutions) occur in the minified output.
func cdnURLs(opts Options) Rule {
	pyodide := "../../pyodide"
	fonts := "../fonts"
	katex := "../vendor/katex"
	if opts.SingleNotebook {
		pyodide = "../pyodide"
		fonts = "./fonts"
		katex = "./vendor/katex"
	}

	transform := func(text string) (string, error) {
		text = reLockFileURL.ReplaceAllString(text, "lockFileURL:`"+pyodide+"/pyodide-lock.json`")
		text = reIndexURL.ReplaceAllString(text, "indexURL:`"+pyodide+"/`")
		text = reSetCdnURL.ReplaceAllString(text, ".setCdnUrl(`"+pyodide+"/`)")
		if v := opts.PyodideVersion; v != "" {
			text = strings.ReplaceAll(text, "https://cdn.jsdelivr.net/pyodide/v"+v+"/full/", pyodide+"/")
			text = strings.ReplaceAll(text, "https://cdn.jsdelivr.net/pyodide/v"+v+"/full", pyodide)
		}
		text = rePyodideCDN.ReplaceAllString(text, pyodide+"/")
		text = reFontsCSS.ReplaceAllString(text, fonts+"/fonts.css")
		text = strings.ReplaceAll(text, "https://fonts.googleapis.com", "")
		text = strings.ReplaceAll(text, "https://fonts.gstatic.com", "")
		text = reKatexCDN.ReplaceAllString(text, katex+"/")
		text = reShareBase.ReplaceAllString(text, `${1}window.location.href.replace(/#.*/,"")`)
		return text, nil
	}

	return Rule{
		Name: "cdn-urls",
		Passes: []Pass{{
			Chain:     [][]string{{"**/*.js", "**/*.mjs", "**/*.html", "**/*.css"}},
			Transform: transform,
		}},
	}
}

var rePublishHidden = regexp.MustCompile(`(label:"Publish HTML to web",hidden:)[^,]+`)

// publishButton forces the "Publish HTML to web" menu item hidden. The item
// posts notebook HTML to an external host, which an air-gapped deployment
// must never do.
func publishButton() Rule {
	transform := func(text string) (string, error) {
		if !strings.Contains(text, "Publish HTML to web") {
			return text, nil
		}
		return rePublishHidden.ReplaceAllString(text, "${1}!0"), nil
	}

	return Rule{
		Name: "publish-button",
		Passes: []Pass{{
			// The menu lives in a useNotebookActions chunk; fall back to
			// every chunk in case the bundler renamed it.
			Chain:     [][]string{{"**/useNotebookActions-*.js"}, {"**/*.js"}},
			Transform: transform,
		}},
	}
}

var (
	reJotaiImport = regexp.MustCompile(`import\{([^}]+)\}from"\./(?:jotai|useEvent)-[^"]+\.js"`)
	reModeAtom    = regexp.MustCompile(`const (\w+)=\w+\(\{mode:`)
)

// findJotaiStore locates the state store variable in a minified chunk: the
// import from a jotai/useEvent module whose identifier is used with .get().
func findJotaiStore(text string) string {
	for _, m := range reJotaiImport.FindAllStringSubmatch(text, -1) {
		for _, part := range strings.Split(m[1], ",") {
			ident := part
			if idx := strings.LastIndex(part, " as "); idx >= 0 {
				ident = part[idx+len(" as "):]
			}
			ident = strings.TrimSpace(ident)
			if ident == "" {
				continue
			}
			used := regexp.MustCompile(`\b` + regexp.QuoteMeta(ident) + `\.get\(`)
			if used.MatchString(text) {
				return ident
			}
		}
	}
	return ""
}

// insertBeforeExport splices snippet in front of the module's export
// statement.
func insertBeforeExport(text, snippet string) (string, error) {
	idx := strings.Index(text, "export{")
	if idx < 0 {
		return "", errors.New("could not find export{")
	}
	return text[:idx] + snippet + text[idx:], nil
}

// modeURLSync injects a store subscription that mirrors the edit/present
// view mode into a ?view-as= query parameter, so generated share links
// reopen in the same mode.
func modeURLSync() Rule {
	transform := func(text string) (string, error) {
		store := findJotaiStore(text)
		if store == "" {
			return "", errors.New("could not find state store")
		}
		atom := reModeAtom.FindStringSubmatch(text)
		if atom == nil {
			return "", errors.New("could not find mode atom")
		}
		sub := fmt.Sprintf(
			`%[1]s.sub(%[2]s,()=>{var _m=%[1]s.get(%[2]s).mode;`+
				`var _u=new URL(window.location.href);`+
				`if(_m==="present")_u.searchParams.set("view-as","present");`+
				`else _u.searchParams.delete("view-as");`+
				`if(_u.href!==window.location.href)history.replaceState(null,"",_u.href)});`,
			store, atom[1])
		return insertBeforeExport(text, sub)
	}

	return Rule{
		Name: "mode-url-sync",
		Passes: []Pass{{
			Chain:     [][]string{{"**/mode-*.js"}},
			Transform: transform,
		}},
	}
}

var (
	rePromiseAll = regexp.MustCompile(`(\w+)=Promise\.all`)
	reValueAtom  = regexp.MustCompile(`valueAtom:(\w+)`)
)

// layoutURLSync makes the layout survive a round trip through a share link:
// read ?layout= when the module initializes, and write it back whenever the
// layout atom changes.
func layoutURLSync() Rule {
	transform := func(text string) (string, error) {
		const def = `selectedLayout:"vertical"`
		if !strings.Contains(text, def) {
			return "", errors.New(`could not find selectedLayout:"vertical"`)
		}
		text = strings.ReplaceAll(text, def,
			`selectedLayout:(new URL(window.location.href).searchParams.get("layout")||"vertical")`)

		store := findJotaiStore(text)
		if store == "" {
			return "", errors.New("could not find state store")
		}
		promise := rePromiseAll.FindStringSubmatch(text)
		if promise == nil {
			return "", errors.New("could not find Promise.all")
		}
		atom := reValueAtom.FindStringSubmatch(text)
		if atom == nil {
			return "", errors.New("could not find valueAtom")
		}
		// The atom is assigned inside the top-level-await callback, so the
		// subscription waits for the module's Promise.all to resolve.
		sub := fmt.Sprintf(
			`%[3]s.then(()=>{%[1]s.sub(%[2]s,()=>{`+
				`var _l=%[1]s.get(%[2]s).selectedLayout;`+
				`var _u=new URL(window.location.href);`+
				`if(_l&&_l!=="vertical")_u.searchParams.set("layout",_l);`+
				`else _u.searchParams.delete("layout");`+
				`if(_u.href!==window.location.href)history.replaceState(null,"",_u.href)})});`,
			store, atom[1], promise[1])
		return insertBeforeExport(text, sub)
	}

	return Rule{
		Name: "layout-url-sync",
		Passes: []Pass{{
			Chain:     [][]string{{"**/layout-*.js"}},
			Transform: transform,
		}},
	}
}

const loadingError = `throw new Error("Notebook still loading. Please wait and try again.")}`

var (
	reShareFn = regexp.MustCompile(
		`(function \w+\(\w+\)\{let\{code:(\w+),baseUrl:\w+=[^}]+\}=\w+,\w+=new URL\(\w+\);)(return )`)
	reLZAlias = regexp.MustCompile(`\(0,(\w+)\.compressToEncodedURIComponent\)`)
)

// hashHandlerScript is injected after </marimo-code> in each notebook page.
// Inline scripts run synchronously during parsing, so placing it after the
// element guarantees querySelector sees it, while still running before the
// deferred module scripts that initialize the file stores.
const hashHandlerScript = `
<script data-marimo-share="true">
    (function(){
      var h=window.location.hash;
      if(h&&h.indexOf("#code/")===0){
        var el=document.querySelector("marimo-code");
        if(el)el.remove();
      }
      window.addEventListener("unhandledrejection",function(ev){
        if(ev.reason&&/Notebook still loading/.test(ev.reason.message)){
          ev.preventDefault();
          alert(ev.reason.message);
        }
      });
    })();
    </script>`

// shareLinks repairs "Create WebAssembly link" in self-hosted exports. The
// share function reads code from a save worker that may not be loaded yet,
// so fallbacks to the URL hash and the <marimo-code> element are injected,
// ending with a hard throw so a broken URL is never copied. A small inline
// script in each page lets incoming #code/ links win over <marimo-code>.
func shareLinks(opts Options) Rule {
	js := func(text string) (string, error) {
		text = reShareBase.ReplaceAllString(text, `${1}window.location.href.replace(/#.*/,"")`)

		loc := reShareFn.FindStringSubmatchIndex(text)
		if loc == nil {
			return "", errors.New("could not find share function pattern")
		}
		codeVar := text[loc[4]:loc[5]]

		var b strings.Builder
		if lz := reLZAlias.FindStringSubmatch(text[loc[1]:]); lz != nil {
			fmt.Fprintf(&b,
				`if(!%[1]s){var _h=window.location.hash;`+
					`if(_h&&_h.indexOf("#code/")===0)`+
					`%[1]s=(0,%[2]s.decompressFromEncodedURIComponent)(_h.slice(6))}`,
				codeVar, lz[1])
		}
		fmt.Fprintf(&b,
			`if(!%[1]s){var _el=document.querySelector("marimo-code");`+
				`if(_el)%[1]s=decodeURIComponent(_el.textContent||"").trim()}`,
			codeVar)
		fmt.Fprintf(&b, `if(!%s){%s`, codeVar, loadingError)

		insert := loc[6]
		return text[:insert] + b.String() + text[insert:], nil
	}

	html := func(text string) (string, error) {
		if strings.Contains(text, "data-marimo-share") {
			return text, nil
		}
		idx := strings.Index(text, "</marimo-code>")
		if idx < 0 {
			return "", errors.New("could not find </marimo-code>")
		}
		end := idx + len("</marimo-code>")
		return text[:end] + hashHandlerScript + text[end:], nil
	}

	htmlGlobs := []string{"**/*/index.html"}
	if opts.SingleNotebook {
		htmlGlobs = []string{"index.html"}
	}

	return Rule{
		Name: "share-links",
		Passes: []Pass{
			{Chain: [][]string{{"**/share-*.js"}}, Transform: js},
			{Chain: [][]string{htmlGlobs}, Transform: html},
		},
	}
}

var (
	reAssignedFn = regexp.MustCompile(`(\w+)=function\(\)\{`)
	reDeclaredFn = regexp.MustCompile(`function (\w+)\(\)\{`)
	reThrowVar   = regexp.MustCompile(`if\(!(\w+)\)\{throw new Error\("Notebook still loading`)
)

// layoutEmbed serializes grid/slides cell positions into shared code as a
// layout_file data URI. The layout chunk exposes its serializer as a global
// and the share function embeds the result into marimo.App(...). Runs after
// shareLinks, whose loading-error throw is the insertion anchor.
func layoutEmbed() Rule {
	layout := func(text string) (string, error) {
		serIdx := strings.Index(text, ".serializeLayout(")
		if serIdx < 0 {
			return "", errors.New("could not find .serializeLayout(")
		}
		head := text[:serIdx]
		fns := reAssignedFn.FindAllStringSubmatch(head, -1)
		if fns == nil {
			fns = reDeclaredFn.FindAllStringSubmatch(head, -1)
		}
		if fns == nil {
			return "", errors.New("could not find enclosing function for serializeLayout")
		}
		fn := fns[len(fns)-1][1]
		// The function variable is assigned inside the top-level-await
		// callback; the wrapper defers the call until share time.
		return insertBeforeExport(text,
			fmt.Sprintf("window.__marimoGetSerializedLayout=function(){return %s()};", fn))
	}

	share := func(text string) (string, error) {
		m := reThrowVar.FindStringSubmatch(text)
		if m == nil {
			return "", errors.New("could not find loading-error anchor")
		}
		codeVar := m[1]
		anchorIdx := strings.Index(text, loadingError)
		if anchorIdx < 0 {
			return "", errors.New("could not find loading-error anchor")
		}
		insert := anchorIdx + len(loadingError)

		injection := fmt.Sprintf(
			`var _gsl=window.__marimoGetSerializedLayout;`+
				`if(_gsl){var _ld=_gsl();if(_ld){`+
				`var _lj=JSON.stringify(_ld);`+
				`var _lb=btoa(_lj);`+
				`var _luri="data:application/json;base64,"+_lb;`+
				`if(%[1]s.indexOf("layout_file=")!==-1)`+
				`%[1]s=%[1]s.replace(/layout_file=["'][^"']*["']/,'layout_file="'+_luri+'"');`+
				`else if(%[1]s.indexOf("marimo.App(")!==-1)`+
				`%[1]s=%[1]s.replace("marimo.App(",'marimo.App(layout_file="'+_luri+'\",');`+
				`}}`,
			codeVar)

		return text[:insert] + injection + text[insert:], nil
	}

	return Rule{
		Name: "layout-embed",
		Passes: []Pass{
			{Chain: [][]string{{"**/layout-*.js"}}, Transform: layout},
			{Chain: [][]string{{"**/share-*.js"}}, Transform: share},
		},
	}
}
