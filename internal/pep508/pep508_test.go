package pep508

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Markdown", "markdown"},
		{"typing_extensions", "typing-extensions"},
		{"zope.interface", "zope-interface"},
		{"ruamel.yaml.clib", "ruamel-yaml-clib"},
		{"some__weird--name", "some-weird-name"},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		in            string
		wantName      string
		wantKey       string
		wantSpecifier string
		wantMarker    string
		wantExtras    int
	}{
		{"Markdown", "Markdown", "markdown", "", "", 0},
		{"narwhals>=2.0,<3", "narwhals", "narwhals", ">=2.0,<3", "", 0},
		{"requests (>=2.0)", "requests", "requests", ">=2.0", "", 0},
		{
			"tomli>=1.1.0 ; python_version < '3.11'",
			"tomli", "tomli", ">=1.1.0", "python_version < '3.11'", 0,
		},
		{"uvicorn[standard]>=0.20", "uvicorn", "uvicorn", ">=0.20", "", 1},
	}
	for _, tt := range tests {
		req, err := ParseRequirement(tt.in)
		if err != nil {
			t.Errorf("ParseRequirement(%q) error: %v", tt.in, err)
			continue
		}
		if req.Name != tt.wantName {
			t.Errorf("%q: Name = %q, want %q", tt.in, req.Name, tt.wantName)
		}
		if req.Key != tt.wantKey {
			t.Errorf("%q: Key = %q, want %q", tt.in, req.Key, tt.wantKey)
		}
		if req.Specifier != tt.wantSpecifier {
			t.Errorf("%q: Specifier = %q, want %q", tt.in, req.Specifier, tt.wantSpecifier)
		}
		if req.Marker != tt.wantMarker {
			t.Errorf("%q: Marker = %q, want %q", tt.in, req.Marker, tt.wantMarker)
		}
		if len(req.Extras) != tt.wantExtras {
			t.Errorf("%q: Extras = %v, want %d", tt.in, req.Extras, tt.wantExtras)
		}
		if req.Origin != tt.in {
			t.Errorf("%q: Origin = %q", tt.in, req.Origin)
		}
	}
}

func TestParseRequirementInvalid(t *testing.T) {
	for _, in := range []string{"", ">=1.0", "name @ https://example.com/pkg.whl"} {
		if _, err := ParseRequirement(in); err == nil {
			t.Errorf("ParseRequirement(%q) should fail", in)
		}
	}
}

func TestCheckSpecifier(t *testing.T) {
	tests := []struct {
		specifier, version string
		want               bool
	}{
		{"", "1.0", true},
		{">=1.0", "1.2", true},
		{">=1.0,<2", "2.0", false},
		{"==3.0", "3.0", true},
		{"!=1.5", "1.5", false},
	}
	for _, tt := range tests {
		got, err := CheckSpecifier(tt.specifier, tt.version)
		if err != nil {
			t.Errorf("CheckSpecifier(%q, %q) error: %v", tt.specifier, tt.version, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CheckSpecifier(%q, %q) = %v, want %v", tt.specifier, tt.version, got, tt.want)
		}
	}

	if _, err := CheckSpecifier(">=1.0", "not-a-version"); err == nil {
		t.Error("unparseable version should return an error")
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "2.0", -1},
		{"2.0", "2.0", 0},
		{"1.10", "1.9", 1}, // numeric, not lexicographic
	}
	for _, tt := range tests {
		got, err := CompareVersions(tt.a, tt.b)
		if err != nil {
			t.Errorf("CompareVersions(%q, %q) error: %v", tt.a, tt.b, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestValidateVersion(t *testing.T) {
	if err := ValidateVersion("1.2.3"); err != nil {
		t.Errorf("ValidateVersion(1.2.3) = %v", err)
	}
	if err := ValidateVersion("not.a.ver"); err == nil {
		t.Error("expected error for unparseable version")
	}
}

func TestIsPreRelease(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"1.0", false},
		{"1.0.0", false},
		{"1.0a1", true},
		{"2.0.0rc1", true},
		{"1.2.3.dev0", true},
		{"1.0.post1", false},
		{"1.0+local", false},
	}
	for _, tt := range tests {
		if got := IsPreRelease(tt.version); got != tt.want {
			t.Errorf("IsPreRelease(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestEvaluateMarker(t *testing.T) {
	env := PyodideEnvironment()

	tests := []struct {
		expr string
		want bool
	}{
		{`sys_platform == "emscripten"`, true},
		{`sys_platform == "win32"`, false},
		{`python_version >= "3.8"`, true}, // version ordering, not string
		{`python_version < "3.10"`, false},
		{`platform_machine == "wasm32" and os_name == "posix"`, true},
		{`sys_platform == "win32" or implementation_name == "cpython"`, true},
		{`(sys_platform == "win32" or sys_platform == "emscripten") and python_version >= "3.12"`, true},
		{`extra == "test"`, false},
		{`"linux" in sys_platform`, false},
		{`"script" in sys_platform`, true},
		{`platform_machine not in "x86_64 aarch64"`, true},
		{`python_full_version === "3.12.1"`, true},
	}
	for _, tt := range tests {
		got, err := EvaluateMarker(tt.expr, env)
		if err != nil {
			t.Errorf("EvaluateMarker(%q) error: %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EvaluateMarker(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvaluateMarkerErrors(t *testing.T) {
	env := PyodideEnvironment()
	for _, expr := range []string{
		"",
		`no_such_variable == "x"`,
		`sys_platform ==`,
		`(sys_platform == "linux"`,
		`sys_platform == "linux" bogus`,
	} {
		if _, err := EvaluateMarker(expr, env); err == nil {
			t.Errorf("EvaluateMarker(%q) should fail", expr)
		}
	}
}
