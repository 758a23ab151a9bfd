package pipeline

import "testing"

func TestLooksLikeFilePath(t *testing.T) {
	cases := map[string]bool{
		"backend/src/foo.py": true,
		"README.md":          true,
		"foo.yaml":           true,
		"refactor the docs":  false,
		"performance":        false,
	}
	for entry, want := range cases {
		if got := looksLikeFilePath(entry); got != want {
			t.Errorf("looksLikeFilePath(%q) = %v, want %v", entry, got, want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"./backend/src/foo.py":  "backend/src/foo.py",
		"backend//src///foo.py": "backend/src/foo.py",
		`backend\src\foo.py`:    "backend/src/foo.py",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheckPatchScopeNoPathLikeEntriesSkipsEnforcement(t *testing.T) {
	if got := checkPatchScope([]string{"improve performance"}, nil); got != nil {
		t.Errorf("expected no violations when in_scope has no path-like entries, got %v", got)
	}
}

func TestCheckPatchScopeEmptyPatchScopeIsViolation(t *testing.T) {
	got := checkPatchScope([]string{"backend/src/foo.py"}, nil)
	if len(got) != 1 {
		t.Errorf("expected one violation for empty patch_scope, got %v", got)
	}
}

func TestCheckPatchScopeOutOfScopeFile(t *testing.T) {
	got := checkPatchScope([]string{"backend/src/foo.py"}, []string{"backend/src/foo.py", "backend/src/bar.py"})
	if len(got) != 1 || got[0] != "backend/src/bar.py" {
		t.Errorf("expected one violation for bar.py, got %v", got)
	}
}

func TestCheckPatchScopeAllInScope(t *testing.T) {
	got := checkPatchScope([]string{"backend/src/foo.py", "./backend/src/bar.py"}, []string{"backend/src/foo.py", "backend/src/bar.py"})
	if got != nil {
		t.Errorf("expected no violations, got %v", got)
	}
}
