package pipeline

import "strings"

var pathLikeSuffixes = []string{".py", ".ts", ".tsx", ".md", ".yml", ".yaml", ".json"}

// looksLikeFilePath implements step 5's test for which
// in_scope entries participate in scope-path enforcement.
func looksLikeFilePath(entry string) bool {
	if strings.Contains(entry, "/") {
		return true
	}
	for _, suffix := range pathLikeSuffixes {
		if strings.HasSuffix(entry, suffix) {
			return true
		}
	}
	return false
}

// normalizePath strips a leading "./", collapses repeated slashes, and
// normalizes backslashes to forward slashes step 5.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	p = strings.TrimPrefix(p, "./")
	return p
}

// allowedPathSet normalizes and filters inScope down to the path-looking
// entries that bound an implementer's patch_scope.
func allowedPathSet(inScope []string) map[string]bool {
	allowed := make(map[string]bool)
	for _, entry := range inScope {
		if looksLikeFilePath(entry) {
			allowed[normalizePath(entry)] = true
		}
	}
	return allowed
}

// checkPatchScope implements the subset check from step 5.
// It returns the violating entries of patchScope (empty patch scope is
// itself a violation, reported as a single synthetic entry).
func checkPatchScope(inScope, patchScope []string) []string {
	allowed := allowedPathSet(inScope)
	if len(allowed) == 0 {
		// No path-looking entries in scope means scope enforcement does
		// not apply.
		return nil
	}
	if len(patchScope) == 0 {
		return []string{"(empty patch_scope)"}
	}
	var violations []string
	for _, p := range patchScope {
		if !allowed[normalizePath(p)] {
			violations = append(violations, p)
		}
	}
	return violations
}
