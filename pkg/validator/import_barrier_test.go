package validator

import (
	"go/build"
	"testing"
)

// forbiddenImportSubstrings names the packages the validator's information
// barrier forbids importing, directly or transitively: anything that could
// hand it the user's message, the conversation journal, or the planner's
// internal state. The barrier is
// enforced at the router's payload-scrubber middleware too, but that's a
// runtime check; this test makes the stronger, compile-adjacent guarantee
// that the import graph itself cannot carry that data in.
var forbiddenImportSubstrings = []string{
	"/pkg/planner",
	"/pkg/journal",
}

func TestValidatorPackageDoesNotImportPlannerOrJournal(t *testing.T) {
	checkPackageImports(t, ".", make(map[string]bool))
}

func checkPackageImports(t *testing.T, dir string, visited map[string]bool) {
	t.Helper()
	pkg, err := build.ImportDir(dir, 0)
	if err != nil {
		if _, ok := err.(*build.NoGoError); ok {
			return
		}
		t.Fatalf("import %s: %v", dir, err)
	}

	for _, imp := range pkg.Imports {
		for _, forbidden := range forbiddenImportSubstrings {
			if hasSuffixPath(imp, forbidden) {
				t.Fatalf("information barrier violated: validator package imports %q", imp)
			}
		}

		if !isWorkspaceImport(imp) || visited[imp] {
			continue
		}
		visited[imp] = true

		resolved, err := build.Import(imp, dir, build.FindOnly)
		if err != nil {
			continue
		}
		checkPackageImports(t, resolved.Dir, visited)
	}
}

func isWorkspaceImport(importPath string) bool {
	return hasSuffixPath(importPath, "") && containsModulePrefix(importPath)
}

func containsModulePrefix(importPath string) bool {
	const modulePrefix = "github.com/helmrun/orchestrator/"
	return len(importPath) >= len(modulePrefix) && importPath[:len(modulePrefix)] == modulePrefix
}

func hasSuffixPath(importPath, suffix string) bool {
	if suffix == "" {
		return true
	}
	if len(importPath) < len(suffix) {
		return false
	}
	return importPath[len(importPath)-len(suffix):] == suffix
}
