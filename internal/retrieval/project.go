package retrieval

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Maxime-Gagne/secondmind/internal/index"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// Project-file discovery rules. Extensions whitelist what the runtime is
// allowed to read back to the model; the blacklist excludes generated and
// sensitive paths.
var (
	projectExtensions = map[string]struct{}{
		".py": {}, ".yaml": {}, ".yml": {}, ".json": {}, ".md": {}, ".go": {},
	}
	pathBlacklist = []string{
		"backup", "logs", "__pycache__", ".env", ".bak", "copie",
	}
)

// allowedProjectFile applies the extension whitelist (or a .github path) and
// the fragment blacklist.
func allowedProjectFile(path string) bool {
	low := strings.ToLower(path)
	for _, frag := range pathBlacklist {
		if strings.Contains(low, frag) {
			return false
		}
	}
	if strings.Contains(low, ".github") {
		return true
	}
	_, ok := projectExtensions[filepath.Ext(low)]
	return ok
}

// ProjectFiles resolves a query to readable project files and returns their
// contents as code_file atoms.
func (a *Agent) ProjectFiles(ctx context.Context, query string) []types.Atom {
	root := a.projectRoot
	if root == "" {
		root = "."
	}
	paths := a.locator.Find(ctx,
		[]string{`path:"` + root + `"`, query},
		a.cfg.Limites.RechercheEverythingMax)
	if len(paths) == 0 {
		// Locator binary absent or empty result: bounded walk from the
		// project root so lire_fichier keeps working.
		paths = walkProject(root, query, a.cfg.Limites.RechercheEverythingMax)
	}

	var atoms []types.Atom
	for _, p := range paths {
		if !allowedProjectFile(p) {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		at := types.NewMemory(string(raw), filepath.Base(p), "code_file", 1.0)
		at.Path = p
		a.auditor.CheckAtom(at)
		atoms = append(atoms, at)
	}
	return atoms
}

// walkScanCap bounds how many directory entries the fallback walk visits.
const walkScanCap = 20000

// walkProject matches folded query tokens against file names under root.
func walkProject(root, query string, max int) []string {
	tokens := strings.Fields(types.Fold(query))
	if len(tokens) == 0 || max <= 0 {
		return nil
	}

	var paths []string
	scanned := 0
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if scanned++; scanned > walkScanCap {
			return fs.SkipAll
		}
		if d.IsDir() {
			low := strings.ToLower(d.Name())
			for _, frag := range pathBlacklist {
				if strings.Contains(low, frag) {
					return fs.SkipDir
				}
			}
			return nil
		}
		name := types.Fold(d.Name())
		for _, tok := range tokens {
			if strings.Contains(name, tok) {
				paths = append(paths, path)
				if len(paths) >= max {
					return fs.SkipAll
				}
				break
			}
		}
		return nil
	})
	return paths
}

// indexPreviewChars caps the content carried back from an index hit.
const indexPreviewChars = 800

// IndexSearch runs a targeted full-text query, optionally restricted to a
// candidate-path whitelist, and returns preview atoms.
func (a *Agent) IndexSearch(query string, candidates []string, k int) []types.Atom {
	hits, err := a.inverted.Search(query, nil, maxInt(k, len(candidates)))
	if err != nil {
		return nil
	}

	whitelist := map[string]struct{}{}
	for _, c := range candidates {
		whitelist[c] = struct{}{}
	}

	var atoms []types.Atom
	for _, h := range hits {
		if len(whitelist) > 0 {
			if _, ok := whitelist[h.Entry.Path]; !ok {
				continue
			}
		}
		content := h.Entry.Content
		if len(content) > indexPreviewChars {
			content = content[:indexPreviewChars]
		}
		at := types.NewMemory(content, h.Entry.Filename, "index_hit", -h.Rank)
		at.Path = h.Entry.Path
		atoms = append(atoms, at)
		if len(atoms) >= k {
			break
		}
	}
	return atoms
}

// SearchByTags exposes the index tag filter for callers that already know the
// classification they want.
func (a *Agent) SearchByTags(query string, filter *index.Filter, k int) ([]index.Hit, error) {
	return a.inverted.Search(query, filter, k)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
