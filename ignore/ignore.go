// Package ignore decides which working-tree paths are exempt from
// automatic commits, combining every .gitignore in the repository with
// extra patterns from the autosave config.
package ignore

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// nestedMatcher holds a gitignore matcher and its base directory.
type nestedMatcher struct {
	matcher *ignore.GitIgnore
	baseDir string // relative path from repo root (empty for root .gitignore)
}

// Matcher answers whether a repository-relative path is ignored. The .git
// directory is always ignored regardless of patterns.
type Matcher struct {
	root           string
	nestedMatchers []nestedMatcher
}

// NewMatcher walks root collecting every .gitignore file and compiles the
// extra patterns (gitignore syntax) on top of them.
func NewMatcher(root string, extraPatterns []string) (*Matcher, error) {
	m := &Matcher{root: root}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Base(path) != ".gitignore" {
			return nil
		}

		gi, err := ignore.CompileIgnoreFile(path)
		if err != nil {
			return nil // Skip unparseable .gitignore files
		}
		relDir, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		if relDir == "." {
			relDir = ""
		}
		m.nestedMatchers = append(m.nestedMatchers, nestedMatcher{matcher: gi, baseDir: relDir})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(extraPatterns) > 0 {
		gi := ignore.CompileIgnoreLines(extraPatterns...)
		m.nestedMatchers = append(m.nestedMatchers, nestedMatcher{matcher: gi, baseDir: ""})
	}

	return m, nil
}

// Match reports whether the repository-relative path is ignored.
func (m *Matcher) Match(relPath string) bool {
	normalized := filepath.ToSlash(relPath)
	if normalized == "" || normalized == "." {
		return false
	}
	if normalized == ".git" || strings.HasPrefix(normalized, ".git/") {
		return true
	}

	for _, nm := range m.nestedMatchers {
		scoped := matcherRelPath(normalized, nm.baseDir)
		if scoped == "" && nm.baseDir != "" {
			continue
		}
		if nm.matcher.MatchesPath(scoped) || nm.matcher.MatchesPath(scoped+"/") {
			return true
		}
	}
	return false
}

// SkipDir reports whether a directory subtree can be skipped entirely.
// Gitignore negation patterns inside ignored directories are rare enough
// that a directory match always skips; this mirrors git's own fast path.
func (m *Matcher) SkipDir(relPath string) bool {
	return m.Match(relPath)
}

// matcherRelPath scopes a path to a matcher's base directory. Returns ""
// when the path is outside the matcher's scope (for non-empty baseDir).
func matcherRelPath(normalized, baseDir string) string {
	if baseDir == "" {
		return normalized
	}
	base := filepath.ToSlash(baseDir)
	if normalized == base {
		return "."
	}
	if strings.HasPrefix(normalized, base+"/") {
		return strings.TrimPrefix(normalized, base+"/")
	}
	return ""
}
