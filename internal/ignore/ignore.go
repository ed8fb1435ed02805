// Package ignore decides which project files stay out of the memory
// store. It understands gitignore-style patterns from .gitignore and
// .specmemignore plus configured extras, and carries a built-in set of
// directories that never belong in an index. Matching is
// case-insensitive.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

// DefaultPatterns are always active regardless of project ignore files.
var DefaultPatterns = []string{
	".git/",
	".specmem/",
	"node_modules/",
	"vendor/",
	"dist/",
	"build/",
	"target/",
	"__pycache__/",
	".venv/",
	"*.min.js",
	"*.map",
	"*.lock",
	"*.log",
}

// Matcher evaluates ignore rules in order; the last matching rule wins,
// so a later negation can re-include a file.
type Matcher struct {
	mu    sync.RWMutex
	rules []rule
}

type rule struct {
	regex    *regexp.Regexp
	negation bool
	dirOnly  bool
	anchored bool
}

// NewMatcher compiles the built-in patterns plus any extras.
func NewMatcher(extra ...string) *Matcher {
	m := &Matcher{}
	for _, p := range DefaultPatterns {
		m.Add(p)
	}
	for _, p := range extra {
		m.Add(p)
	}
	return m
}

// Add compiles one pattern. Blank lines and comments are skipped.
func (m *Matcher) Add(pattern string) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return
	}

	var r rule
	if strings.HasPrefix(pattern, "!") {
		r.negation = true
		pattern = pattern[1:]
	}
	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	if strings.HasPrefix(pattern, "/") {
		r.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	} else if strings.Contains(pattern, "/") {
		r.anchored = true
	}

	r.regex = regexp.MustCompile("(?i)^" + globToRegex(pattern) + "$")

	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
}

// AddFile loads patterns from an ignore file. A missing file is not an
// error.
func (m *Matcher) AddFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return specerrors.Wrap(specerrors.KindConfig, "open ignore file", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.Add(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return specerrors.Wrap(specerrors.KindConfig, "read ignore file", err)
	}
	return nil
}

// Match reports whether a project-relative path should be ignored.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = filepath.ToSlash(path)
	path = strings.TrimPrefix(path, "./")

	m.mu.RLock()
	defer m.mu.RUnlock()

	ignored := false
	for _, r := range m.rules {
		if matchRule(path, isDir, r) {
			ignored = !r.negation
		}
	}
	return ignored
}

func matchRule(path string, isDir bool, r rule) bool {
	parts := strings.Split(path, "/")

	if r.anchored {
		if r.regex.MatchString(path) {
			return !r.dirOnly || isDir
		}
		if r.dirOnly {
			// A file inside a matched directory is ignored with it.
			for i := 1; i < len(parts); i++ {
				if r.regex.MatchString(strings.Join(parts[:i], "/")) {
					return true
				}
			}
		}
		return false
	}

	if r.dirOnly {
		for i, part := range parts {
			if r.regex.MatchString(part) {
				return i < len(parts)-1 || isDir
			}
		}
		return false
	}

	for _, part := range parts {
		if r.regex.MatchString(part) {
			return true
		}
	}
	return r.regex.MatchString(path)
}

// globToRegex translates one glob pattern: * stops at slashes, ** does
// not, ? matches a single non-slash rune.
func globToRegex(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					b.WriteString("(?:.*/)?")
					i += 3
					continue
				}
				b.WriteString(".*")
				i += 2
				continue
			}
			b.WriteString("[^/]*")
			i++
		case '?':
			b.WriteString("[^/]")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	return b.String()
}

// ForProject builds the effective matcher for a project root: defaults,
// the project's .gitignore and .specmemignore, then configured extras.
func ForProject(projectPath string, extra []string) (*Matcher, error) {
	m := NewMatcher()
	if err := m.AddFile(filepath.Join(projectPath, ".gitignore")); err != nil {
		return nil, err
	}
	if err := m.AddFile(filepath.Join(projectPath, ".specmemignore")); err != nil {
		return nil, err
	}
	for _, p := range extra {
		m.Add(p)
	}
	return m, nil
}
