// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ignore compiles glob patterns into path filters for watched
// roots.
package ignore

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/locwatch/locwatch/lib/fs"
)

const matchCacheSize = 4096

type Pattern struct {
	pattern  string
	match    glob.Glob
	ignored  bool
	foldCase bool
}

func (p Pattern) String() string {
	ret := p.pattern
	if !p.ignored {
		ret = "!" + ret
	}
	if p.foldCase {
		ret = "(?i)" + ret
	}
	return ret
}

// Matcher decides whether root relative paths are ignored. The first
// matching pattern wins, a pattern prefixed with ! un-ignores.
type Matcher struct {
	patterns []Pattern
	matches  *lru.Cache[string, bool]
}

// New compiles the given pattern lines. Empty lines and lines starting
// with // are skipped.
func New(lines []string) (*Matcher, error) {
	return Parse(strings.NewReader(strings.Join(lines, "\n")))
}

func Parse(r io.Reader) (*Matcher, error) {
	patterns, err := parsePatterns(r)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, bool](matchCacheSize)
	if err != nil {
		return nil, err
	}
	return &Matcher{patterns: patterns, matches: cache}, nil
}

// Match reports whether the slash or OS separated relative path is
// ignored.
func (m *Matcher) Match(file string) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}
	file = filepath.ToSlash(file)
	if res, ok := m.matches.Get(file); ok {
		return res
	}
	res := m.match(file)
	m.matches.Add(file, res)
	return res
}

func (m *Matcher) match(file string) bool {
	var lowercaseFile string
	for _, pattern := range m.patterns {
		if pattern.foldCase {
			if lowercaseFile == "" {
				lowercaseFile = strings.ToLower(file)
			}
			if pattern.match.Match(lowercaseFile) {
				return pattern.ignored
			}
		} else if pattern.match.Match(file) {
			return pattern.ignored
		}
	}
	return false
}

// Filter returns a predicate over absolute paths below root that reports
// whether the path is wanted, i.e. not ignored. The root itself and paths
// outside it are always wanted. A relative root is taken relative to the
// working directory.
func (m *Matcher) Filter(root string) func(path string) bool {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	} else {
		root = filepath.Clean(root)
	}
	return func(path string) bool {
		if !fs.IsWithin(root, path) {
			return true
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return true
		}
		return !m.Match(rel)
	}
}

// Patterns returns the loaded patterns as they've been parsed.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	patterns := make([]string, len(m.patterns))
	for i, pat := range m.patterns {
		patterns[i] = pat.String()
	}
	return patterns
}

func parsePatterns(r io.Reader) ([]Pattern, error) {
	var patterns []Pattern

	compile := func(pattern Pattern, expr string) error {
		var err error
		pattern.match, err = glob.Compile(expr, '/')
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern.pattern, err)
		}
		patterns = append(patterns, pattern)
		return nil
	}

	addPattern := func(line string) error {
		pattern := Pattern{
			pattern:  line,
			ignored:  true,
			foldCase: runtime.GOOS == "darwin" || runtime.GOOS == "windows",
		}

		if strings.HasPrefix(line, "!") {
			line = line[1:]
			pattern.ignored = false
		}
		if strings.HasPrefix(line, "(?i)") {
			line = strings.ToLower(line[4:])
			pattern.foldCase = true
		}
		pattern.pattern = line

		switch {
		case strings.HasPrefix(line, "/"):
			// Rooted at the top of the watched root only
			return compile(pattern, line[1:])
		case strings.HasPrefix(line, "**/"):
			if err := compile(pattern, line); err != nil {
				return err
			}
			return compile(pattern, line[3:])
		default:
			// Matches at the top and in every subdirectory
			if err := compile(pattern, line); err != nil {
				return err
			}
			return compile(pattern, "**/"+line)
		}
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}

		line = filepath.ToSlash(line)
		var err error
		switch {
		case strings.HasSuffix(line, "/**"):
			err = addPattern(line)
		case strings.HasSuffix(line, "/"):
			err = addPattern(line + "**")
		default:
			// The pattern and everything below it
			err = addPattern(line)
			if err == nil {
				err = addPattern(line + "/**")
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return patterns, nil
}
