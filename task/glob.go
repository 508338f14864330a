// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package task

import (
	"regexp"
	"strings"
)

// Pattern is a compiled glob over task paths.
//
// Semantics: `*` matches any sequence of characters, including `/`, so the
// pattern "*" enumerates every task and "project/*" covers the whole
// subtree. `?` matches exactly one character other than `/`. All other
// characters match literally.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// CompilePattern compiles a glob pattern.
func CompilePattern(pattern string) (*Pattern, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, Wrap(CodeValidationError, "CompilePattern", err)
	}
	return &Pattern{raw: pattern, re: re}, nil
}

// Match reports whether the path matches the pattern.
func (p *Pattern) Match(path string) bool {
	return p.re.MatchString(path)
}

// String returns the original glob text.
func (p *Pattern) String() string {
	return p.raw
}

// MatchPattern is a one-shot convenience for CompilePattern + Match.
// Invalid patterns match nothing.
func MatchPattern(pattern, path string) bool {
	p, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return p.Match(path)
}
