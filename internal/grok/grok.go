// Package grok compiles grok-style extraction patterns into reusable matchers.
//
// A pattern is an RE2 regular expression that may contain placeholders of the
// form %{NAME}, %{NAME:field} or %{NAME:field:type}. Each NAME resolves
// through a Registry to a sub-pattern, recursively. Only placeholders with a
// field name (and native (?P<name>...) groups) produce captures.
package grok

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/setevik/logbridge/internal/event"
)

// ErrPatternCompile matches every error returned by Compile.
var ErrPatternCompile = errors.New("pattern compile error")

// ErrUnknownPattern is wrapped when a placeholder names no registered pattern.
var ErrUnknownPattern = errors.New("unknown pattern")

// maxDepth bounds placeholder nesting.
const maxDepth = 32

// placeholderRe matches %{NAME}, %{NAME:field} and %{NAME:field:type}.
var placeholderRe = regexp.MustCompile(`%\{(\w+)(?::([^:{}]+))?(?::(\w+))?\}`)

// CompileError describes a pattern that could not be compiled.
type CompileError struct {
	Pattern string
	Err     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling pattern %q: %v", e.Pattern, e.Err)
}

func (e *CompileError) Unwrap() []error {
	return []error{ErrPatternCompile, e.Err}
}

// Registry maps placeholder names to sub-patterns.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]string)}
}

// Default returns a new registry holding the standard token library.
func Default() *Registry {
	r := NewRegistry()
	r.AddAll(builtinPatterns)
	return r
}

// Add registers or replaces a definition.
func (r *Registry) Add(name, def string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[name] = def
}

// AddAll registers every definition in defs.
func (r *Registry) AddAll(defs map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	maps.Copy(r.defs, defs)
}

// Resolve returns the sub-pattern registered for name.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Compile expands pattern against the registry and compiles it. The
// returned Matcher does not observe later registry changes.
func (r *Registry) Compile(pattern string) (*Matcher, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, &CompileError{Pattern: pattern, Err: errors.New("empty pattern")}
	}

	c := &compiler{reg: r, groupFields: make(map[string]string)}
	expr, err := c.expand(pattern, nil)
	if err != nil {
		return nil, &CompileError{Pattern: pattern, Err: err}
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &CompileError{Pattern: pattern, Err: err}
	}

	m := &Matcher{pattern: pattern, re: re}
	for i, name := range re.SubexpNames() {
		if name == "" {
			continue
		}
		field, ok := c.groupFields[name]
		if !ok {
			field = name
		}
		m.groups = append(m.groups, capture{index: i, field: field})
	}
	return m, nil
}

// Compile compiles pattern against the standard token library.
func Compile(pattern string) (*Matcher, error) {
	return Default().Compile(pattern)
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string) *Matcher {
	m, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

type compiler struct {
	reg         *Registry
	groupFields map[string]string // generated group name -> field name
	n           int
}

func (c *compiler) expand(pattern string, stack []string) (string, error) {
	if len(stack) > maxDepth {
		return "", fmt.Errorf("placeholder nesting deeper than %d", maxDepth)
	}

	var b strings.Builder
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(pattern, -1) {
		b.WriteString(pattern[last:loc[0]])
		last = loc[1]

		name := pattern[loc[2]:loc[3]]
		var field, typ string
		if loc[4] >= 0 {
			field = pattern[loc[4]:loc[5]]
		}
		if loc[6] >= 0 {
			typ = pattern[loc[6]:loc[7]]
		}

		switch typ {
		case "", "string", "int", "float":
		default:
			return "", fmt.Errorf("%%{%s:%s}: unsupported type %q", name, field, typ)
		}

		for _, s := range stack {
			if s == name {
				return "", fmt.Errorf("recursive definition of %s", name)
			}
		}

		def, ok := c.reg.Resolve(name)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownPattern, name)
		}

		inner, err := c.expand(def, append(stack[:len(stack):len(stack)], name))
		if err != nil {
			return "", err
		}

		if field == "" {
			b.WriteString("(?:" + inner + ")")
			continue
		}
		c.n++
		group := fmt.Sprintf("grok_f%d", c.n)
		c.groupFields[group] = field
		b.WriteString("(?P<" + group + ">" + inner + ")")
	}
	b.WriteString(pattern[last:])
	return b.String(), nil
}

type capture struct {
	index int
	field string
}

// Matcher is a compiled pattern. It is immutable and safe for concurrent use.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
	groups  []capture
}

// Match returns the named captures when the pattern matches somewhere in
// text. Groups that did not take part in the match are omitted; when a field
// is captured more than once the first participating group wins.
func (m *Matcher) Match(text string) (event.Fields, bool) {
	loc := m.re.FindStringSubmatchIndex(text)
	if loc == nil {
		return event.Fields{}, false
	}

	f := event.NewFields()
	for _, g := range m.groups {
		start, end := loc[2*g.index], loc[2*g.index+1]
		if start < 0 {
			continue
		}
		if _, seen := f.Values[g.field]; seen {
			continue
		}
		f.Values[g.field] = text[start:end]
	}
	return f, true
}

// Fields returns the distinct field names the matcher can capture.
func (m *Matcher) Fields() []string {
	seen := make(map[string]bool, len(m.groups))
	var out []string
	for _, g := range m.groups {
		if !seen[g.field] {
			seen[g.field] = true
			out = append(out, g.field)
		}
	}
	return out
}

// String returns the source pattern.
func (m *Matcher) String() string {
	return m.pattern
}

// Expr returns the expanded regular expression.
func (m *Matcher) Expr() string {
	return m.re.String()
}
