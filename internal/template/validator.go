// Package template statically checks annotation templates before they are
// trusted. Nothing here evaluates or renders a template.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"glyph-sync-server/internal/domain"
)

const (
	DefaultMaxDepth  = 20
	DefaultMaxLength = 256 * 1024
)

// BindingRoots are the namespaces a template may reference through $.root.
var BindingRoots = []string{"input", "output", "context", "config", "user", "task", "ui"}

var controlFlow = map[string]bool{
	"if":     true,
	"unless": true,
	"each":   true,
	"for":    true,
}

type forbiddenPattern struct {
	re   *regexp.Regexp
	name string
}

var forbidden = []forbiddenPattern{
	{regexp.MustCompile(`\bnew\s+Function\b|\bFunction\s*\(`), "Function constructor"},
	{regexp.MustCompile(`\bconstructor\b`), "constructor access"},
	{regexp.MustCompile(`__proto__`), "__proto__ access"},
	{regexp.MustCompile(`\bprototype\b`), "prototype access"},
	{regexp.MustCompile(`\beval\s*\(`), "eval call"},
	{regexp.MustCompile(`\bimport\s*\(`), "dynamic import"},
	{regexp.MustCompile(`\brequire\s*\(`), "require call"},
	{regexp.MustCompile(`\bglobalThis\b`), "globalThis access"},
	{regexp.MustCompile(`\bwindow\b`), "window access"},
	{regexp.MustCompile(`\bprocess\s*\.`), "process access"},
}

// bindingRef matches $.root, $['root'] and $["root"]; any other bracket
// expression lands in group 4 as a computed root.
var bindingRef = regexp.MustCompile(`\$(?:\.([A-Za-z_][A-Za-z0-9_]*)|\[\s*(?:'([^']*)'|"([^"]*)"|([^\]]*))\s*\])((?:\.[A-Za-z0-9_]+|\[[^\]]*\])*)`)

type Option func(*Validator)

func WithMaxDepth(depth int) Option {
	return func(v *Validator) {
		if depth > 0 {
			v.maxDepth = depth
		}
	}
}

func WithMaxLength(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.maxLength = n
		}
	}
}

// Validator holds the configured limits. It has no mutable state and may be
// shared between goroutines.
type Validator struct {
	maxDepth  int
	maxLength int
	roots     map[string]bool
}

func New(opts ...Option) *Validator {
	v := &Validator{
		maxDepth:  DefaultMaxDepth,
		maxLength: DefaultMaxLength,
		roots:     make(map[string]bool, len(BindingRoots)),
	}
	for _, r := range BindingRoots {
		v.roots[r] = true
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Validator) MaxDepth() int {
	return v.maxDepth
}

// Validate reports every violation found in src.
func (v *Validator) Validate(src string) domain.TemplateResult {
	a := &analysis{src: src, lines: lineStarts(src)}

	if len(src) > v.maxLength {
		a.add(0, domain.CodeTemplateTooLarge,
			fmt.Sprintf("template is %d bytes, limit is %d", len(src), v.maxLength))
		return a.result()
	}

	v.scanTags(a)
	return a.result()
}

type openBlock struct {
	name   string
	offset int
}

func (v *Validator) scanTags(a *analysis) {
	var (
		stack      []openBlock
		depth      int
		depthFired bool
	)

	pos := 0
	for {
		start := strings.Index(a.src[pos:], "{{")
		if start < 0 {
			break
		}
		start += pos

		opener, closer := "{{", "}}"
		switch {
		case strings.HasPrefix(a.src[start:], "{{{"):
			opener, closer = "{{{", "}}}"
		case strings.HasPrefix(a.src[start:], "{{!--"), strings.HasPrefix(a.src[start:], "{{~!--"):
			closer = "--}}"
		}
		end := strings.Index(a.src[start+len(opener):], closer)
		if end < 0 {
			a.add(start, domain.CodeUnbalancedBlock, "unterminated expression")
			break
		}
		end += start + len(opener)
		pos = end + len(closer)

		raw := a.src[start+len(opener) : end]
		trimmed := strings.TrimLeft(raw, " \t\r\n~")
		bodyOffset := start + len(opener) + len(raw) - len(trimmed)
		body := strings.TrimRight(trimmed, " \t\r\n~")
		if strings.HasPrefix(body, "!") {
			continue
		}

		v.checkForbidden(a, start, body)
		v.scanBindings(a, bodyOffset, body)

		switch {
		case strings.HasPrefix(body, "#"):
			name := blockName(body[1:])
			stack = append(stack, openBlock{name: name, offset: start})
			if controlFlow[name] {
				depth++
				if depth > v.maxDepth && !depthFired {
					depthFired = true
					a.add(start, domain.CodeMaxDepthExceeded,
						fmt.Sprintf("block nesting depth %d exceeds maximum of %d", depth, v.maxDepth))
				}
			}
		case strings.HasPrefix(body, "/"):
			name := blockName(body[1:])
			idx := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].name == name {
					idx = i
					break
				}
			}
			if idx < 0 {
				a.add(start, domain.CodeUnbalancedBlock,
					fmt.Sprintf("closing {{/%s}} has no matching opening block", name))
				continue
			}
			for i := len(stack) - 1; i >= idx; i-- {
				if i > idx {
					a.add(stack[i].offset, domain.CodeUnbalancedBlock,
						fmt.Sprintf("block {{#%s}} is not closed before {{/%s}}", stack[i].name, name))
				}
				if controlFlow[stack[i].name] {
					depth--
				}
			}
			stack = stack[:idx]
		}
	}

	for _, b := range stack {
		a.add(b.offset, domain.CodeUnbalancedBlock, fmt.Sprintf("block {{#%s}} is never closed", b.name))
	}
}

func (v *Validator) checkForbidden(a *analysis, offset int, body string) {
	for _, p := range forbidden {
		if p.re.MatchString(body) {
			a.add(offset, domain.CodeForbiddenExecution, "forbidden construct in expression: "+p.name)
		}
	}
}

// scanBindings checks the roots referenced by one tag body. offset is the
// position of body within the template.
func (v *Validator) scanBindings(a *analysis, offset int, body string) {
	for _, m := range bindingRef.FindAllStringSubmatchIndex(body, -1) {
		expr := body[m[0]:m[1]]
		if m[8] >= 0 {
			a.addAt(offset+m[0], expr, domain.CodeInvalidBindingPrefix, "binding root must be a literal name")
			continue
		}
		var root string
		for g := 1; g <= 3; g++ {
			if m[2*g] >= 0 {
				root = body[m[2*g]:m[2*g+1]]
				break
			}
		}
		if v.roots[root] {
			continue
		}
		a.addAt(offset+m[0], expr, domain.CodeInvalidBindingPrefix,
			fmt.Sprintf("binding root %q is not one of %s", root, strings.Join(BindingRoots, ", ")))
	}
}

func blockName(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t\r\n}"); i >= 0 {
		s = s[:i]
	}
	return s
}

type located struct {
	offset int
	err    domain.TemplateError
}

type analysis struct {
	src    string
	lines  []int
	errors []located
}

func (a *analysis) add(offset int, code domain.TemplateErrorCode, msg string) {
	a.addAt(offset, a.position(offset), code, msg)
}

func (a *analysis) addAt(offset int, path string, code domain.TemplateErrorCode, msg string) {
	a.errors = append(a.errors, located{
		offset: offset,
		err:    domain.TemplateError{Path: path, Message: msg, Code: code},
	})
}

// position renders a byte offset as 1-based line:column.
func (a *analysis) position(offset int) string {
	line := sort.Search(len(a.lines), func(i int) bool { return a.lines[i] > offset }) - 1
	if line < 0 {
		line = 0
	}
	return fmt.Sprintf("%d:%d", line+1, offset-a.lines[line]+1)
}

func (a *analysis) result() domain.TemplateResult {
	sort.SliceStable(a.errors, func(i, j int) bool { return a.errors[i].offset < a.errors[j].offset })
	out := domain.TemplateResult{Valid: len(a.errors) == 0, Errors: make([]domain.TemplateError, 0, len(a.errors))}
	for _, e := range a.errors {
		out.Errors = append(out.Errors, e.err)
	}
	return out
}

func lineStarts(src string) []int {
	starts := []int{0}
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}
