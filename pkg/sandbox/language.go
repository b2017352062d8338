package sandbox

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
)

// DefaultLanguage is used when a submission does not name a language.
const DefaultLanguage = "python"

// Kind separates languages that are executed from markup that is only inspected.
type Kind int

const (
	// KindExecutable languages are run in a child process against the test input.
	KindExecutable Kind = iota
	// KindMarkup languages are graded by looking for the expected marker inside the source.
	KindMarkup
)

// Adapter describes how a normalised language key is turned into a runnable program.
type Adapter struct {
	Key       string
	Runtime   string
	Args      []string
	Extension string
	Image     string
	Kind      Kind
	// Prelude returns source that binds the test input before the submission runs.
	Prelude func(input string) string
	// Splice places the prelude inside the submission. Nil means plain prepend.
	Splice func(code, prelude string) string
}

// Source returns the program written to the workspace for one test input.
func (a Adapter) Source(code, input string) string {
	if a.Prelude == nil {
		return code
	}
	prelude := a.Prelude(input)
	if a.Splice != nil {
		return a.Splice(code, prelude)
	}
	return prelude + code
}

// Command returns the argv used to run the source file at path.
func (a Adapter) Command(path string) []string {
	cmd := make([]string, 0, len(a.Args)+2)
	cmd = append(cmd, a.Runtime)
	cmd = append(cmd, a.Args...)
	return append(cmd, path)
}

// Registry maps normalised language keys and their aliases to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	aliases  map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		aliases:  make(map[string]string),
	}
}

// DefaultRegistry returns the adapters available out of the box.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Adapter{
		Key:       "python",
		Runtime:   "python3",
		Args:      []string{"-u"},
		Extension: ".py",
		Image:     "python:3.11-alpine",
		Prelude:   pythonPrelude,
		Splice:    pythonSplice,
	}, "py", "python3")
	r.Register(Adapter{
		Key:       "javascript",
		Runtime:   "node",
		Extension: ".js",
		Image:     "node:20-alpine",
		Prelude:   javascriptPrelude,
	}, "js", "node", "nodejs", "typescript", "ts")
	r.Register(Adapter{
		Key:       "html",
		Extension: ".html",
		Kind:      KindMarkup,
	}, "htm")
	return r
}

// Register adds or replaces an adapter and its aliases.
func (r *Registry) Register(adapter Adapter, aliases ...string) {
	key := NormalizeLanguage(adapter.Key)
	adapter.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[key] = adapter
	for _, alias := range aliases {
		r.aliases[NormalizeLanguage(alias)] = key
	}
}

// Lookup resolves a raw language name. The boolean is false when no adapter exists.
func (r *Registry) Lookup(language string) (Adapter, bool) {
	key := NormalizeLanguage(language)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if target, ok := r.aliases[key]; ok {
		key = target
	}
	adapter, ok := r.adapters[key]
	return adapter, ok
}

// NormalizeLanguage lower-cases and trims a language name. An empty name maps to DefaultLanguage.
func NormalizeLanguage(language string) string {
	key := strings.ToLower(strings.TrimSpace(language))
	if key == "" {
		return DefaultLanguage
	}
	return key
}

func pythonPrelude(input string) string {
	return "input_data = " + strconv.Quote(input) + "\n"
}

// pythonSplice inserts the prelude after the module header: leading comments,
// a module docstring and any from __future__ imports, which must stay first.
func pythonSplice(code, prelude string) string {
	lines := strings.SplitAfter(code, "\n")
	insertAt := 0
	inDocstring, inImport := "", false
	sawStatement := false

scan:
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case inDocstring != "":
			if strings.Contains(trimmed, inDocstring) {
				inDocstring = ""
				insertAt = i + 1
			}
		case inImport:
			if strings.Contains(trimmed, ")") {
				inImport = false
				insertAt = i + 1
			}
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		case strings.HasPrefix(trimmed, "from __future__ import"):
			sawStatement = true
			insertAt = i + 1
			inImport = strings.Contains(trimmed, "(") && !strings.Contains(trimmed, ")")
		case !sawStatement && (strings.HasPrefix(trimmed, `"""`) || strings.HasPrefix(trimmed, "'''")):
			sawStatement = true
			quote := trimmed[:3]
			insertAt = i + 1
			if !strings.Contains(trimmed[3:], quote) {
				inDocstring = quote
			}
		default:
			break scan
		}
	}

	if insertAt == 0 {
		return prelude + code
	}

	head := strings.Join(lines[:insertAt], "")
	if !strings.HasSuffix(head, "\n") {
		head += "\n"
	}
	return head + prelude + strings.Join(lines[insertAt:], "")
}

func javascriptPrelude(input string) string {
	literal, err := json.Marshal(input)
	if err != nil {
		literal = []byte(`""`)
	}
	return "globalThis.input_data = " + string(literal) + ";\n"
}
