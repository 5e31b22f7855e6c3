package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/subosito/gotenv"
)

// Env composes the environment of the supervisor status command: the
// process environment, then variables from env files, then explicit pairs.
type Env struct {
	vars    map[string]string
	inherit bool
}

// New returns an Env that inherits the current process environment.
func New() *Env {
	return &Env{vars: make(map[string]string), inherit: true}
}

// Isolated returns an Env that starts empty.
func Isolated() *Env {
	return &Env{vars: make(map[string]string)}
}

// WithSet returns a copy with k=v applied.
func (e *Env) WithSet(k, v string) *Env {
	out := e.clone()
	if k != "" {
		out.vars[k] = v
	}
	return out
}

// WithPairs returns a copy with every "K=V" pair applied in order.
// Entries without '=' or with an empty key are ignored.
func (e *Env) WithPairs(pairs []string) *Env {
	out := e.clone()
	for _, kv := range pairs {
		if k, v, ok := split(kv); ok {
			out.vars[k] = v
		}
	}
	return out
}

// WithFile returns a copy with the variables of a .env file applied.
func (e *Env) WithFile(path string) (*Env, error) {
	m, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	out := e.clone()
	for k, v := range m {
		out.vars[k] = v
	}
	return out, nil
}

// Merge returns the final "K=V" list, sorted by key, with $VAR and ${VAR}
// references expanded against the composed set. overrides apply last.
func (e *Env) Merge(overrides []string) []string {
	m := make(map[string]string)
	if e.inherit {
		for _, kv := range os.Environ() {
			if k, v, ok := split(kv); ok {
				m[k] = v
			}
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range overrides {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := os.Expand(m[k], func(name string) string { return m[name] })
		out = append(out, k+"="+v)
	}
	return out
}

func (e *Env) clone() *Env {
	out := &Env{vars: make(map[string]string, len(e.vars)), inherit: e.inherit}
	for k, v := range e.vars {
		out.vars[k] = v
	}
	return out
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

// LoadFile parses a .env file with gotenv. Quoting, escapes, inline comments
// and multi-line quoted values follow gotenv's rules; any line it cannot parse
// fails the whole file.
func LoadFile(path string) (map[string]string, error) {
	vars, err := gotenv.Read(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file %s: %w", path, err)
	}
	return vars, nil
}
