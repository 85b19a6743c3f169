package env

import (
	"os"
	"strings"
)

// Env composes the environment handed to the supervised worker.
// Precedence, lowest to highest: OS environment (cached on first use),
// global overrides set via Set, then per-spawn extras passed to Merge.
type Env struct {
	overrides map[string]string
	base      map[string]string
}

func New() *Env {
	return &Env{overrides: make(map[string]string)}
}

// FromOS caches the current process environment as the base layer.
// Merge calls it lazily when no base has been captured yet.
func (e *Env) FromOS() {
	base := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := splitKV(kv); ok {
			base[k] = v
		}
	}
	e.base = base
}

// Isolate sets an empty base so the worker does not inherit this process's
// environment. Overrides and per-spawn extras still apply.
func (e *Env) Isolate() {
	e.base = map[string]string{}
}

// Set adds or replaces a global override K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.overrides == nil {
		e.overrides = make(map[string]string)
	}
	e.overrides[k] = v
}

// Unset removes a global override.
func (e *Env) Unset(k string) {
	if e.overrides != nil {
		delete(e.overrides, k)
	}
}

// SetAll applies a list of "KEY=VALUE" entries as global overrides.
// Malformed entries are skipped.
func (e *Env) SetAll(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := splitKV(kv); ok {
			e.Set(k, v)
		}
	}
}

// Merge builds the final "K=V" slice for one spawn: base, then global
// overrides, then extra. Values may reference ${VAR}; references are
// expanded once against the composed map, without recursion.
func (e *Env) Merge(extra []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(map[string]string, len(e.base)+len(e.overrides)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.overrides {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := splitKV(kv); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

func splitKV(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
