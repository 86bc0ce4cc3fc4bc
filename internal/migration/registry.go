package migration

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrInvalidVersion   = errors.New("migration: invalid version")
	ErrDuplicateVersion = errors.New("migration: duplicate version")
	ErrUnknownVersion   = errors.New("migration: unknown version")
)

// Bundle maps logical keys to their decoded values. A nil value means the
// key is absent; a script that sets a key to nil deletes it.
type Bundle map[string]any

type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Script transforms the bundle of Keys between two schema versions.
type Script struct {
	Version     string
	Description string
	Keys        []string
	Up          func(Bundle) (Bundle, error)
	Down        func(Bundle) (Bundle, error)
	Validate    func(Bundle) ValidationResult
	Breaking    bool
}

type entry struct {
	version *semver.Version
	script  Script
}

// Registry is an immutable, semver-ordered set of scripts.
type Registry struct {
	entries []entry
}

func NewRegistry(scripts ...Script) (*Registry, error) {
	entries := make([]entry, 0, len(scripts))
	seen := map[string]bool{}
	for _, script := range scripts {
		v, err := semver.StrictNewVersion(script.Version)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidVersion, script.Version, err)
		}
		if seen[v.String()] {
			return nil, fmt.Errorf("%w %s", ErrDuplicateVersion, v)
		}
		if script.Up == nil || script.Down == nil {
			return nil, fmt.Errorf("migration %s: up and down are required", v)
		}
		seen[v.String()] = true
		entries = append(entries, entry{version: v, script: script})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].version.LessThan(entries[j].version) })
	return &Registry{entries: entries}, nil
}

// Versions lists every registered version in ascending order.
func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.script.Version)
	}
	return out
}

// Latest is the highest registered version, or "" for an empty registry.
func (r *Registry) Latest() string {
	if len(r.entries) == 0 {
		return ""
	}
	return r.entries[len(r.entries)-1].script.Version
}

func (r *Registry) Script(version string) (Script, bool) {
	for _, e := range r.entries {
		if e.script.Version == version {
			return e.script, true
		}
	}
	return Script{}, false
}

// After returns the scripts strictly newer than version. A version that is
// not registered yields every script.
func (r *Registry) After(version string) []Script {
	v, err := semver.StrictNewVersion(version)
	if err != nil || !r.has(v) {
		return r.all()
	}
	var out []Script
	for _, e := range r.entries {
		if e.version.GreaterThan(v) {
			out = append(out, e.script)
		}
	}
	return out
}

// Between returns scripts in (from, to], newest first, for rollback.
func (r *Registry) Between(from, to string) ([]Script, error) {
	lo, err := semver.StrictNewVersion(from)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidVersion, from, err)
	}
	hi, err := semver.StrictNewVersion(to)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidVersion, to, err)
	}
	var out []Script
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.version.GreaterThan(lo) && !e.version.GreaterThan(hi) {
			out = append(out, e.script)
		}
	}
	return out, nil
}

func (r *Registry) has(v *semver.Version) bool {
	for _, e := range r.entries {
		if e.version.Equal(v) {
			return true
		}
	}
	return false
}

func (r *Registry) all() []Script {
	out := make([]Script, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.script)
	}
	return out
}

// Compare orders two versions; invalid versions sort first.
func Compare(a, b string) int {
	va, errA := semver.StrictNewVersion(a)
	vb, errB := semver.StrictNewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}
