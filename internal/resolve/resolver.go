// Package resolve canonicalizes tool identifiers across the agent-facing,
// registry-internal, and legacy-alias namespaces, and validates invocations
// against a tool's declared capabilities before any network traffic happens.
package resolve

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"toolgate/internal/invoke"
	"toolgate/internal/registry"
)

// Directory is the read surface the resolver needs from the registry.
type Directory interface {
	Lookup(id string) (registry.Descriptor, bool)
}

// Resolved is a normalized (registry_id, action, parameters) triple ready
// for dispatch. Parameters include defaults filled in from the schema.
type Resolved struct {
	RegistryID string
	Action     string
	Parameters map[string]any
}

// Resolver holds the finite alias table mapping agent-facing IDs to registry
// IDs, plus a reverse index for diagnostics. Resolution is pure: the same
// input against the same table always yields the same registry ID.
type Resolver struct {
	mu      sync.RWMutex
	aliases map[string]string
	reverse map[string][]string

	dir Directory
}

// New creates a resolver over the given directory with an optional initial
// alias table.
func New(dir Directory, aliases map[string]string) *Resolver {
	r := &Resolver{
		aliases: make(map[string]string),
		reverse: make(map[string][]string),
		dir:     dir,
	}
	for from, to := range aliases {
		r.SetAlias(from, to)
	}
	return r
}

// canonicalize trims and lowercases an identifier. The ID scheme is
// case-insensitive ASCII, so lowercase is always permitted.
func canonicalize(input string) string {
	return strings.ToLower(strings.TrimSpace(input))
}

// SetAlias installs or replaces one alias.
func (r *Resolver) SetAlias(from, to string) {
	from = canonicalize(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.aliases[from]; ok {
		r.reverse[old] = removeString(r.reverse[old], from)
	}
	r.aliases[from] = to
	r.reverse[to] = append(r.reverse[to], from)
	sort.Strings(r.reverse[to])
}

// DropAlias removes one alias, if present.
func (r *Resolver) DropAlias(from string) {
	from = canonicalize(from)
	r.mu.Lock()
	defer r.mu.Unlock()
	if to, ok := r.aliases[from]; ok {
		delete(r.aliases, from)
		r.reverse[to] = removeString(r.reverse[to], from)
	}
}

// AliasesFor returns the agent-facing IDs that map to a registry ID.
func (r *Resolver) AliasesFor(registryID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.reverse[registryID]...)
}

// Resolve maps any of the three namespaces onto a registry ID. A direct
// registry match wins over a legacy alias when the input matches both.
func (r *Resolver) Resolve(input string) (string, bool) {
	canonical := canonicalize(input)
	if canonical == "" {
		return "", false
	}
	if _, ok := r.dir.Lookup(canonical); ok {
		return canonical, true
	}
	r.mu.RLock()
	target, aliased := r.aliases[canonical]
	r.mu.RUnlock()
	if aliased {
		if _, ok := r.dir.Lookup(target); ok {
			return target, true
		}
	}
	// Verbatim fallback for schemes where case is significant.
	verbatim := strings.TrimSpace(input)
	if verbatim != canonical {
		if _, ok := r.dir.Lookup(verbatim); ok {
			return verbatim, true
		}
	}
	return "", false
}

// Validate resolves the tool, checks the action against its capabilities,
// and type-checks parameters against the declared schema. On success it
// returns the normalized triple with schema defaults applied. On failure the
// second return is a non-nil Result carrying the ErrorKind.
func (r *Resolver) Validate(tool, action string, params map[string]any) (Resolved, *invoke.Result) {
	id, ok := r.Resolve(tool)
	if !ok {
		res := invoke.Fail(invoke.ErrToolNotFound, fmt.Sprintf("tool not found: %s", tool))
		return Resolved{}, &res
	}
	d, ok := r.dir.Lookup(id)
	if !ok {
		res := invoke.Fail(invoke.ErrToolNotFound, fmt.Sprintf("tool not found: %s", tool))
		return Resolved{}, &res
	}

	cap, ok := d.Capability(action)
	if !ok {
		res := invoke.Fail(invoke.ErrActionNotSupported,
			fmt.Sprintf("tool %s does not support action %s", id, action))
		return Resolved{}, &res
	}

	normalized, failure := normalizeParams(cap, params)
	if failure != nil {
		return Resolved{}, failure
	}
	return Resolved{RegistryID: id, Action: action, Parameters: normalized}, nil
}

// normalizeParams copies params, applies defaults, and enforces required
// flags and type tags.
func normalizeParams(cap registry.Capability, params map[string]any) (map[string]any, *invoke.Result) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for name, schema := range cap.Parameters {
		val, present := out[name]
		if !present {
			if schema.Default != nil {
				out[name] = schema.Default
				continue
			}
			if schema.Required {
				res := invoke.Fail(invoke.ErrInvalidArgument,
					fmt.Sprintf("missing required parameter: %s", name))
				return nil, &res
			}
			continue
		}
		if !typeMatches(schema.Type, val) {
			res := invoke.Fail(invoke.ErrInvalidArgument,
				fmt.Sprintf("parameter %s: expected %s", name, schema.Type))
			return nil, &res
		}
	}
	return out, nil
}

// typeMatches checks a value against a schema type tag. JSON numbers arrive
// as float64, so integer tags accept whole floats.
func typeMatches(tag string, val any) bool {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "", "any":
		return true
	case "string":
		_, ok := val.(string)
		return ok
	case "number", "float":
		switch val.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "integer", "int":
		switch v := val.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		case float32:
			return v == float32(int64(v))
		}
		return false
	case "boolean", "bool":
		_, ok := val.(bool)
		return ok
	case "object", "map":
		_, ok := val.(map[string]any)
		return ok
	case "array", "list":
		switch val.(type) {
		case []any, []string:
			return true
		}
		return false
	default:
		// Unknown tags are treated as opaque and pass through.
		return true
	}
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
