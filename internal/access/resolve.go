package access

import (
	"strings"

	"forge-backend/internal/metadata"
)

// IsPlaceholder reports whether a condition value or key is a symbolic
// reference to be resolved against the context rather than taken literally.
func IsPlaceholder(s string) bool {
	return strings.HasPrefix(s, "$")
}

// Resolve walks a $-prefixed dot path against the evaluation context.
// Supported roots are $currentUser (the session user: id, role, then
// arbitrary attribute keys) and $params (route parameters). Anything that
// cannot be walked to the end (no session, unknown root, missing key,
// non-map intermediate) is unresolved, reported as ok == false. Resolve
// never returns an error: unresolved simply never equals anything.
func Resolve(path string, ctx *EvalContext) (any, bool) {
	if ctx == nil || !IsPlaceholder(path) {
		return nil, false
	}
	parts := strings.Split(strings.TrimPrefix(path, "$"), ".")
	if len(parts) < 2 {
		return nil, false
	}
	switch parts[0] {
	case "currentUser":
		return resolveUser(ctx.User, parts[1:])
	case "params":
		return walkPath(ctx.Params, parts[1:])
	}
	return nil, false
}

func resolveUser(u *metadata.UserContext, parts []string) (any, bool) {
	if u == nil {
		return nil, false
	}
	var head any
	switch parts[0] {
	case "id":
		head = u.ID
	case "role":
		head = u.Role
	default:
		v, ok := u.Attrs[parts[0]]
		if !ok {
			return nil, false
		}
		head = v
	}
	return walkPath(head, parts[1:])
}

// walkPath descends through nested maps one key at a time. A key that is
// present with a nil value resolves to nil, which is distinct from a key
// that is absent.
func walkPath(val any, parts []string) (any, bool) {
	for _, part := range parts {
		m, ok := val.(map[string]any)
		if !ok {
			return nil, false
		}
		val, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return val, true
}
