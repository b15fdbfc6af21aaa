package action

import (
	"fmt"
	"regexp"
	"strings"
)

// Reference tokens in step params come in two shapes: "{name}" for a direct
// key and "{{path.to.value}}" for a dot path. Lookup order is outputs first,
// then context. An unresolved reference yields a sentinel value instead of
// failing the step outright; the engine records which tokens missed.

var (
	doubleBraceRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)
	singleBraceRe = regexp.MustCompile(`\{([^{}]+)\}`)
)

// Sentinel returns the unresolved-reference marker for a token.
func Sentinel(token string) string {
	return "<unresolved:" + token + ">"
}

// IsUnresolved reports whether a value is an unresolved-reference sentinel.
func IsUnresolved(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, "<unresolved:") && strings.HasSuffix(s, ">")
}

// ResolveParams substitutes reference tokens in params against outputs and
// context. Literal values pass through unchanged. Returns the resolved copy
// and the list of tokens that could not be resolved.
func ResolveParams(params, context, outputs map[string]interface{}) (map[string]interface{}, []string) {
	resolved := make(map[string]interface{}, len(params))
	var unresolved []string
	for k, v := range params {
		resolved[k] = resolveValue(v, context, outputs, &unresolved)
	}
	return resolved, unresolved
}

func resolveValue(v interface{}, context, outputs map[string]interface{}, unresolved *[]string) interface{} {
	switch val := v.(type) {
	case string:
		return resolveString(val, context, outputs, unresolved)
	case map[string]interface{}:
		nested := make(map[string]interface{}, len(val))
		for k, inner := range val {
			nested[k] = resolveValue(inner, context, outputs, unresolved)
		}
		return nested
	case []interface{}:
		list := make([]interface{}, len(val))
		for i, inner := range val {
			list[i] = resolveValue(inner, context, outputs, unresolved)
		}
		return list
	default:
		return v
	}
}

func resolveString(s string, context, outputs map[string]interface{}, unresolved *[]string) interface{} {
	// A string that is exactly one token resolves to the referenced value
	// with its type intact.
	if m := doubleBraceRe.FindStringSubmatch(s); m != nil && m[0] == s {
		return lookupToken(m[1], context, outputs, unresolved)
	}
	if m := singleBraceRe.FindStringSubmatch(s); m != nil && m[0] == s {
		return lookupToken(m[1], context, outputs, unresolved)
	}

	// Embedded tokens are substituted textually.
	replaced := doubleBraceRe.ReplaceAllStringFunc(s, func(tok string) string {
		path := strings.TrimSuffix(strings.TrimPrefix(tok, "{{"), "}}")
		return fmt.Sprint(lookupToken(path, context, outputs, unresolved))
	})
	replaced = singleBraceRe.ReplaceAllStringFunc(replaced, func(tok string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(tok, "{"), "}")
		return fmt.Sprint(lookupToken(name, context, outputs, unresolved))
	})
	return replaced
}

func lookupToken(path string, context, outputs map[string]interface{}, unresolved *[]string) interface{} {
	if v, ok := lookupPath(outputs, path); ok {
		return v
	}
	if v, ok := lookupPath(context, path); ok {
		return v
	}
	*unresolved = append(*unresolved, path)
	return Sentinel(path)
}

// lookupPath walks a dot-separated path through nested maps.
func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current interface{} = m
	for _, seg := range segments {
		cm, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = cm[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	default:
		return nil, false
	}
}
