package stack

import "sort"

// TagSet holds the standard tags for a managed cloud resource.
type TagSet struct {
	Stack  string
	Domain string
}

// AsMap returns tags as map[string]string (stack-level tags, general use).
func (ts TagSet) AsMap() map[string]string {
	return map[string]string{
		"n8nhost-managed": "true",
		"n8nhost-stack":   ts.Stack,
		"n8nhost-domain":  ts.Domain,
	}
}

// AsCFN returns tags in CloudFormation list form, sorted by key. Extra
// key/value pairs (such as Name) are merged in.
func (ts TagSet) AsCFN(extra ...string) []any {
	m := ts.AsMap()
	for i := 0; i+1 < len(extra); i += 2 {
		m[extra[i]] = extra[i+1]
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{"Key": k, "Value": m[k]})
	}
	return out
}
