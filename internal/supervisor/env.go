package supervisor

import (
	"sort"
	"strings"
)

// MergeEnv builds a child environment. Without isolation the ambient
// environment is kept and overrides replace or extend it; with isolation only
// the overrides are passed. The result is never nil, so an isolated child with
// no overrides gets an empty environment rather than inheriting the host's.
func MergeEnv(ambient []string, overrides map[string]string, isolate bool) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(ambient)+len(keys))
	if !isolate {
		for _, kv := range ambient {
			k, _, _ := strings.Cut(kv, "=")
			if _, overridden := overrides[k]; overridden {
				continue
			}
			env = append(env, kv)
		}
	}
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
