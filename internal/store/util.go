package store

import "sort"

// sortedKeys yields map keys in stable order so generated SQL and argument
// positions are deterministic.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
