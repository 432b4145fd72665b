// Package strings provides string list helpers for configuration values.
package strings

import (
	"strings"
)

// SplitList splits raw on sep, trims each element and drops empties and
// duplicates. Order is preserved.
//
//	SplitList(" https://a.example, https://b.example ,https://a.example", ",")
//	// []string{"https://a.example", "https://b.example"}
func SplitList(raw, sep string) []string {
	var out []string
	seen := make(map[string]struct{})
	for part := range strings.SplitSeq(raw, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
