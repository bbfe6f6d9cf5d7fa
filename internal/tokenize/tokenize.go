// Package tokenize implements the keyword extraction the client runs over a
// document's plaintext before filing it: every maximal run of ASCII letters
// and digits becomes one keyword, case preserved, duplicates within a
// single document collapsed to one entry.
package tokenize

import "regexp"

var wordPattern = regexp.MustCompile(`[A-Za-z0-9]+`)

// Keywords returns the deduplicated set of words content's text tokenizes
// into, in first-occurrence order. Order only affects test determinism; the
// caller files each word under its own independent chain regardless.
func Keywords(content []byte) []string {
	matches := wordPattern.FindAll(content, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		w := string(m)
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
