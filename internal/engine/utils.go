// Completion: 100% - Utility module complete
package engine

import (
	"cmp"
	"slices"
	"strings"
)

// utils.go - Utility helper functions
//
// String similarity helpers used when reporting unresolved labels.

// maxSuggestionDistance is the largest edit distance still offered as a "did you mean"
const maxSuggestionDistance = 3

// levenshteinDistance calculates the edit distance between two strings,
// keeping only two rows of the matrix
func levenshteinDistance(s1, s2 string) int {
	if len(s1) < len(s2) {
		s1, s2 = s2, s1
	}
	prev := make([]int, len(s2)+1)
	cur := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(s1); i++ {
		cur[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(s2)]
}

// SimilarNames returns up to maxSuggestions candidates within a small edit
// distance of name, closest first. Case is ignored when measuring, so a
// label that differs only in case ranks ahead of everything else. The name
// itself is never suggested.
func SimilarNames(name string, candidates []string, maxSuggestions int) []string {
	type suggestion struct {
		name     string
		distance int
	}

	folded := strings.ToLower(name)
	var suggestions []suggestion
	for _, candidate := range candidates {
		if candidate == name {
			continue
		}
		if dist := levenshteinDistance(folded, strings.ToLower(candidate)); dist <= maxSuggestionDistance {
			suggestions = append(suggestions, suggestion{candidate, dist})
		}
	}

	slices.SortFunc(suggestions, func(a, b suggestion) int {
		return cmp.Or(cmp.Compare(a.distance, b.distance), strings.Compare(a.name, b.name))
	})

	result := make([]string, 0, min(len(suggestions), maxSuggestions))
	for _, s := range suggestions[:min(len(suggestions), maxSuggestions)] {
		result = append(result, s.name)
	}
	return result
}
