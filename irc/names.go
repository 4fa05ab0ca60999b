package irc

import "sort"

// PackWords sorts words lexicographically and packs them into space-joined
// groups whose rendered length does not exceed budget. A word longer than the
// budget still gets a group of its own; the line limit cannot be honored for
// it and the caller decides whether that is acceptable.
func PackWords(words []string, budget int) [][]string {
	if len(words) == 0 {
		return nil
	}

	sorted := append([]string(nil), words...)
	sort.Strings(sorted)

	var groups [][]string
	var current []string
	length := 0

	for _, word := range sorted {
		need := len(word)
		if len(current) > 0 {
			need++ // separating space
		}
		if len(current) > 0 && length+need > budget {
			groups = append(groups, current)
			current = nil
			length = 0
			need = len(word)
		}
		current = append(current, word)
		length += need
	}
	groups = append(groups, current)

	return groups
}
