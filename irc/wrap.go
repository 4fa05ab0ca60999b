package irc

import "strings"

// WrapText breaks text into chunks of at most budget bytes, preferring to cut
// at the last space within the budget. A run of budget bytes without a space
// is cut mid-word. Word order is preserved; surrounding spaces at each cut
// are dropped.
func WrapText(text string, budget int) []string {
	if budget < 1 {
		budget = 1
	}

	var chunks []string
	for len(text) > budget {
		cut := strings.LastIndexByte(text[:budget+1], ' ')
		if cut <= 0 {
			cut = budget
		}
		if chunk := strings.TrimRight(text[:cut], " "); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimLeft(text[cut:], " ")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
