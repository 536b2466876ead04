// Package copilot – tokens.go provides a cheap bilingual token estimator used
// for prompt budgeting. Korean text tokenizes much denser than Latin text, so
// Hangul code points are weighted separately.
package copilot

import "math"

// hangul ranges: Jamo (U+1100–U+11FF), Compatibility Jamo (U+3130–U+318F),
// Syllables (U+AC00–U+D7AF).
func isHangul(r rune) bool {
	switch {
	case r >= 0x1100 && r <= 0x11FF:
		return true
	case r >= 0x3130 && r <= 0x318F:
		return true
	case r >= 0xAC00 && r <= 0xD7AF:
		return true
	}
	return false
}

// EstimateTokens approximates the token count of text for budgeting.
// Hangul characters cost ~1.5 tokens each, everything else ~1 token per
// 4 characters. Precision beyond ±15% does not matter here.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var korean, other int
	for _, r := range text {
		if isHangul(r) {
			korean++
		} else {
			other++
		}
	}
	return int(math.Ceil(1.5*float64(korean) + float64(other)/4))
}

// EstimateMessageTokens sums the estimates for a message list, charging a
// fixed per-message overhead of 4 tokens for role and framing.
func EstimateMessageTokens(messages []chatMessage) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.ContentText()) + 4
	}
	return total
}
