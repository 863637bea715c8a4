// Package tokenutil estimates token counts for prompt budgeting. The
// step loop uses it to keep tool observations from flooding the
// provider's context window.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// Clamp truncates content to roughly maxTokens, marking the cut. Content
// already under the budget is returned unchanged.
func Clamp(content string, maxTokens int) string {
	if maxTokens <= 0 || EstimateTokens(content) <= maxTokens {
		return content
	}
	// Four chars per token is the floor EstimateTokens uses, so a cut at
	// maxTokens*4 chars cannot land under the budget's worth of text.
	cut := maxTokens * 4
	if cut >= len(content) {
		return content
	}
	return content[:cut] + "\n[observation truncated]"
}
