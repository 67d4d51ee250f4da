package ingest

import "strings"

// EstimateTokens returns a fast token estimate used for chunk budgeting.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English),
// with a len/4 floor for code and non-English text.
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
