package utils

// Rough token estimation used to check prompts against a model's context
// window. 1 token ~= 4 characters.

// CountTokens estimates the number of tokens in text. Non-empty text counts
// as at least one token.
func CountTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	tokens := len([]rune(text)) / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// TruncateToTokenLimit cuts text so CountTokens(result) <= limit. Cuts land
// on a line boundary when one exists in the kept half.
func TruncateToTokenLimit(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	charLimit := limit * 4
	if charLimit >= len(runes) {
		return text
	}
	kept := runes[:charLimit]
	for i := len(kept) - 1; i >= charLimit/2; i-- {
		if kept[i] == '\n' {
			return string(kept[:i+1])
		}
	}
	return string(kept)
}

// TokenBreakdown maps labeled prompt sections to their token estimates.
func TokenBreakdown(sections map[string]string) map[string]int {
	out := make(map[string]int, len(sections))
	for k, v := range sections {
		out[k] = CountTokens(v)
	}
	return out
}
