package shared

// Truncate shortens s to at most max runes, appending "..." when it was cut.
// History ledger entries store truncated task descriptions, not full prompts.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
