package core

// NormalizePriorities enforces priority uniqueness at save time. Rules are
// scanned in insertion order; when a rule repeats an explicit priority, the
// earlier holder's priority is cleared so it drops behind every rule with a
// set priority. The most recent occurrence keeps the value.
//
// This runs when a rule set is stored, not at evaluation time; Resolve
// assumes explicit priorities are already unique.
func NormalizePriorities(rules []Rule) []Rule {
	normalized := make([]Rule, len(rules))
	copy(normalized, rules)

	holders := make(map[int]int, len(normalized))
	for i, rule := range normalized {
		if rule.Priority == nil {
			continue
		}
		if prev, ok := holders[*rule.Priority]; ok {
			normalized[prev].Priority = nil
		}
		holders[*rule.Priority] = i
	}

	return normalized
}
