package core

import "sort"

// ResolveOptions configures a resolution pass.
type ResolveOptions struct {
	// Premium enables secondary checkout outputs and rule messages. In the
	// free tier rules still hide and require fields, but messages and the
	// terms/account/login switches are ignored.
	Premium bool

	// CollectMessages gathers matched rule messages into the result. It is
	// set when resolving for an actual checkout render and left off for
	// background recalculations.
	CollectMessages bool
}

// Resolve runs a section's rule set against a cart snapshot and accumulates
// the final field states, messages, and secondary outputs.
//
// Rules evaluate in ascending priority order with unset priorities last.
// A rule without an operand is skipped outright. A stop rule (StopOnMatch
// with a configured operand) terminates the pass whether or not it matches:
// on a match its assignments apply and nothing after it runs, on a miss it
// blocks every lower-priority rule. This lets a high-priority gate rule
// suppress the rest of the chain.
func Resolve(rules []Rule, cart CartSnapshot, opts ResolveOptions) Result {
	result := Result{Fields: make(map[string]FieldState)}

	for _, rule := range SortByPriority(rules) {
		stop := rule.StopOnMatch && len(rule.Operand) > 0

		if len(rule.Operand) == 0 {
			// No condition configured; the stop flag is ignored too.
			continue
		}

		if !EvaluateCondition(rule.Condition, rule.Operator, rule.Operand, cart) {
			if stop {
				break
			}
			continue
		}

		mergeAssignments(result.Fields, rule.Fields)

		if opts.Premium {
			applySecondary(&result.Secondary, rule)
			if opts.CollectMessages && rule.MessageType != "" && rule.MessageText != "" {
				result.Messages = append(result.Messages, Message{
					Type: rule.MessageType,
					Text: rule.MessageText,
				})
			}
		}

		if stop {
			break
		}
	}

	return result
}

// SortByPriority returns rules ordered for evaluation: explicit priorities
// ascending, then rules without a priority in their original relative order.
// The input slice is left untouched.
func SortByPriority(rules []Rule) []Rule {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)

	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].Priority, sorted[j].Priority
		switch {
		case pi == nil:
			return false
		case pj == nil:
			return true
		default:
			return *pi < *pj
		}
	})

	return sorted
}

// mergeAssignments folds one rule's field assignments into the accumulated
// states. Only concrete yes/no values overwrite; unset/default sentinels
// leave earlier decisions (and untouched fields) alone.
func mergeAssignments(fields map[string]FieldState, assignments map[string]FieldAssignment) {
	for name, assignment := range assignments {
		if !assignment.Hide.Concrete() && !assignment.Required.Concrete() {
			continue
		}

		state := fields[name]
		switch assignment.Hide {
		case TriStateYes:
			state.Hidden = true
		case TriStateNo:
			state.Hidden = false
		}
		switch assignment.Required {
		case TriStateYes:
			state.Required = boolPtr(true)
		case TriStateNo:
			state.Required = boolPtr(false)
		}
		fields[name] = state
	}
}

func applySecondary(secondary *SecondaryState, rule Rule) {
	if rule.TermsHide.Concrete() {
		secondary.TermsHide = rule.TermsHide
	}
	if rule.CreateAccountHide.Concrete() {
		secondary.CreateAccountHide = rule.CreateAccountHide
	}
	if rule.CreateAccountRequired.Concrete() {
		secondary.CreateAccountRequired = rule.CreateAccountRequired
	}
	if rule.LoginRequired.Concrete() {
		secondary.LoginRequired = rule.LoginRequired
	}
}

func boolPtr(value bool) *bool {
	return &value
}
