package routing

import (
	"fmt"
	"strconv"
	"strings"

	"telephony-gateway/internal/telephony"
)

// Wildcard is the rule number that matches any dialed number.
const Wildcard = "*"

// ParseRules reads the INBOUND_ROUTES format:
//
//	+15551230000=support:3|sales:1;+15559870000=billing;*=frontdesk
//
// A missing weight means 1. Numbers are normalized to E.164.
func ParseRules(raw string) ([]Rule, error) {
	var rules []Rule
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		number, agents, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("routing: rule %q missing '='", entry)
		}
		r := Rule{Number: strings.TrimSpace(number)}
		for _, a := range strings.Split(agents, "|") {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			ref, w, hasWeight := strings.Cut(a, ":")
			wa := WeightedAgent{AgentRef: strings.TrimSpace(ref), Weight: 1}
			if hasWeight {
				n, err := strconv.Atoi(strings.TrimSpace(w))
				if err != nil {
					return nil, fmt.Errorf("routing: bad weight in %q: %w", a, err)
				}
				wa.Weight = n
			}
			r.Agents = append(r.Agents, wa)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func normalizeRule(r Rule) (Rule, error) {
	if r.Number != Wildcard {
		n, err := telephony.NormalizeE164(r.Number)
		if err != nil {
			return Rule{}, fmt.Errorf("routing: rule number %q: %w", r.Number, err)
		}
		r.Number = n
	}
	if len(r.Agents) == 0 {
		return Rule{}, fmt.Errorf("routing: rule %q has no agents", r.Number)
	}
	usable := 0
	for _, a := range r.Agents {
		if a.AgentRef == "" {
			return Rule{}, fmt.Errorf("routing: rule %q has an empty agent ref", r.Number)
		}
		if a.Weight > 0 {
			usable++
		}
	}
	if usable == 0 {
		return Rule{}, fmt.Errorf("routing: rule %q has no agent with positive weight", r.Number)
	}
	return r, nil
}
