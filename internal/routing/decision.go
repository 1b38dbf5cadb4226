package routing

// Decision is what the router tells the call core for one inbound call. It
// names an agent and nothing about the provider carrying the call.
type Decision struct {
	Action   Action `json:"action"`
	AgentRef string `json:"agent_ref,omitempty"`

	// Reason is for internal logs only.
	Reason string `json:"reason,omitempty"`
}

type Action string

const (
	ActionReject  Action = "reject"
	ActionConnect Action = "connect"
)

// WeightedAgent is one candidate for a dialed number. Agents with a weight
// of zero or less are never picked.
type WeightedAgent struct {
	AgentRef string `json:"agent_ref"`
	Weight   int    `json:"weight"`
}

// Rule maps a dialed number to its candidate agents. Number "*" is the
// fallback used when nothing else matches.
type Rule struct {
	Number string          `json:"number"`
	Agents []WeightedAgent `json:"agents"`
}
