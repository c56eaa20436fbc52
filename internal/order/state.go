package order

// State is one node of the order lifecycle DAG (spec.md §4.1). Unlike the
// teacher's og.OrderState (a flat 9-value enum reached by a bare switch in
// ApplyAck), State here is validated against an explicit transition table
// built once at package init — spec.md §9's "state machine as open
// dictionary of transitions" replaced by a checked sparse matrix.
type State uint8

const (
	StateUnknown State = iota
	Created
	Staged
	RiskAccepted
	RiskRejected
	Sent
	Rejected
	Live
	PartiallyFilled
	Filled
	Canceled
	CancelRequested
	CancelSent
	ReplaceRequested
	ReplaceRejected
	ReplaceSent
)

var stateNames = map[State]string{
	StateUnknown:     "UNKNOWN",
	Created:          "CREATED",
	Staged:           "STAGED",
	RiskAccepted:     "RISK_ACCEPTED",
	RiskRejected:     "RISK_REJECTED",
	Sent:             "SENT",
	Rejected:         "REJECTED",
	Live:             "LIVE",
	PartiallyFilled:  "PARTIALLY_FILLED",
	Filled:           "FILLED",
	Canceled:         "CANCELED",
	CancelRequested:  "CANCEL_REQUESTED",
	CancelSent:       "CANCEL_SENT",
	ReplaceRequested: "REPLACE_REQUESTED",
	ReplaceRejected:  "REPLACE_REJECTED",
	ReplaceSent:      "REPLACE_SENT",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// closedStates is the partition of terminal states (spec.md §4.1 "Closed").
var closedStates = map[State]bool{
	RiskRejected: true,
	Rejected:     true,
	Filled:       true,
	Canceled:     true,
}

// IsClosed reports whether state belongs to the closed partition.
func (s State) IsClosed() bool {
	return closedStates[s]
}

// transitions is the permitted-edge table of spec.md §4.1, built once and
// self-checked at init so a typo in the edge list fails at program start
// rather than silently accepting bad transitions at runtime.
var transitions = buildTransitions()

func buildTransitions() map[State]map[State]bool {
	edges := []struct {
		from State
		to   []State
	}{
		{Created, []State{Staged}},
		{Staged, []State{RiskAccepted, RiskRejected}},
		{RiskAccepted, []State{Sent, Rejected}},
		{Sent, []State{Live, Rejected, Canceled, Filled, PartiallyFilled}},
		{Live, []State{PartiallyFilled, Filled, CancelRequested, ReplaceRequested, Canceled}},
		{PartiallyFilled, []State{PartiallyFilled, Filled, CancelRequested, ReplaceRequested, Canceled}},
		{CancelRequested, []State{CancelSent}},
		{CancelSent, []State{Canceled, Live}},
		{ReplaceRequested, []State{ReplaceSent}},
		{ReplaceSent, []State{Live, ReplaceRejected}},
		{ReplaceRejected, []State{Live}},
	}

	table := make(map[State]map[State]bool, len(edges))
	for _, e := range edges {
		set := make(map[State]bool, len(e.to))
		for _, to := range e.to {
			if _, ok := stateNames[to]; !ok {
				panic("order: transition table references unnamed state")
			}
			set[to] = true
		}
		table[e.from] = set
	}
	return table
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to State) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
