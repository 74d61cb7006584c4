package menu

import "encoding/json"

// Position is where a caller is in a tree: the current menu and the
// symbols entered to reach it from the root.
type Position struct {
	Cursor  NodeID   `json:"cursor"`
	History []string `json:"history"`
}

// Start is the position of a caller that has not entered anything yet.
func Start() Position {
	return Position{Cursor: RootID}
}

func (p Position) clone() Position {
	c := Position{Cursor: p.Cursor}
	if len(p.History) > 0 {
		c.History = append([]string(nil), p.History...)
	}
	return c
}

// Outcome classifies a single navigation step.
type Outcome int

const (
	Descended    Outcome = iota // moved into a submenu
	Completed                   // reached Goto or ForwardNumber, back at root
	WentBack                    // PreviousMenu popped one level
	AlreadyAtTop                // PreviousMenu at the root
	Repeat                      // RepeatOptions leaf
	Unrecognized                // no entry and no wildcard
)

var outcomeNames = map[Outcome]string{
	Descended:    "descended",
	Completed:    "completed",
	WentBack:     "went_back",
	AlreadyAtTop: "already_at_top",
	Repeat:       "repeat",
	Unrecognized: "unrecognized",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// Result describes what a step did. Action is set when the caller must be
// told something: Goto and ForwardNumber on completion, RepeatOptions on
// repeat or unrecognized input.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Action  *Action `json:"action,omitempty"`
	Node    string  `json:"node"`
	Prompt  string  `json:"prompt,omitempty"`
}

// Navigate applies one symbol to pos and returns the new position. It
// performs no I/O and never modifies pos.
func (t *Tree) Navigate(pos Position, symbol string) (Position, Result) {
	if !t.valid(pos.Cursor) || t.nodes[pos.Cursor].action != nil {
		pos = Position{Cursor: t.Replay(pos.History), History: pos.History}
	}

	childID, ok := t.lookup(pos.Cursor, symbol)
	if !ok {
		return pos.clone(), t.result(pos.Cursor, Unrecognized, &Action{Kind: RepeatOptions})
	}

	child := t.nodes[childID]
	if child.action == nil {
		next := pos.clone()
		next.Cursor = childID
		next.History = append(next.History, symbol)
		return next, t.result(childID, Descended, nil)
	}

	act := *child.action
	switch act.Kind {
	case Goto, ForwardNumber:
		return Start(), t.result(RootID, Completed, &act)
	case PreviousMenu:
		if len(pos.History) == 0 {
			return pos.clone(), t.result(pos.Cursor, AlreadyAtTop, nil)
		}
		history := append([]string(nil), pos.History[:len(pos.History)-1]...)
		cursor := t.Replay(history)
		return Position{Cursor: cursor, History: history}, t.result(cursor, WentBack, nil)
	case RepeatOptions:
		return pos.clone(), t.result(pos.Cursor, Repeat, &act)
	default:
		return pos.clone(), t.result(pos.Cursor, Unrecognized, &Action{Kind: RepeatOptions})
	}
}

// Replay walks history from the root and returns the menu it ends on.
// Entries that no longer lead to a submenu stop the walk.
func (t *Tree) Replay(history []string) NodeID {
	cursor := RootID
	for _, sym := range history {
		child, ok := t.lookup(cursor, sym)
		if !ok || t.nodes[child].action != nil {
			break
		}
		cursor = child
	}
	return cursor
}

func (t *Tree) result(at NodeID, outcome Outcome, act *Action) Result {
	return Result{
		Outcome: outcome,
		Action:  act,
		Node:    t.Label(at),
		Prompt:  t.Prompt(at),
	}
}
