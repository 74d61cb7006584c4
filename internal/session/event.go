package session

// EventType classifies registry lifecycle events.
type EventType int

const (
	EventNew      EventType = iota // session created on call start
	EventUpdate                    // caller entered a digit
	EventTerminal                  // session removed on call end or hangup
)

// Event carries a session snapshot to observers.
type Event struct {
	Type        EventType
	Session     Snapshot // detached copy, safe to retain
	ActiveCount int      // sessions in the registry at event time
	Replaced    bool     // EventNew overwrote an existing entry
}
