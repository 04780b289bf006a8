package session

// ConnectionEvent is delivered on the connection bus.
type ConnectionEvent int

const (
	WillOpen ConnectionEvent = iota
	DidOpen
	WillClose
	DidClose
	ActivityStarted
	ActivityStopped
)

func (e ConnectionEvent) String() string {
	switch e {
	case WillOpen:
		return "will_open"
	case DidOpen:
		return "did_open"
	case WillClose:
		return "will_close"
	case DidClose:
		return "did_close"
	case ActivityStarted:
		return "activity_started"
	case ActivityStopped:
		return "activity_stopped"
	}
	return "unknown"
}
