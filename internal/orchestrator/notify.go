package orchestrator

// NotificationKind discriminates orchestrator notifications delivered to
// external listeners (the websocket bridge, tests).
type NotificationKind string

const (
	NotifSessionActivated NotificationKind = "session_activated"
	NotifSessionCompleted NotificationKind = "session_completed"
	NotifSessionFailed    NotificationKind = "session_failed"
	NotifSessionSuspended NotificationKind = "session_suspended"
	NotifNeedsInput       NotificationKind = "needs_input_changed"
)

// Notification is one externally visible state transition.
type Notification struct {
	Kind           NotificationKind
	SessionID      string
	ConversationID string // set for session_completed when known
	NeedsInput     bool   // set for needs_input_changed
}

// Listener receives notifications. Called synchronously from the
// orchestrator; listeners must not block.
type Listener func(Notification)

// DataListener receives raw terminal output for streaming to UIs.
type DataListener func(sessionID string, data []byte)

// AddListener registers a notification listener.
func (o *Orchestrator) AddListener(fn Listener) {
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

// AddDataListener registers a raw-output listener.
func (o *Orchestrator) AddDataListener(fn DataListener) {
	o.mu.Lock()
	o.dataListeners = append(o.dataListeners, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) notify(n Notification) {
	o.mu.Lock()
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(n)
	}
}

func (o *Orchestrator) notifyData(sessionID string, data []byte) {
	o.mu.Lock()
	listeners := append([]DataListener(nil), o.dataListeners...)
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(sessionID, data)
	}
}
