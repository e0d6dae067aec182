package relay

// Event names, as seen on the wire.
const (
	EventReceiveMessage  = "receiveMessage"
	EventReceiveNewUser  = "receiveNewUser"
	EventReceiveUserLeft = "receiveUserLeft"
)

// Event is something the relay fans out to sessions. Args are the positional
// event arguments in wire order.
type Event interface {
	Name() string
	Args() []any
}

// MessageEvent carries one chat message: [id, username, text].
type MessageEvent struct {
	Message ChatMessage
}

func (e MessageEvent) Name() string { return EventReceiveMessage }

func (e MessageEvent) Args() []any {
	return []any{e.Message.ID.String(), e.Message.Username, e.Message.Text}
}

// UserJoinedEvent announces a new session: [joiningUsername, roster].
type UserJoinedEvent struct {
	Username string
	Roster   Roster
}

func (e UserJoinedEvent) Name() string { return EventReceiveNewUser }

func (e UserJoinedEvent) Args() []any { return []any{e.Username, e.Roster} }

// UserLeftEvent announces a departure: [leavingUsername, roster]. Only sent
// when Options.AnnounceDepartures is set.
type UserLeftEvent struct {
	Username string
	Roster   Roster
}

func (e UserLeftEvent) Name() string { return EventReceiveUserLeft }

func (e UserLeftEvent) Args() []any { return []any{e.Username, e.Roster} }
