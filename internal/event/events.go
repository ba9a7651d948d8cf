package event

// Event is an immutable typed value decoded from a wire payload. Every
// event carries enough identity to be applied to the local store.
type Event interface {
	EventType() string
}

// Wire discriminants.
const (
	TypeHealthCheck         = "health.check"
	TypeMessageNew          = "message.new"
	TypeMessageUpdated      = "message.updated"
	TypeMessageDeleted      = "message.deleted"
	TypeReactionNew         = "reaction.new"
	TypeChannelUpdated      = "channel.updated"
	TypeChannelDeleted      = "channel.deleted"
	TypeNotificationRead    = "notification.mark_read"
	TypeUserPresenceChanged = "user.presence.changed"
)

// HealthCheckEvent acknowledges the connection and carries the server-
// assigned connection id.
type HealthCheckEvent struct {
	ConnectionID string
}

func (HealthCheckEvent) EventType() string { return TypeHealthCheck }

// MessageNewEvent is a new message posted to a channel.
type MessageNewEvent struct {
	CID       string
	MessageID string
	UserID    string
	UserName  string
	Text      string
	CreatedAt int64
}

func (MessageNewEvent) EventType() string { return TypeMessageNew }

// MessageUpdatedEvent is an edit to an existing message.
type MessageUpdatedEvent struct {
	CID       string
	MessageID string
	Text      string
	CreatedAt int64
}

func (MessageUpdatedEvent) EventType() string { return TypeMessageUpdated }

// MessageDeletedEvent removes a message.
type MessageDeletedEvent struct {
	CID       string
	MessageID string
}

func (MessageDeletedEvent) EventType() string { return TypeMessageDeleted }

// ReactionNewEvent is a reaction added to a message.
type ReactionNewEvent struct {
	CID       string
	MessageID string
	UserID    string
	Reaction  string
}

func (ReactionNewEvent) EventType() string { return TypeReactionNew }

// ChannelUpdatedEvent carries refreshed channel metadata.
type ChannelUpdatedEvent struct {
	CID         string
	Name        string
	MemberCount int
}

func (ChannelUpdatedEvent) EventType() string { return TypeChannelUpdated }

// ChannelDeletedEvent removes a channel and its content.
type ChannelDeletedEvent struct {
	CID string
}

func (ChannelDeletedEvent) EventType() string { return TypeChannelDeleted }

// NotificationReadEvent marks a channel read for the current user.
type NotificationReadEvent struct {
	CID    string
	UserID string
}

func (NotificationReadEvent) EventType() string { return TypeNotificationRead }

// UserPresenceChangedEvent reports another user going online or offline.
type UserPresenceChangedEvent struct {
	UserID string
	Online bool
}

func (UserPresenceChangedEvent) EventType() string { return TypeUserPresenceChanged }
