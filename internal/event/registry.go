package event

// DecodeFunc builds a typed event from a payload, validating required fields.
type DecodeFunc func(*Payload) (Event, error)

// Registry maps wire discriminants to event decoders. The table is static;
// no reflection is involved in naming fields for errors.
type Registry struct {
	decoders map[string]DecodeFunc
}

// NewRegistry creates a registry with all built-in event types registered.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]DecodeFunc)}

	r.Register(TypeHealthCheck, func(p *Payload) (Event, error) {
		if p.ConnectionID == "" {
			return nil, &MissingFieldError{Field: "connection_id", EventType: p.Type}
		}
		return HealthCheckEvent{ConnectionID: p.ConnectionID}, nil
	})

	r.Register(TypeMessageNew, func(p *Payload) (Event, error) {
		if err := require(p, field{"cid", p.CID}, field{"message_id", p.MessageID}, field{"user_id", p.UserID}); err != nil {
			return nil, err
		}
		return MessageNewEvent{
			CID:       p.CID,
			MessageID: p.MessageID,
			UserID:    p.UserID,
			UserName:  p.UserName,
			Text:      p.Text,
			CreatedAt: p.CreatedAt,
		}, nil
	})

	r.Register(TypeMessageUpdated, func(p *Payload) (Event, error) {
		if err := require(p, field{"cid", p.CID}, field{"message_id", p.MessageID}); err != nil {
			return nil, err
		}
		return MessageUpdatedEvent{CID: p.CID, MessageID: p.MessageID, Text: p.Text, CreatedAt: p.CreatedAt}, nil
	})

	r.Register(TypeMessageDeleted, func(p *Payload) (Event, error) {
		if err := require(p, field{"cid", p.CID}, field{"message_id", p.MessageID}); err != nil {
			return nil, err
		}
		return MessageDeletedEvent{CID: p.CID, MessageID: p.MessageID}, nil
	})

	r.Register(TypeReactionNew, func(p *Payload) (Event, error) {
		if err := require(p, field{"cid", p.CID}, field{"message_id", p.MessageID}, field{"user_id", p.UserID}, field{"reaction", p.Reaction}); err != nil {
			return nil, err
		}
		return ReactionNewEvent{CID: p.CID, MessageID: p.MessageID, UserID: p.UserID, Reaction: p.Reaction}, nil
	})

	r.Register(TypeChannelUpdated, func(p *Payload) (Event, error) {
		if err := require(p, field{"cid", p.CID}); err != nil {
			return nil, err
		}
		return ChannelUpdatedEvent{CID: p.CID, Name: p.ChannelName, MemberCount: p.MemberCount}, nil
	})

	r.Register(TypeChannelDeleted, func(p *Payload) (Event, error) {
		if err := require(p, field{"cid", p.CID}); err != nil {
			return nil, err
		}
		return ChannelDeletedEvent{CID: p.CID}, nil
	})

	r.Register(TypeNotificationRead, func(p *Payload) (Event, error) {
		if err := require(p, field{"cid", p.CID}, field{"user_id", p.UserID}); err != nil {
			return nil, err
		}
		return NotificationReadEvent{CID: p.CID, UserID: p.UserID}, nil
	})

	r.Register(TypeUserPresenceChanged, func(p *Payload) (Event, error) {
		if err := require(p, field{"user_id", p.UserID}); err != nil {
			return nil, err
		}
		return UserPresenceChangedEvent{UserID: p.UserID, Online: p.Online}, nil
	})

	return r
}

// Register adds or replaces the decoder for a discriminant.
func (r *Registry) Register(eventType string, fn DecodeFunc) {
	r.decoders[eventType] = fn
}

// Decode looks up the payload's discriminant and builds the typed event.
// Unknown discriminants yield an UnknownEventError scoped by whether the
// payload carried channel identity.
func (r *Registry) Decode(p *Payload) (Event, error) {
	fn, ok := r.decoders[p.Type]
	if !ok {
		return nil, &UnknownEventError{Type: p.Type, CID: p.CID}
	}
	return fn(p)
}

type field struct {
	name  string
	value string
}

func require(p *Payload, fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return &MissingFieldError{Field: f.name, EventType: p.Type}
		}
	}
	return nil
}
