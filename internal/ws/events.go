package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"messenger/internal/models"
	"messenger/internal/presence"
)

// EventType enumerates every event the broker can deliver. The set is
// closed: Encode refuses types it does not know, so publisher and subscriber
// cannot drift apart on a stringly-typed name.
type EventType string

const (
	EventMessageNew          EventType = "message:new"
	EventMessageEdited       EventType = "message:edited"
	EventMessageDeleted      EventType = "message:deleted"
	EventMessageRead         EventType = "message:read"
	EventTyping              EventType = "typing"
	EventConversationUpdated EventType = "conversation:updated"
	EventParticipantAdded    EventType = "conversation:participant-added"
	EventParticipantLeft     EventType = "conversation:participant-left"
	EventAdminPromoted       EventType = "conversation:admin-promoted"
	EventAdminDemoted        EventType = "conversation:admin-demoted"
	EventPresenceChanged     EventType = "presence:changed"
	EventMention             EventType = "mention"
	EventAck                 EventType = "ack"
	EventError               EventType = "error"
)

type Event struct {
	Type    EventType
	Payload any
}

// MessageDTO is the wire shape of a message inside events and REST replies.
type MessageDTO struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	SenderID       uuid.UUID  `json:"sender_id"`
	SenderName     string     `json:"sender_name"`
	Content        string     `json:"content"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ParticipantDTO is the wire shape of a participant inside events and REST
// replies.
type ParticipantDTO struct {
	UserID      uuid.UUID     `json:"user_id"`
	Username    string        `json:"username"`
	DisplayName string        `json:"display_name"`
	AvatarURL   string        `json:"avatar_url,omitempty"`
	IsAdmin     bool          `json:"is_admin"`
	Role        string        `json:"role"`
	JoinedAt    time.Time     `json:"joined_at"`
	LastReadAt  *time.Time    `json:"last_read_at,omitempty"`
	Status      models.Status `json:"status,omitempty"`
	LastSeen    *time.Time    `json:"last_seen,omitempty"`
}

type MessageNewPayload struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	Message        MessageDTO `json:"message"`
}

type MessageEditedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"edited_at"`
}

type MessageDeletedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	DeletedBy      uuid.UUID `json:"deleted_by"`
}

type MessageReadPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	LastReadAt     time.Time `json:"last_read_at"`
}

type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Username       string    `json:"username"`
	IsTyping       bool      `json:"is_typing"`
}

type ConversationUpdates struct {
	Name      *string `json:"name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

type ConversationUpdatedPayload struct {
	ConversationID uuid.UUID           `json:"conversation_id"`
	Updates        ConversationUpdates `json:"updates"`
	UpdatedBy      uuid.UUID           `json:"updated_by"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

type ParticipantAddedPayload struct {
	ConversationID uuid.UUID      `json:"conversation_id"`
	Participant    ParticipantDTO `json:"participant"`
	AddedBy        uuid.UUID      `json:"added_by"`
}

type ParticipantLeftPayload struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	UserID         uuid.UUID  `json:"user_id"`
	RemovedBy      *uuid.UUID `json:"removed_by,omitempty"`
}

type RoleChangedPayload struct {
	ConversationID uuid.UUID      `json:"conversation_id"`
	Participant    ParticipantDTO `json:"participant"`
	ChangedBy      uuid.UUID      `json:"changed_by"`
}

type PresenceChangedPayload struct {
	UserID   uuid.UUID     `json:"user_id"`
	Status   models.Status `json:"status"`
	LastSeen *time.Time    `json:"last_seen,omitempty"`
}

type MentionPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	MentionedBy    uuid.UUID `json:"mentioned_by"`
}

type AckPayload struct {
	Action    string     `json:"action"`
	MessageID *uuid.UUID `json:"message_id,omitempty"`
}

type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// PresenceChanged builds a presence event from a snapshot.
func PresenceChanged(userID uuid.UUID, info presence.Info) Event {
	return Event{Type: EventPresenceChanged, Payload: PresenceChangedPayload{UserID: userID, Status: info.Status, LastSeen: info.LastSeen}}
}

type envelope struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Encode marshals the event for the wire. The switch is exhaustive over the
// closed event set and checks that the payload carries the variant's type;
// anything else is a programming error surfaced at the broker boundary.
func (e Event) Encode() ([]byte, error) {
	ok := false
	switch e.Type {
	case EventMessageNew:
		_, ok = e.Payload.(MessageNewPayload)
	case EventMessageEdited:
		_, ok = e.Payload.(MessageEditedPayload)
	case EventMessageDeleted:
		_, ok = e.Payload.(MessageDeletedPayload)
	case EventMessageRead:
		_, ok = e.Payload.(MessageReadPayload)
	case EventTyping:
		_, ok = e.Payload.(TypingPayload)
	case EventConversationUpdated:
		_, ok = e.Payload.(ConversationUpdatedPayload)
	case EventParticipantAdded:
		_, ok = e.Payload.(ParticipantAddedPayload)
	case EventParticipantLeft:
		_, ok = e.Payload.(ParticipantLeftPayload)
	case EventAdminPromoted, EventAdminDemoted:
		_, ok = e.Payload.(RoleChangedPayload)
	case EventPresenceChanged:
		_, ok = e.Payload.(PresenceChangedPayload)
	case EventMention:
		_, ok = e.Payload.(MentionPayload)
	case EventAck:
		_, ok = e.Payload.(AckPayload)
	case EventError:
		_, ok = e.Payload.(ErrorPayload)
	default:
		return nil, fmt.Errorf("ws: unknown event type %q", e.Type)
	}
	if !ok {
		return nil, fmt.Errorf("ws: payload %T does not match event type %q", e.Payload, e.Type)
	}
	return json.Marshal(envelope{Type: e.Type, Payload: e.Payload})
}
