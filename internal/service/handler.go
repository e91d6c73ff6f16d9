package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"messenger/internal/apperr"
	"messenger/internal/models"
	"messenger/internal/ws"
)

// EventHandler dispatches inbound real-time actions to the message service.
// It implements ws.ActionHandler: every action follows authenticate (done at
// upgrade) -> rate-limit (send only, inside Send) -> authorize -> validate ->
// persist -> publish -> ack.
type EventHandler struct {
	db  *gorm.DB
	msg *MessageService
}

func NewEventHandler(db *gorm.DB, msg *MessageService) *EventHandler {
	return &EventHandler{db: db, msg: msg}
}

var _ ws.ActionHandler = (*EventHandler)(nil)

func (h *EventHandler) Handle(ctx context.Context, c *ws.Client, in ws.Inbound) {
	var user models.User
	if err := h.db.WithContext(ctx).First(&user, "id = ?", c.UserID).Error; err != nil {
		h.sendError(c, apperr.Unauthorized("unauthorized", "user not found"))
		return
	}

	switch in.Action {
	case "message:send":
		convID, ok := h.parseID(c, in.ConversationID, "conversation_id")
		if !ok {
			return
		}
		dto, err := h.msg.Send(ctx, &user, convID, in.Content)
		if err != nil {
			h.sendError(c, err)
			return
		}
		h.ack(c, in.Action, &dto.ID)

	case "message:edit":
		msgID, ok := h.parseID(c, in.MessageID, "message_id")
		if !ok {
			return
		}
		dto, err := h.msg.Edit(ctx, user.ID, msgID, in.Content)
		if err != nil {
			h.sendError(c, err)
			return
		}
		h.ack(c, in.Action, &dto.ID)

	case "message:delete":
		msgID, ok := h.parseID(c, in.MessageID, "message_id")
		if !ok {
			return
		}
		if err := h.msg.Delete(ctx, user.ID, msgID); err != nil {
			h.sendError(c, err)
			return
		}
		h.ack(c, in.Action, &msgID)

	case "message:read":
		convID, ok := h.parseID(c, in.ConversationID, "conversation_id")
		if !ok {
			return
		}
		if err := h.msg.MarkRead(ctx, &user, convID); err != nil {
			h.sendError(c, err)
			return
		}
		h.ack(c, in.Action, nil)

	case "typing":
		convID, ok := h.parseID(c, in.ConversationID, "conversation_id")
		if !ok {
			return
		}
		if err := h.msg.Typing(ctx, &user, convID, in.IsTyping); err != nil {
			h.sendError(c, err)
		}
		// Typing is fire-and-forget; no ack.

	default:
		h.sendError(c, apperr.Validation("unknown_action", "unknown action: "+in.Action))
	}
}

func (h *EventHandler) parseID(c *ws.Client, raw, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		h.sendError(c, apperr.Validation("invalid_"+field, "invalid "+field))
		return uuid.Nil, false
	}
	return id, true
}

func (h *EventHandler) ack(c *ws.Client, action string, msgID *uuid.UUID) {
	_ = c.SendEvent(ws.Event{Type: ws.EventAck, Payload: ws.AckPayload{Action: action, MessageID: msgID}})
}

func (h *EventHandler) sendError(c *ws.Client, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.From(err)
	}
	if e.Kind == apperr.KindInternal {
		log.Error().Err(err).Str("user_id", c.UserID.String()).Msg("ws action")
	}
	_ = c.SendEvent(ws.Event{Type: ws.EventError, Payload: ws.ErrorPayload{
		Code:         e.Code,
		Message:      e.Message,
		RetryAfterMs: e.RetryAfter.Milliseconds(),
	}})
}
