package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"messenger/internal/apperr"
	"messenger/internal/config"
	"messenger/internal/metrics"
	"messenger/internal/models"
	"messenger/internal/ratelimit"
	"messenger/internal/ws"
)

const maxMessageLen = 4000

var mentionRe = regexp.MustCompile(`@([A-Za-z0-9_]{2,64})`)

// MessageService handles message send/edit/delete/read and typing signals.
// Send actions pass through the per-identity rate limiter before anything
// else; the other actions are not rate limited.
type MessageService struct {
	db      *gorm.DB
	hub     *ws.Hub
	limiter *ratelimit.Limiter
	cfg     config.Config
}

func NewMessageService(db *gorm.DB, hub *ws.Hub, limiter *ratelimit.Limiter, cfg config.Config) *MessageService {
	return &MessageService{db: db, hub: hub, limiter: limiter, cfg: cfg}
}

// Send validates, persists and fans out a new message. Mentions are resolved
// against the current active participant list; mentioned users get a direct
// notification on top of the room broadcast.
func (s *MessageService) Send(ctx context.Context, sender *models.User, convID uuid.UUID, content string) (*ws.MessageDTO, error) {
	if d := s.limiter.Check(sender.ID.String()); !d.Allowed {
		return nil, apperr.RateLimited("too many messages", d.RetryAfter)
	}

	content = strings.TrimSpace(content)
	if content == "" || len(content) > maxMessageLen {
		return nil, apperr.Validation("invalid_content", "message content must be 1-4000 characters")
	}

	parts, err := s.activeParts(ctx, convID, sender.ID)
	if err != nil {
		return nil, err
	}

	msg := models.Message{ConversationID: convID, SenderID: sender.ID, Content: content}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	metrics.MessagesSentTotal.Inc()

	dto := ws.MessageDTO{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     sender.Username,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
	s.hub.Publish(convID, ws.Event{Type: ws.EventMessageNew, Payload: ws.MessageNewPayload{ConversationID: convID, Message: dto}})

	for _, uid := range s.resolveMentions(ctx, content, convID, sender.ID, parts) {
		s.hub.PublishToUser(uid, ws.Event{Type: ws.EventMention, Payload: ws.MentionPayload{
			ConversationID: convID,
			MessageID:      msg.ID,
			MentionedBy:    sender.ID,
		}})
	}
	return &dto, nil
}

// extractMentions pulls @username tokens out of message content,
// deduplicated case-insensitively and capped at max. Names come back
// lower-cased.
func extractMentions(content string, max int) []string {
	matches := mentionRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
		if len(names) >= max {
			break
		}
	}
	return names
}

// resolveMentions maps mention tokens onto current active participants.
// Mentions of anyone else are silently dropped.
func (s *MessageService) resolveMentions(ctx context.Context, content string, convID uuid.UUID, senderID uuid.UUID, parts []models.Participant) []uuid.UUID {
	names := extractMentions(content, s.cfg.MaxMentionsPerMessage)
	if len(names) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.UserID)
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Select("id", "username").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil
	}
	byName := make(map[string]uuid.UUID, len(users))
	for _, u := range users {
		byName[strings.ToLower(u.Username)] = u.ID
	}

	out := make([]uuid.UUID, 0, len(names))
	for _, name := range names {
		uid, ok := byName[name]
		if !ok || uid == senderID {
			continue
		}
		out = append(out, uid)
	}
	return out
}

// Edit updates a message's content. Sender only; deleted messages cannot be
// edited.
func (s *MessageService) Edit(ctx context.Context, senderID, msgID uuid.UUID, content string) (*ws.MessageDTO, error) {
	content = strings.TrimSpace(content)
	if content == "" || len(content) > maxMessageLen {
		return nil, apperr.Validation("invalid_content", "message content must be 1-4000 characters")
	}

	var msg models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&msg, "id = ?", msgID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if msg.SenderID != senderID {
			return apperr.Forbidden("not_sender", "only the sender can edit a message")
		}
		if msg.DeletedAt != nil {
			return ErrMessageNotFound
		}
		now := time.Now().UTC()
		if err := tx.Model(&msg).Updates(map[string]any{"content": content, "edited_at": &now}).Error; err != nil {
			return err
		}
		msg.Content = content
		msg.EditedAt = &now
		return nil
	})
	if err != nil {
		return nil, apperr.From(err)
	}

	s.hub.Publish(msg.ConversationID, ws.Event{Type: ws.EventMessageEdited, Payload: ws.MessageEditedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		EditedAt:       *msg.EditedAt,
	}})
	return &ws.MessageDTO{ID: msg.ID, ConversationID: msg.ConversationID, SenderID: msg.SenderID, Content: msg.Content, EditedAt: msg.EditedAt, CreatedAt: msg.CreatedAt}, nil
}

// Delete soft-deletes a message and blanks its content. Sender only.
func (s *MessageService) Delete(ctx context.Context, senderID, msgID uuid.UUID) error {
	var msg models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&msg, "id = ?", msgID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if msg.SenderID != senderID {
			return apperr.Forbidden("not_sender", "only the sender can delete a message")
		}
		if msg.DeletedAt != nil {
			return ErrMessageNotFound
		}
		now := time.Now().UTC()
		return tx.Model(&msg).Updates(map[string]any{"content": "", "deleted_at": &now}).Error
	})
	if err != nil {
		return apperr.From(err)
	}

	s.hub.Publish(msg.ConversationID, ws.Event{Type: ws.EventMessageDeleted, Payload: ws.MessageDeletedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		DeletedBy:      senderID,
	}})
	return nil
}

// MarkRead stamps the caller's last-read time. The read receipt is broadcast
// only when the user's privacy flag allows it; the timestamp persists either
// way.
func (s *MessageService) MarkRead(ctx context.Context, user *models.User, convID uuid.UUID) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", convID, user.ID).
		Update("last_read_at", &now)
	if res.Error != nil {
		return apperr.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotParticipant
	}

	if user.ReadReceiptsEnabled {
		s.hub.Publish(convID, ws.Event{Type: ws.EventMessageRead, Payload: ws.MessageReadPayload{
			ConversationID: convID,
			UserID:         user.ID,
			LastReadAt:     now,
		}})
	}
	return nil
}

// Typing broadcasts a typing indicator. Not persisted, not rate limited.
func (s *MessageService) Typing(ctx context.Context, user *models.User, convID uuid.UUID, isTyping bool) error {
	if _, err := s.activeParts(ctx, convID, user.ID); err != nil {
		return err
	}
	s.hub.Publish(convID, ws.Event{Type: ws.EventTyping, Payload: ws.TypingPayload{
		ConversationID: convID,
		UserID:         user.ID,
		Username:       user.Username,
		IsTyping:       isTyping,
	}})
	return nil
}

// MessagePage is one page of conversation history, oldest first.
type MessagePage struct {
	Messages []ws.MessageDTO `json:"messages"`
}

// ListByConversation pages through a conversation's messages, newest first
// from the cursor, returned oldest first. Deleted messages are omitted.
func (s *MessageService) ListByConversation(ctx context.Context, requesterID, convID uuid.UUID, limit int, beforeID uuid.UUID) (*MessagePage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if _, err := s.activeParts(ctx, convID, requesterID); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Where("conversation_id = ? AND deleted_at IS NULL", convID)
	if beforeID != uuid.Nil {
		var cursor models.Message
		if err := s.db.WithContext(ctx).Select("created_at").First(&cursor, "id = ?", beforeID).Error; err == nil {
			q = q.Where("created_at < ?", cursor.CreatedAt)
		}
	}
	var msgs []models.Message
	if err := q.Order("created_at desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	usernames, err := s.resolveUsernames(ctx, msgs)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	out := make([]ws.MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ws.MessageDTO{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			SenderName:     usernames[m.SenderID],
			Content:        m.Content,
			EditedAt:       m.EditedAt,
			CreatedAt:      m.CreatedAt,
		})
	}
	return &MessagePage{Messages: out}, nil
}

// resolveUsernames batch-fetches sender names for a page of messages.
func (s *MessageService) resolveUsernames(ctx context.Context, msgs []models.Message) (map[uuid.UUID]string, error) {
	seen := make(map[uuid.UUID]struct{}, len(msgs))
	ids := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		ids = append(ids, m.SenderID)
	}
	usernames := make(map[uuid.UUID]string, len(ids))
	if len(ids) > 0 {
		var users []models.User
		if err := s.db.WithContext(ctx).Select("id", "username").Where("id IN ?", ids).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}

// activeParts loads the active participant rows of a conversation and
// verifies the caller is one of them.
func (s *MessageService) activeParts(ctx context.Context, convID, userID uuid.UUID) ([]models.Participant, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", convID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, apperr.Internal(err)
	}
	var parts []models.Participant
	if err := s.db.WithContext(ctx).Where("conversation_id = ? AND left_at IS NULL", convID).Find(&parts).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	for _, p := range parts {
		if p.UserID == userID {
			return parts, nil
		}
	}
	return nil, ErrNotParticipant
}
