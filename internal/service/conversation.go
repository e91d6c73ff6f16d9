package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"messenger/internal/apperr"
	"messenger/internal/config"
	"messenger/internal/models"
	"messenger/internal/presence"
	"messenger/internal/ws"
)

// ConversationService is the source of truth for conversations, membership
// and admin roles. Role and membership mutations run inside one transaction
// with the conversation's participant rows locked, then propagate exactly
// once to live connections through the hub.
type ConversationService struct {
	db   *gorm.DB
	hub  *ws.Hub
	pres presence.Store
	cfg  config.Config
}

func NewConversationService(db *gorm.DB, hub *ws.Hub, pres presence.Store, cfg config.Config) *ConversationService {
	return &ConversationService{db: db, hub: hub, pres: pres, cfg: cfg}
}

// ConversationDTO is the REST shape of a conversation.
type ConversationDTO struct {
	ID        uuid.UUID               `json:"id"`
	Type      models.ConversationType `json:"type"`
	Name      string                  `json:"name,omitempty"`
	AvatarURL string                  `json:"avatar_url,omitempty"`
	CreatorID uuid.UUID               `json:"creator_id"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
	Online    int                     `json:"online"`
	// Peer is the other party of a direct conversation, presence included.
	// Nil for groups.
	Peer *PeerDTO `json:"peer,omitempty"`
}

// PeerDTO is the direct-conversation counterpart in list replies.
type PeerDTO struct {
	UserID      uuid.UUID     `json:"user_id"`
	Username    string        `json:"username"`
	DisplayName string        `json:"display_name"`
	AvatarURL   string        `json:"avatar_url,omitempty"`
	Status      models.Status `json:"status"`
	LastSeen    *time.Time    `json:"last_seen,omitempty"`
}

func (s *ConversationService) dto(c *models.Conversation) ConversationDTO {
	return ConversationDTO{
		ID:        c.ID,
		Type:      c.Type,
		Name:      c.Name,
		AvatarURL: c.AvatarURL,
		CreatorID: c.CreatorID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Online:    s.hub.Online(c.ID),
	}
}

// directKey builds the unordered pair key for a direct conversation so the
// same two users always map to one row.
func directKey(a, b uuid.UUID) string {
	if a.String() < b.String() {
		return a.String() + ":" + b.String()
	}
	return b.String() + ":" + a.String()
}

// CreateDirect returns the direct conversation between creator and other,
// creating it when absent. A transaction-scoped advisory lock on the pair
// key serializes concurrent get-or-create requests; the unique index on
// direct_key is the backstop.
func (s *ConversationService) CreateDirect(ctx context.Context, creatorID, otherID uuid.UUID) (*ConversationDTO, error) {
	if creatorID == otherID {
		return nil, apperr.Validation("self_conversation", "cannot start a conversation with yourself")
	}
	var other models.User
	if err := s.db.WithContext(ctx).First(&other, "id = ?", otherID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, apperr.Internal(err)
	}

	key := directKey(creatorID, otherID)
	var conv models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
			return err
		}
		err := tx.Where("direct_key = ?", key).First(&conv).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := time.Now().UTC()
		conv = models.Conversation{Type: models.ConversationDirect, DirectKey: &key, CreatorID: creatorID}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		parts := []models.Participant{
			{ConversationID: conv.ID, UserID: creatorID, JoinedAt: now},
			{ConversationID: conv.ID, UserID: otherID, JoinedAt: now},
		}
		return tx.Create(&parts).Error
	})
	if err != nil {
		return nil, apperr.From(err)
	}

	s.hub.JoinUser(creatorID, conv.ID)
	s.hub.JoinUser(otherID, conv.ID)
	out := s.dto(&conv)
	return &out, nil
}

// CreateGroup creates a group conversation with the creator as its first
// admin. The member list must bring the active count to at least the group
// minimum, creator included.
func (s *ConversationService) CreateGroup(ctx context.Context, creatorID uuid.UUID, name string, memberIDs []uuid.UUID) (*ConversationDTO, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return nil, apperr.Validation("invalid_name", "group name must be 1-100 characters")
	}

	seen := map[uuid.UUID]struct{}{creatorID: {}}
	members := []uuid.UUID{creatorID}
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < s.cfg.GroupMinParticipants {
		return nil, apperr.Validation("too_few_participants", "a group needs at least 3 participants")
	}
	if len(members) > s.cfg.GroupMaxParticipants {
		return nil, ErrGroupFull
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id IN ?", members).Count(&count).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	if int(count) != len(members) {
		return nil, ErrUserNotFound
	}

	var conv models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv = models.Conversation{Type: models.ConversationGroup, Name: name, CreatorID: creatorID}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		parts := make([]models.Participant, 0, len(members))
		for _, id := range members {
			parts = append(parts, models.Participant{
				ConversationID: conv.ID,
				UserID:         id,
				IsAdmin:        id == creatorID,
				JoinedAt:       now,
			})
		}
		return tx.Create(&parts).Error
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}

	for _, id := range members {
		s.hub.JoinUser(id, conv.ID)
		if id != creatorID {
			s.hub.PublishToUser(id, ws.Event{Type: ws.EventParticipantAdded, Payload: ws.ParticipantAddedPayload{
				ConversationID: conv.ID,
				Participant:    ws.ParticipantDTO{UserID: id, Role: "member", JoinedAt: conv.CreatedAt},
				AddedBy:        creatorID,
			}})
		}
	}
	out := s.dto(&conv)
	return &out, nil
}

// ListMine returns the requester's active conversations.
func (s *ConversationService) ListMine(ctx context.Context, userID uuid.UUID) ([]ConversationDTO, error) {
	var convs []models.Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN participants ON participants.conversation_id = conversations.id").
		Where("participants.user_id = ? AND participants.left_at IS NULL", userID).
		Order("conversations.updated_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, apperr.Internal(err)
	}
	out := make([]ConversationDTO, 0, len(convs))
	for i := range convs {
		out = append(out, s.dto(&convs[i]))
	}
	if err := s.attachPeers(ctx, userID, out); err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// attachPeers fills the Peer field of direct conversations with the other
// party's profile and presence. One participant query, one user query, one
// bulk presence lookup for the whole page.
func (s *ConversationService) attachPeers(ctx context.Context, userID uuid.UUID, convs []ConversationDTO) error {
	directIDs := make([]uuid.UUID, 0, len(convs))
	for _, c := range convs {
		if c.Type == models.ConversationDirect {
			directIDs = append(directIDs, c.ID)
		}
	}
	if len(directIDs) == 0 {
		return nil
	}

	var parts []models.Participant
	if err := s.db.WithContext(ctx).
		Where("conversation_id IN ? AND user_id <> ?", directIDs, userID).
		Find(&parts).Error; err != nil {
		return err
	}
	peerByConv := make(map[uuid.UUID]uuid.UUID, len(parts))
	peerIDs := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		peerByConv[p.ConversationID] = p.UserID
		peerIDs = append(peerIDs, p.UserID)
	}
	if len(peerIDs) == 0 {
		return nil
	}

	var users []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", peerIDs).Find(&users).Error; err != nil {
		return err
	}
	byID := make(map[uuid.UUID]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	presences := s.pres.GetBulk(ctx, peerIDs)

	for i := range convs {
		peerID, ok := peerByConv[convs[i].ID]
		if !ok {
			continue
		}
		u, ok := byID[peerID]
		if !ok {
			continue
		}
		info := presences[peerID]
		convs[i].Peer = &PeerDTO{
			UserID:      u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			AvatarURL:   u.AvatarURL,
			Status:      info.Status,
			LastSeen:    info.LastSeen,
		}
	}
	return nil
}

// Get returns one conversation the requester participates in.
func (s *ConversationService) Get(ctx context.Context, userID, convID uuid.UUID) (*ConversationDTO, error) {
	conv, _, err := s.activeParticipant(ctx, s.db, convID, userID)
	if err != nil {
		return nil, err
	}
	out := s.dto(conv)
	return &out, nil
}

// ActiveConversationIDs implements ws.RoomSource: the identity's current
// room set, derived from active participant rows.
func (s *ConversationService) ActiveConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("user_id = ? AND left_at IS NULL", userID).
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// activeParticipant loads the conversation and the caller's active
// participant row, producing the distinct not-found / not-participant errors
// before any mutation is attempted.
func (s *ConversationService) activeParticipant(ctx context.Context, db *gorm.DB, convID, userID uuid.UUID) (*models.Conversation, *models.Participant, error) {
	var conv models.Conversation
	if err := db.WithContext(ctx).First(&conv, "id = ?", convID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrConversationNotFound
		}
		return nil, nil, apperr.Internal(err)
	}
	var part models.Participant
	if err := db.WithContext(ctx).Where("conversation_id = ? AND user_id = ?", convID, userID).First(&part).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotParticipant
		}
		return nil, nil, apperr.Internal(err)
	}
	switch part.State() {
	case models.StateActive:
		return &conv, &part, nil
	case models.StateLeft:
		return nil, nil, ErrNotParticipant
	}
	return nil, nil, ErrNotParticipant
}

// validateAvatarURL accepts absolute http/https URLs only. Schemes such as
// javascript: are rejected before anything touches the database.
func validateAvatarURL(raw string) error {
	if len(raw) > 512 {
		return apperr.Validation("invalid_avatar_url", "avatar URL too long")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.Validation("invalid_avatar_url", "avatar URL must use HTTP or HTTPS")
	}
	return nil
}

// UpdateSettings changes a group's name and/or avatar. Admin only; at least
// one field required. The room is notified after commit.
func (s *ConversationService) UpdateSettings(ctx context.Context, actorID, convID uuid.UUID, name, avatarURL *string) (*ConversationDTO, error) {
	if name == nil && avatarURL == nil {
		return nil, apperr.Validation("no_fields", "at least one of name or avatar_url is required")
	}
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" || len(trimmed) > 100 {
			return nil, apperr.Validation("invalid_name", "group name must be 1-100 characters")
		}
		*name = trimmed
	}
	if avatarURL != nil {
		if err := validateAvatarURL(*avatarURL); err != nil {
			return nil, err
		}
	}

	var conv models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, part, err := s.activeParticipant(ctx, tx, convID, actorID)
		if err != nil {
			return err
		}
		if c.Type != models.ConversationGroup {
			return ErrNotGroup
		}
		if !part.IsAdmin {
			return ErrNotAdmin
		}
		updates := map[string]any{}
		if name != nil {
			updates["name"] = *name
		}
		if avatarURL != nil {
			updates["avatar_url"] = *avatarURL
		}
		if err := tx.Model(c).Updates(updates).Error; err != nil {
			return err
		}
		conv = *c
		return nil
	})
	if err != nil {
		return nil, apperr.From(err)
	}

	s.hub.Publish(convID, ws.Event{Type: ws.EventConversationUpdated, Payload: ws.ConversationUpdatedPayload{
		ConversationID: convID,
		Updates:        ws.ConversationUpdates{Name: name, AvatarURL: avatarURL},
		UpdatedBy:      actorID,
		UpdatedAt:      conv.UpdatedAt,
	}})
	out := s.dto(&conv)
	return &out, nil
}

// AddParticipant adds target to a group, reusing a left row when the user
// was a member before so join history survives. Admin only; the capacity
// check runs under the participant row lock.
func (s *ConversationService) AddParticipant(ctx context.Context, actorID, convID, targetID uuid.UUID) (*ws.ParticipantDTO, error) {
	var target models.User
	if err := s.db.WithContext(ctx).First(&target, "id = ?", targetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, apperr.Internal(err)
	}

	var added models.Participant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, actor, err := s.activeParticipant(ctx, tx, convID, actorID)
		if err != nil {
			return err
		}
		if c.Type != models.ConversationGroup {
			return ErrNotGroup
		}
		if !actor.IsAdmin {
			return ErrNotAdmin
		}

		var parts []models.Participant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("conversation_id = ?", convID).Find(&parts).Error; err != nil {
			return err
		}
		active := 0
		var existing *models.Participant
		for i := range parts {
			if parts[i].State() == models.StateActive {
				active++
			}
			if parts[i].UserID == targetID {
				existing = &parts[i]
			}
		}
		if existing != nil && existing.State() == models.StateActive {
			return ErrAlreadyParticipant
		}
		if active >= s.cfg.GroupMaxParticipants {
			return ErrGroupFull
		}

		if existing != nil {
			// Re-join: flip the old row back to active instead of
			// inserting a duplicate.
			if err := tx.Model(existing).Updates(map[string]any{"left_at": nil, "is_admin": false}).Error; err != nil {
				return err
			}
			existing.LeftAt = nil
			existing.IsAdmin = false
			added = *existing
			return nil
		}
		added = models.Participant{ConversationID: convID, UserID: targetID, JoinedAt: time.Now().UTC()}
		return tx.Create(&added).Error
	})
	if err != nil {
		return nil, apperr.From(err)
	}

	dto := participantDTO(&added, &target)
	s.hub.JoinUser(targetID, convID)
	ev := ws.Event{Type: ws.EventParticipantAdded, Payload: ws.ParticipantAddedPayload{ConversationID: convID, Participant: dto, AddedBy: actorID}}
	s.hub.Publish(convID, ev)
	s.hub.PublishToUser(targetID, ev)
	return &dto, nil
}

// Leave marks the caller's participant row as left. Any participant may
// leave; admin succession is the remaining admins' problem, not a constraint
// on leaving.
func (s *ConversationService) Leave(ctx context.Context, userID, convID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, part, err := s.activeParticipant(ctx, tx, convID, userID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		return tx.Model(part).Update("left_at", &now).Error
	})
	if err != nil {
		return apperr.From(err)
	}

	s.hub.LeaveUser(userID, convID)
	s.hub.Publish(convID, ws.Event{Type: ws.EventParticipantLeft, Payload: ws.ParticipantLeftPayload{ConversationID: convID, UserID: userID}})
	return nil
}

// RemoveParticipant is an admin removing someone else. The target's live
// connections drop out of the room immediately.
func (s *ConversationService) RemoveParticipant(ctx context.Context, actorID, convID, targetID uuid.UUID) error {
	if actorID == targetID {
		return apperr.Validation("remove_self", "use leave to exit a conversation")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, actor, err := s.activeParticipant(ctx, tx, convID, actorID)
		if err != nil {
			return err
		}
		if c.Type != models.ConversationGroup {
			return ErrNotGroup
		}
		if !actor.IsAdmin {
			return ErrNotAdmin
		}
		var part models.Participant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("conversation_id = ? AND user_id = ?", convID, targetID).First(&part).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrParticipantNotFound
			}
			return err
		}
		if part.State() == models.StateLeft {
			return ErrParticipantNotFound
		}
		now := time.Now().UTC()
		return tx.Model(&part).Update("left_at", &now).Error
	})
	if err != nil {
		return apperr.From(err)
	}

	s.hub.LeaveUser(targetID, convID)
	ev := ws.Event{Type: ws.EventParticipantLeft, Payload: ws.ParticipantLeftPayload{ConversationID: convID, UserID: targetID, RemovedBy: &actorID}}
	s.hub.Publish(convID, ev)
	s.hub.PublishToUser(targetID, ev)
	return nil
}

// RoleChangeResult carries the participant snapshot after a promote/demote,
// and whether the call was a no-op.
type RoleChangeResult struct {
	Participant ws.ParticipantDTO
	NoOp        bool
}

// SetRole promotes or demotes target inside one transaction with the
// conversation's participant rows locked FOR UPDATE. The admin count is
// recomputed under the lock, so two concurrent demotions cannot both pass
// the last-admin check. No-op changes short-circuit idempotently without
// mutating state or emitting events.
func (s *ConversationService) SetRole(ctx context.Context, actorID, convID, targetID uuid.UUID, makeAdmin bool) (*RoleChangeResult, error) {
	var result RoleChangeResult
	var targetUser models.User

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, actor, err := s.activeParticipant(ctx, tx, convID, actorID)
		if err != nil {
			return err
		}
		if c.Type != models.ConversationGroup {
			return ErrNotGroup
		}
		if !actor.IsAdmin {
			return ErrNotAdmin
		}

		var parts []models.Participant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("conversation_id = ?", convID).Find(&parts).Error; err != nil {
			return err
		}

		var target *models.Participant
		adminCount := 0
		for i := range parts {
			if parts[i].State() != models.StateActive {
				continue
			}
			if parts[i].IsAdmin {
				adminCount++
			}
			if parts[i].UserID == targetID {
				target = &parts[i]
			}
		}
		if target == nil {
			return ErrParticipantNotFound
		}
		if err := tx.First(&targetUser, "id = ?", targetID).Error; err != nil {
			return err
		}

		if target.IsAdmin == makeAdmin {
			result = RoleChangeResult{Participant: participantDTO(target, &targetUser), NoOp: true}
			return nil
		}
		if !makeAdmin && adminCount < 2 {
			return ErrLastAdmin
		}
		if err := tx.Model(target).Update("is_admin", makeAdmin).Error; err != nil {
			return err
		}
		target.IsAdmin = makeAdmin
		result = RoleChangeResult{Participant: participantDTO(target, &targetUser)}
		return nil
	})
	if err != nil {
		return nil, apperr.From(err)
	}

	if !result.NoOp {
		evType := ws.EventAdminDemoted
		if makeAdmin {
			evType = ws.EventAdminPromoted
		}
		ev := ws.Event{Type: evType, Payload: ws.RoleChangedPayload{ConversationID: convID, Participant: result.Participant, ChangedBy: actorID}}
		s.hub.Publish(convID, ev)
		s.hub.PublishToUser(targetID, ev)
	}
	return &result, nil
}

// ListParticipants returns the active participants of a conversation the
// requester belongs to, enriched with presence in a single bulk lookup.
func (s *ConversationService) ListParticipants(ctx context.Context, requesterID, convID uuid.UUID) ([]ws.ParticipantDTO, error) {
	if _, _, err := s.activeParticipant(ctx, s.db, convID, requesterID); err != nil {
		return nil, err
	}

	var parts []models.Participant
	if err := s.db.WithContext(ctx).Where("conversation_id = ? AND left_at IS NULL", convID).
		Order("joined_at asc").Find(&parts).Error; err != nil {
		return nil, apperr.Internal(err)
	}

	ids := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.UserID)
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	byID := make(map[uuid.UUID]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}

	// One MGET for the whole participant list, never one lookup each.
	statuses := s.pres.GetBulk(ctx, ids)

	out := make([]ws.ParticipantDTO, 0, len(parts))
	for i := range parts {
		u := byID[parts[i].UserID]
		if u == nil {
			log.Warn().Str("user_id", parts[i].UserID.String()).Msg("participant without user row")
			continue
		}
		dto := participantDTO(&parts[i], u)
		info := statuses[parts[i].UserID]
		dto.Status = info.Status
		dto.LastSeen = info.LastSeen
		out = append(out, dto)
	}
	return out, nil
}

func participantDTO(p *models.Participant, u *models.User) ws.ParticipantDTO {
	role := "member"
	if p.IsAdmin {
		role = "admin"
	}
	return ws.ParticipantDTO{
		UserID:      p.UserID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		IsAdmin:     p.IsAdmin,
		Role:        role,
		JoinedAt:    p.JoinedAt,
		LastReadAt:  p.LastReadAt,
	}
}
