package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"messenger/internal/apperr"
	"messenger/internal/auth"
	"messenger/internal/service"
)

// Handler aggregates the REST handlers over the service layer.
type Handler struct {
	userSvc *service.UserService
	convSvc *service.ConversationService
	msgSvc  *service.MessageService
}

func NewHandler(userSvc *service.UserService, convSvc *service.ConversationService, msgSvc *service.MessageService) *Handler {
	return &Handler{userSvc: userSvc, convSvc: convSvc, msgSvc: msgSvc}
}

// ok writes the uniform success envelope.
func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// fail classifies err into the error taxonomy and writes the uniform error
// envelope. Internal causes are logged, never sent to the client.
func fail(c *gin.Context, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.From(err)
	}
	if e.Kind == apperr.KindInternal {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	body := gin.H{"code": e.Code, "message": e.Message}
	if e.RetryAfter > 0 {
		body["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	c.JSON(e.HTTPStatus(), gin.H{"success": false, "error": body})
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		fail(c, apperr.Validation("invalid_"+name, "invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

// Register handles account creation.
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("invalid_payload", "invalid payload"))
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 2 || len(req.Username) > 64 {
		fail(c, apperr.Validation("invalid_username", "username must be 2-64 characters"))
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		fail(c, apperr.Validation("invalid_password", "password must be 4-128 characters"))
		return
	}
	user, err := h.userSvc.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, user)
}

// Login handles credential verification and token issuance.
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("invalid_payload", "invalid payload"))
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		fail(c, apperr.Validation("invalid_payload", "invalid payload"))
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, result)
}

// RefreshToken rotates a refresh token.
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		fail(c, apperr.Validation("invalid_payload", "invalid payload"))
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, result)
}

// Me returns the caller's profile.
func (h *Handler) Me(c *gin.Context) {
	user, err := h.userSvc.Get(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, user)
}

// UpdateMe mutates the caller's profile fields.
func (h *Handler) UpdateMe(c *gin.Context) {
	var req struct {
		DisplayName  *string `json:"display_name"`
		AvatarURL    *string `json:"avatar_url"`
		ReadReceipts *bool   `json:"read_receipts_enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("invalid_payload", "invalid payload"))
		return
	}
	user, err := h.userSvc.UpdateProfile(c.Request.Context(), auth.GetUserID(c), req.DisplayName, req.AvatarURL, req.ReadReceipts)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, user)
}

// UpdateStatus records an explicit presence status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("invalid_payload", "invalid payload"))
		return
	}
	status, err := h.userSvc.SetStatus(c.Request.Context(), auth.GetUserID(c), req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"status": status})
}

// CreateConversation handles both direct and group creation.
func (h *Handler) CreateConversation(c *gin.Context) {
	var req struct {
		Type      string   `json:"type"`
		UserID    string   `json:"user_id"`
		Name      string   `json:"name"`
		MemberIDs []string `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("invalid_payload", "invalid payload"))
		return
	}
	actorID := auth.GetUserID(c)

	switch req.Type {
	case "direct":
		otherID, err := uuid.Parse(req.UserID)
		if err != nil {
			fail(c, apperr.Validation("invalid_user_id", "invalid user_id"))
			return
		}
		conv, err := h.convSvc.CreateDirect(c.Request.Context(), actorID, otherID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, conv)
	case "group":
		memberIDs := make([]uuid.UUID, 0, len(req.MemberIDs))
		for _, raw := range req.MemberIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				fail(c, apperr.Validation("invalid_member_ids", "invalid member id: "+raw))
				return
			}
			memberIDs = append(memberIDs, id)
		}
		conv, err := h.convSvc.CreateGroup(c.Request.Context(), actorID, req.Name, memberIDs)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, conv)
	default:
		fail(c, apperr.Validation("invalid_type", "type must be direct or group"))
	}
}

// ListConversations returns the caller's active conversations.
func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.convSvc.ListMine(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"conversations": convs})
}

// GetConversation returns one conversation.
func (h *Handler) GetConversation(c *gin.Context) {
	convID, okID := pathID(c, "id")
	if !okID {
		return
	}
	conv, err := h.convSvc.Get(c.Request.Context(), auth.GetUserID(c), convID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, conv)
}

// UpdateConversation changes group name/avatar. Admin only.
func (h *Handler) UpdateConversation(c *gin.Context) {
	convID, okID := pathID(c, "id")
	if !okID {
		return
	}
	var req struct {
		Name      *string `json:"name"`
		AvatarURL *string `json:"avatar_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("invalid_payload", "invalid payload"))
		return
	}
	conv, err := h.convSvc.UpdateSettings(c.Request.Context(), auth.GetUserID(c), convID, req.Name, req.AvatarURL)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, conv)
}

// ListParticipants returns the active participants with presence.
func (h *Handler) ListParticipants(c *gin.Context) {
	convID, okID := pathID(c, "id")
	if !okID {
		return
	}
	parts, err := h.convSvc.ListParticipants(c.Request.Context(), auth.GetUserID(c), convID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"participants": parts})
}

// AddParticipant adds a user to a group.
func (h *Handler) AddParticipant(c *gin.Context) {
	convID, okID := pathID(c, "id")
	if !okID {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("invalid_payload", "invalid payload"))
		return
	}
	targetID, err := uuid.Parse(req.UserID)
	if err != nil {
		fail(c, apperr.Validation("invalid_user_id", "invalid user_id"))
		return
	}
	part, err := h.convSvc.AddParticipant(c.Request.Context(), auth.GetUserID(c), convID, targetID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, part)
}

// RemoveParticipant removes a user from a group. Admin only.
func (h *Handler) RemoveParticipant(c *gin.Context) {
	convID, okID := pathID(c, "id")
	if !okID {
		return
	}
	targetID, okID := pathID(c, "userId")
	if !okID {
		return
	}
	if err := h.convSvc.RemoveParticipant(c.Request.Context(), auth.GetUserID(c), convID, targetID); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"removed": targetID})
}

// LeaveConversation marks the caller as left.
func (h *Handler) LeaveConversation(c *gin.Context) {
	convID, okID := pathID(c, "id")
	if !okID {
		return
	}
	if err := h.convSvc.Leave(c.Request.Context(), auth.GetUserID(c), convID); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"left": convID})
}

// SetRole promotes or demotes a group participant.
func (h *Handler) SetRole(c *gin.Context) {
	convID, okID := pathID(c, "id")
	if !okID {
		return
	}
	targetID, okID := pathID(c, "userId")
	if !okID {
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("invalid_payload", "invalid payload"))
		return
	}
	var makeAdmin bool
	switch req.Role {
	case "admin":
		makeAdmin = true
	case "member":
		makeAdmin = false
	default:
		fail(c, apperr.Validation("invalid_role", "role must be admin or member"))
		return
	}
	result, err := h.convSvc.SetRole(c.Request.Context(), auth.GetUserID(c), convID, targetID, makeAdmin)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"participant": result.Participant, "no_op": result.NoOp})
}

// ListMessages pages through a conversation's history.
func (h *Handler) ListMessages(c *gin.Context) {
	convID, okID := pathID(c, "id")
	if !okID {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	beforeID := uuid.Nil
	if v := c.Query("before_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			fail(c, apperr.Validation("invalid_before_id", "invalid before_id"))
			return
		}
		beforeID = id
	}
	page, err := h.msgSvc.ListByConversation(c.Request.Context(), auth.GetUserID(c), convID, limit, beforeID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, page)
}
