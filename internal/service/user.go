package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"messenger/internal/apperr"
	"messenger/internal/auth"
	"messenger/internal/config"
	"messenger/internal/models"
	"messenger/internal/presence"
	"messenger/internal/ws"
)

// UserService covers accounts, profiles and explicit status updates.
type UserService struct {
	db   *gorm.DB
	hub  *ws.Hub
	pres presence.Store
	cfg  config.Config
}

func NewUserService(db *gorm.DB, hub *ws.Hub, pres presence.Store, cfg config.Config) *UserService {
	return &UserService{db: db, hub: hub, pres: pres, cfg: cfg}
}

// UserDTO is the REST shape of a user profile.
type UserDTO struct {
	ID                  uuid.UUID  `json:"id"`
	Username            string     `json:"username"`
	DisplayName         string     `json:"display_name"`
	AvatarURL           string     `json:"avatar_url,omitempty"`
	ReadReceiptsEnabled bool       `json:"read_receipts_enabled"`
	LastSeenAt          *time.Time `json:"last_seen_at,omitempty"`
}

func userDTO(u *models.User) UserDTO {
	return UserDTO{
		ID:                  u.ID,
		Username:            u.Username,
		DisplayName:         u.DisplayName,
		AvatarURL:           u.AvatarURL,
		ReadReceiptsEnabled: u.ReadReceiptsEnabled,
		LastSeenAt:          u.LastSeenAt,
	}
}

// Register creates a new account.
func (s *UserService) Register(ctx context.Context, username, password string) (*UserDTO, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	user := models.User{Username: username, DisplayName: username, PasswordHash: hash, ReadReceiptsEnabled: true}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	dto := userDTO(&user)
	return &dto, nil
}

// LoginResult carries the token pair issued on login.
type LoginResult struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	User         UserDTO `json:"user"`
}

// Login verifies credentials and issues an access/refresh token pair.
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, apperr.Internal(err)
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(s.db, user.ID, rt, exp); err != nil {
		return nil, apperr.Internal(err)
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: userDTO(&user)}, nil
}

// RefreshResult is the rotated token pair.
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens rotates a refresh token: the old one is revoked and a new
// pair is issued in one transaction.
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	var result RefreshResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, exp); err != nil {
			return err
		}
		result.AccessToken = at
		result.RefreshToken = newRT
		return nil
	})
	if err != nil {
		return nil, apperr.Unauthorized("invalid_refresh_token", "invalid refresh token")
	}
	return &result, nil
}

// UpdateProfile mutates display name, avatar and the read-receipts privacy
// flag. All fields optional; at least one required.
func (s *UserService) UpdateProfile(ctx context.Context, userID uuid.UUID, displayName, avatarURL *string, readReceipts *bool) (*UserDTO, error) {
	if displayName == nil && avatarURL == nil && readReceipts == nil {
		return nil, apperr.Validation("no_fields", "at least one field is required")
	}
	updates := map[string]any{}
	if displayName != nil {
		trimmed := strings.TrimSpace(*displayName)
		if trimmed == "" || len(trimmed) > 128 {
			return nil, apperr.Validation("invalid_display_name", "display name must be 1-128 characters")
		}
		updates["display_name"] = trimmed
	}
	if avatarURL != nil {
		if err := validateAvatarURL(*avatarURL); err != nil {
			return nil, err
		}
		updates["avatar_url"] = *avatarURL
	}
	if readReceipts != nil {
		updates["read_receipts_enabled"] = *readReceipts
	}

	var user models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		return tx.Model(&user).Updates(updates).Error
	})
	if err != nil {
		return nil, apperr.From(err)
	}
	dto := userDTO(&user)
	return &dto, nil
}

// SetStatus records an explicit presence status and notifies the user's
// rooms. A user with no live connection cannot be online; their explicit
// status still lands in the store for the TTL window.
func (s *UserService) SetStatus(ctx context.Context, userID uuid.UUID, raw string) (models.Status, error) {
	status, ok := models.ParseStatus(raw)
	if !ok {
		return "", apperr.Validation("invalid_status", "status must be one of online, offline, away, busy")
	}
	if err := s.pres.SetStatus(ctx, userID, status); err != nil {
		return "", apperr.Internal(err)
	}

	info := s.pres.GetStatus(ctx, userID)
	var roomIDs []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("user_id = ? AND left_at IS NULL", userID).
		Pluck("conversation_id", &roomIDs).Error; err == nil {
		for _, rid := range roomIDs {
			s.hub.Publish(rid, ws.PresenceChanged(userID, info))
		}
	}
	return status, nil
}

// Get loads one profile.
func (s *UserService) Get(ctx context.Context, userID uuid.UUID) (*UserDTO, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, apperr.Internal(err)
	}
	dto := userDTO(&user)
	return &dto, nil
}
