package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is a user presence status. Absence of a presence entry is read as
// StatusOffline, so offline is also the fail-safe default.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
)

// ParseStatus validates a client-supplied status string.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusOnline, StatusOffline, StatusAway, StatusBusy:
		return Status(s), true
	}
	return "", false
}

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type User struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username            string    `gorm:"uniqueIndex;size:64;not null"`
	DisplayName         string    `gorm:"size:128"`
	AvatarURL           string    `gorm:"size:512"`
	PasswordHash        string    `gorm:"not null"`
	ReadReceiptsEnabled bool      `gorm:"not null;default:true"`
	LastSeenAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

type Conversation struct {
	ID   uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Type ConversationType `gorm:"size:16;not null;index"`
	// Name and AvatarURL are group-only; empty for direct conversations.
	Name      string `gorm:"size:128"`
	AvatarURL string `gorm:"size:512"`
	// DirectKey is the unordered user-id pair key for direct conversations,
	// unique so get-or-create cannot produce duplicate rows.
	DirectKey *string   `gorm:"uniqueIndex;size:80"`
	CreatorID uuid.UUID `gorm:"type:uuid;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// ParticipantState is the membership state of a participant row. A row is
// never deleted on leave; it flips to StateLeft and can flip back on re-join
// so join history survives.
type ParticipantState int

const (
	StateActive ParticipantState = iota
	StateLeft
)

type Participant struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_conv_user"`
	UserID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_conv_user;index"`
	IsAdmin        bool      `gorm:"not null;default:false"`
	JoinedAt       time.Time `gorm:"not null"`
	LeftAt         *time.Time
	LastReadAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (p *Participant) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// State folds the nullable LeftAt column into a closed enum so call sites
// switch on membership instead of testing the pointer.
func (p *Participant) State() ParticipantState {
	if p.LeftAt != nil {
		return StateLeft
	}
	return StateActive
}

type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index:idx_msg_conv"`
	SenderID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Content        string    `gorm:"type:text;not null"`
	EditedAt       *time.Time
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
