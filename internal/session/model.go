package session

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("session: invalid session id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("session: invalid user id")
	// ErrInvalidVisibility indicates an unknown visibility kind.
	ErrInvalidVisibility = errors.New("session: invalid visibility")
)

// SessionID represents a validated session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxIdentifierLength)
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Visibility enumerates who may discover and join a session.
type Visibility string

const (
	// VisibilityPublic allows any authenticated user to join.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate restricts joining to users who hold the session id.
	VisibilityPrivate Visibility = "private"
	// VisibilityInvite restricts joining to explicitly invited users.
	VisibilityInvite Visibility = "invite"
)

// ParseVisibility validates raw input and returns a Visibility.
func ParseVisibility(rawInput string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "", string(VisibilityPrivate):
		return VisibilityPrivate, nil
	case string(VisibilityPublic):
		return VisibilityPublic, nil
	case string(VisibilityInvite), "invite-only":
		return VisibilityInvite, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidVisibility, rawInput)
	}
}

// Role enumerates participant roles within a session.
type Role string

const (
	// RoleFacilitator marks the session creator and moderators.
	RoleFacilitator Role = "facilitator"
	// RoleParticipant marks regular collaborators.
	RoleParticipant Role = "participant"
)

// Session models a shared editing room. Sessions follow a soft lifecycle:
// closing or expiry flips is_active, rows are never deleted.
type Session struct {
	SessionID       string `gorm:"column:session_id;primaryKey;size:190;not null"`
	CreatorID       string `gorm:"column:creator_id;size:190;not null;index:idx_sessions_creator"`
	Name            string `gorm:"column:name;size:320;not null"`
	IsActive        bool   `gorm:"column:is_active;not null;default:true;index:idx_sessions_active"`
	MaxParticipants int    `gorm:"column:max_participants;not null;default:10"`
	ExpiresAtS      int64  `gorm:"column:expires_at_s;not null;default:0"`
	SettingsJSON    string `gorm:"column:settings_json;type:text;not null;default:''"`
	Visibility      string `gorm:"column:visibility;size:32;not null;default:'private'"`
	CreatedAtS      int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtS      int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "collab_sessions"
}

// Participant models a user's membership in a session. Rows are never
// deleted so edit attribution survives the session.
type Participant struct {
	SessionID string  `gorm:"column:session_id;primaryKey;size:190;not null"`
	UserID    string  `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role      Role    `gorm:"column:role;size:32;not null;default:'participant'"`
	IsOnline  bool    `gorm:"column:is_online;not null;default:false"`
	LastSeenS int64   `gorm:"column:last_seen_s;not null;default:0"`
	CursorX   float64 `gorm:"column:cursor_x;not null;default:0"`
	CursorY   float64 `gorm:"column:cursor_y;not null;default:0"`
	Color     string  `gorm:"column:color;size:16;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "collab_participants"
}
