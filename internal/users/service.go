package users

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sensalabs/mindsync/backend/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// displayPalette holds the colors assigned to collaborators. An identity keeps
// its first assigned color for the lifetime of the record.
var displayPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#008080",
}

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages durable identity records and display color assignment.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// EnsureIdentity persists or refreshes the identity record for the provided
// claims and returns it. A new record gets a palette color derived from the
// user id; existing records keep their color.
func (s *Service) EnsureIdentity(claims auth.IdentityClaims) (Identity, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(subject); ok {
		if identity, ok := cached.(Identity); ok {
			return identity, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("user_id = ?", subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			UserID:      subject,
			Email:       normalize(claims.Email),
			DisplayName: normalize(claims.DisplayName),
			Color:       PaletteColor(subject),
			LastSeenAt:  s.now(),
		}
		if identity.DisplayName == "" {
			identity.DisplayName = subject
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	} else if err != nil {
		return Identity{}, err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(claims.Email); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.DisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if identity.Color == "" {
			identity.Color = PaletteColor(subject)
			updates["user_color"] = identity.Color
		}
		updates["last_seen_at"] = s.now()
		if len(updates) > 0 {
			_ = s.db.Model(&Identity{}).
				Where("user_id = ?", subject).
				Updates(updates).
				Error
		}
	}

	s.cache.Store(subject, identity)
	return identity, nil
}

// PaletteColor derives a stable palette color for the provided user id.
func PaletteColor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return displayPalette[hasher.Sum32()%uint32(len(displayPalette))]
}
