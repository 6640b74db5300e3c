package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sensalabs/mindsync/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingName       = errors.New("session name is required")
	noOpLogger           = zap.NewNop()

	// ErrSessionNotFound indicates the session id does not exist.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionInactive indicates the session was closed.
	ErrSessionInactive = errors.New("session: inactive")
	// ErrSessionExpired indicates the session passed its expiry timestamp.
	ErrSessionExpired = errors.New("session: expired")
	// ErrSessionFull indicates the participant cap has been reached.
	ErrSessionFull = errors.New("session: full")
)

// ServiceError carries a dotted operation code alongside the root cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "session.service.new"
	opCreate     = "session.create"
	opJoin       = "session.join"
	opLeave      = "session.leave"
	opClose      = "session.close"
	opGet        = "session.get"
	opRoster     = "session.roster"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new sessions.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the session registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// DefaultMaxParticipants applies when a create request omits a capacity.
	DefaultMaxParticipants int
	IDProvider             IDProvider
	Logger                 *zap.Logger
}

// Service is the session registry: it tracks which sessions exist, who may
// join, capacity and expiry.
type Service struct {
	db              *gorm.DB
	clock           func() time.Time
	defaultCapacity int
	idProvider      IDProvider
	logger          *zap.Logger
}

// NewService validates the configuration and returns a session registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	capacity := cfg.DefaultMaxParticipants
	if capacity <= 0 {
		capacity = 10
	}

	return &Service{
		db:              cfg.Database,
		clock:           clock,
		defaultCapacity: capacity,
		idProvider:      cfg.IDProvider,
		logger:          logger,
	}, nil
}

// CreateRequest describes the input for creating a session.
type CreateRequest struct {
	Name            string
	CreatorID       UserID
	MaxParticipants int
	ExpiresAtS      int64
	SettingsJSON    string
	Visibility      Visibility
}

// Create persists a new active session and enrolls the creator as facilitator.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Session, error) {
	name := req.Name
	if name == "" {
		s.logError(opCreate, "missing_name", errMissingName)
		return Session{}, newServiceError(opCreate, "missing_name", errMissingName)
	}
	if req.CreatorID == "" {
		s.logError(opCreate, "missing_creator", ErrInvalidUserID)
		return Session{}, newServiceError(opCreate, "missing_creator", ErrInvalidUserID)
	}

	sessionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Session{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	maxParticipants := req.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = s.defaultCapacity
	}
	visibility := req.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	settings := req.SettingsJSON
	if settings == "" {
		settings = "{}"
	}

	now := s.clock().UTC().Unix()
	record := Session{
		SessionID:       sessionID,
		CreatorID:       req.CreatorID.String(),
		Name:            name,
		IsActive:        true,
		MaxParticipants: maxParticipants,
		ExpiresAtS:      req.ExpiresAtS,
		SettingsJSON:    settings,
		Visibility:      string(visibility),
		CreatedAtS:      now,
		UpdatedAtS:      now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return newServiceError(opCreate, "session_insert_failed", err)
		}
		creator := Participant{
			SessionID: sessionID,
			UserID:    req.CreatorID.String(),
			Role:      RoleFacilitator,
			IsOnline:  true,
			LastSeenS: now,
			Color:     users.PaletteColor(req.CreatorID.String()),
		}
		if err := tx.Create(&creator).Error; err != nil {
			return newServiceError(opCreate, "participant_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreate, "transaction_failed", txErr, zap.String("session_id", sessionID))
		return Session{}, txErr
	}

	return record, nil
}

// Join marks the user online in the session, enforcing the state and
// capacity rules. Rejoining an existing participant never counts twice.
func (s *Service) Join(ctx context.Context, sessionID SessionID, userID UserID) (Participant, error) {
	var joined Participant
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.lockActiveSession(tx, sessionID, opJoin)
		if err != nil {
			return err
		}

		var existing Participant
		err = tx.Where("session_id = ? AND user_id = ?", sessionID.String(), userID.String()).
			Take(&existing).Error
		now := s.clock().UTC().Unix()
		if err == nil {
			existing.IsOnline = true
			existing.LastSeenS = now
			if err := tx.Save(&existing).Error; err != nil {
				return newServiceError(opJoin, "participant_update_failed", err)
			}
			joined = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opJoin, "participant_select_failed", err)
		}

		var count int64
		if err := tx.Model(&Participant{}).
			Where("session_id = ?", sessionID.String()).
			Count(&count).Error; err != nil {
			return newServiceError(opJoin, "participant_count_failed", err)
		}
		if count >= int64(record.MaxParticipants) {
			return newServiceError(opJoin, "session_full", ErrSessionFull)
		}

		joined = Participant{
			SessionID: sessionID.String(),
			UserID:    userID.String(),
			Role:      RoleParticipant,
			IsOnline:  true,
			LastSeenS: now,
			Color:     users.PaletteColor(userID.String()),
		}
		if err := tx.Create(&joined).Error; err != nil {
			return newServiceError(opJoin, "participant_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opJoin, "join_failed", txErr,
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", userID.String()))
		return Participant{}, txErr
	}
	return joined, nil
}

// Leave marks the participant offline. The row is retained for attribution.
func (s *Service) Leave(ctx context.Context, sessionID SessionID, userID UserID) error {
	now := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&Participant{}).
		Where("session_id = ? AND user_id = ?", sessionID.String(), userID.String()).
		Updates(map[string]interface{}{"is_online": false, "last_seen_s": now})
	if result.Error != nil {
		s.logError(opLeave, "participant_update_failed", result.Error,
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", userID.String()))
		return newServiceError(opLeave, "participant_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opLeave, "participant_not_found", ErrSessionNotFound)
	}
	return nil
}

// Close flips is_active. Operations and snapshots stay queryable for audit.
func (s *Service) Close(ctx context.Context, sessionID SessionID) error {
	now := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID.String()).
		Updates(map[string]interface{}{"is_active": false, "updated_at_s": now})
	if result.Error != nil {
		s.logError(opClose, "session_update_failed", result.Error, zap.String("session_id", sessionID.String()))
		return newServiceError(opClose, "session_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opClose, "session_not_found", ErrSessionNotFound)
	}
	return nil
}

// Get returns the session record regardless of its active flag.
func (s *Service) Get(ctx context.Context, sessionID SessionID) (Session, error) {
	var record Session
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, newServiceError(opGet, "session_not_found", ErrSessionNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("session_id", sessionID.String()))
		return Session{}, newServiceError(opGet, "query_failed", err)
	}
	return record, nil
}

// Roster returns all participants of the session, online first.
func (s *Service) Roster(ctx context.Context, sessionID SessionID) ([]Participant, error) {
	var participants []Participant
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID.String()).
		Order("is_online DESC, last_seen_s DESC").
		Find(&participants).Error; err != nil {
		s.logError(opRoster, "query_failed", err, zap.String("session_id", sessionID.String()))
		return nil, newServiceError(opRoster, "query_failed", err)
	}
	return participants, nil
}

// lockActiveSession loads the session under a row lock and enforces the
// not-found / inactive / expired taxonomy.
func (s *Service) lockActiveSession(tx *gorm.DB, sessionID SessionID, operation string) (Session, error) {
	var record Session
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_id = ?", sessionID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, newServiceError(operation, "session_not_found", ErrSessionNotFound)
	}
	if err != nil {
		return Session{}, newServiceError(operation, "session_select_failed", err)
	}
	if !record.IsActive {
		return Session{}, newServiceError(operation, "session_inactive", ErrSessionInactive)
	}
	if record.ExpiresAtS > 0 && record.ExpiresAtS <= s.clock().UTC().Unix() {
		return Session{}, newServiceError(operation, "session_expired", ErrSessionExpired)
	}
	return record, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("session registry error", attrs...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
