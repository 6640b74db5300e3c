package mindmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrBaseSequenceAhead indicates the client claims a log position newer
	// than the log itself.
	ErrBaseSequenceAhead = errors.New("mindmap: base sequence ahead of log")
	noOpLogger           = zap.NewNop()
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
	opServiceNew      = "mindmap.service.new"
	opAppend          = "mindmap.append"
	opReplaySince     = "mindmap.replay_since"
	opCurrentSequence = "mindmap.current_sequence"

	fieldSessionID = "session_id"
	fieldUserID    = "user_id"
	fieldEntityKey = "entity_key"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for stored operations and snapshots.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the operation log.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the operation log and snapshot store for mind-map sessions. The
// per-session sequence counter it advances is the single serialization point
// for concurrent appends.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns the operation log service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
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

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// AppendRequest describes one graph mutation submitted by a client.
// BaseSequence is the highest sequence number the client had applied when it
// produced the mutation; concurrency is judged against it, never wall-clock.
type AppendRequest struct {
	SessionID    string
	UserID       string
	Type         OperationType
	Data         string
	BaseSequence int64
}

// AppendOutcome reports the stored operation and any conflict it resolved.
type AppendOutcome struct {
	Operation  Operation
	Superseded []int64
}

// Append durably sequences one operation. Within a single transaction it
// advances the session counter under a row lock, annotates concurrently
// superseded operations, and inserts the new record. A failure here must be
// treated as not-applied by the caller: peers rely on the log as ground truth.
func (s *Service) Append(ctx context.Context, req AppendRequest) (AppendOutcome, error) {
	if req.SessionID == "" {
		return AppendOutcome{}, newServiceError(opAppend, "missing_session_id", ErrInvalidSessionID)
	}
	if req.UserID == "" {
		return AppendOutcome{}, newServiceError(opAppend, "missing_user_id", ErrInvalidUserID)
	}
	if req.BaseSequence < 0 {
		return AppendOutcome{}, newServiceError(opAppend, "invalid_base_sequence", ErrInvalidSequence)
	}
	if _, err := ParseOperationType(string(req.Type)); err != nil {
		return AppendOutcome{}, newServiceError(opAppend, "invalid_operation_type", err)
	}
	entityID, err := parseEntityID(req.Data)
	if err != nil {
		return AppendOutcome{}, newServiceError(opAppend, "invalid_operation_data", err)
	}
	entityKey := req.Type.EntityKey(entityID)

	var outcome AppendOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sequence, err := s.advanceSequence(tx, req.SessionID)
		if err != nil {
			s.logError(opAppend, "sequence_advance_failed", err, zap.String(fieldSessionID, req.SessionID))
			return newServiceError(opAppend, "sequence_advance_failed", err)
		}
		if req.BaseSequence >= sequence {
			return newServiceError(opAppend, "base_sequence_ahead", ErrBaseSequenceAhead)
		}

		// Operations the submitting client had not yet applied are the
		// concurrent set for conflict judgement.
		var concurrent []Operation
		if err := tx.
			Where("session_id = ? AND entity_key = ? AND sequence_number > ?", req.SessionID, entityKey, req.BaseSequence).
			Order("sequence_number ASC").
			Find(&concurrent).Error; err != nil {
			s.logError(opAppend, "conflict_lookup_failed", err,
				zap.String(fieldSessionID, req.SessionID),
				zap.String(fieldEntityKey, entityKey))
			return newServiceError(opAppend, "conflict_lookup_failed", err)
		}

		operationID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAppend, "id_generation_failed", err, zap.String(fieldSessionID, req.SessionID))
			return newServiceError(opAppend, "id_generation_failed", err)
		}

		record := Operation{
			OperationID:    operationID,
			SessionID:      req.SessionID,
			UserID:         req.UserID,
			OperationType:  req.Type,
			OperationData:  req.Data,
			EntityKey:      entityKey,
			SequenceNumber: sequence,
			TimestampS:     s.clock().UTC().Unix(),
			Applied:        true,
		}

		// A concurrent delete is terminal: the new operation is logged for
		// audit but never contributes to replayed state.
		for _, prior := range concurrent {
			if prior.OperationType.IsDelete() {
				record.Applied = false
				annotation, err := marshalAnnotation(ConflictPolicyDeleteTerminal, prior.SequenceNumber)
				if err != nil {
					return newServiceError(opAppend, "annotation_encode_failed", err)
				}
				record.ConflictResolution = &annotation
				break
			}
		}

		// Otherwise the new, higher-sequenced operation wins; the concurrent
		// older ones are retained and stamped as superseded.
		if record.Applied {
			for _, prior := range concurrent {
				if !req.Type.supersedes(prior.OperationType) {
					continue
				}
				annotation, err := marshalAnnotation(ConflictPolicyLastWriterWins, sequence)
				if err != nil {
					return newServiceError(opAppend, "annotation_encode_failed", err)
				}
				if err := tx.Model(&Operation{}).
					Where("operation_id = ?", prior.OperationID).
					Update("conflict_resolution", annotation).Error; err != nil {
					s.logError(opAppend, "annotation_write_failed", err,
						zap.String(fieldSessionID, req.SessionID),
						zap.String(fieldEntityKey, entityKey))
					return newServiceError(opAppend, "annotation_write_failed", err)
				}
				outcome.Superseded = append(outcome.Superseded, prior.SequenceNumber)
			}
		}

		if err := tx.Create(&record).Error; err != nil {
			s.logError(opAppend, "operation_insert_failed", err,
				zap.String(fieldSessionID, req.SessionID),
				zap.String(fieldUserID, req.UserID))
			return newServiceError(opAppend, "operation_insert_failed", err)
		}

		outcome.Operation = record
		return nil
	})
	if txErr != nil {
		return AppendOutcome{}, txErr
	}
	return outcome, nil
}

// ReplaySince returns all operations with a sequence number greater than
// fromSequence, in ascending order.
func (s *Service) ReplaySince(ctx context.Context, sessionID string, fromSequence int64) ([]Operation, error) {
	if sessionID == "" {
		return nil, newServiceError(opReplaySince, "missing_session_id", ErrInvalidSessionID)
	}

	var operations []Operation
	if err := s.db.WithContext(ctx).
		Where("session_id = ? AND sequence_number > ?", sessionID, fromSequence).
		Order("sequence_number ASC").
		Find(&operations).Error; err != nil {
		s.logError(opReplaySince, reasonQueryFailed, err, zap.String(fieldSessionID, sessionID))
		return nil, newServiceError(opReplaySince, reasonQueryFailed, err)
	}
	return operations, nil
}

// CurrentSequence returns the last assigned sequence number for the session,
// zero when nothing has been appended.
func (s *Service) CurrentSequence(ctx context.Context, sessionID string) (int64, error) {
	var counter sequenceCounter
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opCurrentSequence, reasonQueryFailed, err, zap.String(fieldSessionID, sessionID))
		return 0, newServiceError(opCurrentSequence, reasonQueryFailed, err)
	}
	return counter.LastSequence, nil
}

// advanceSequence increments the per-session counter under a row lock and
// returns the newly assigned sequence number.
func (s *Service) advanceSequence(tx *gorm.DB, sessionID string) (int64, error) {
	var counter sequenceCounter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_id = ?", sessionID).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = sequenceCounter{SessionID: sessionID, LastSequence: 1}
		if err := tx.Create(&counter).Error; err != nil {
			return 0, err
		}
		return counter.LastSequence, nil
	}
	if err != nil {
		return 0, err
	}
	counter.LastSequence++
	if err := tx.Save(&counter).Error; err != nil {
		return 0, err
	}
	return counter.LastSequence, nil
}

func marshalAnnotation(policy string, supersededBy int64) (string, error) {
	raw, err := json.Marshal(ConflictAnnotation{Policy: policy, SupersededBy: supersededBy})
	if err != nil {
		return "", err
	}
	return string(raw), nil
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
	s.loggerOrDefault().Error("mindmap service error", attrs...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
