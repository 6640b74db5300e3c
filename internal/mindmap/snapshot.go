package mindmap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSaveSnapshot    = "mindmap.save_snapshot"
	opLatestBefore    = "mindmap.latest_before"
	opRestoreSnapshot = "mindmap.restore_snapshot"
)

var (
	// ErrSnapshotNotFound indicates no snapshot exists at or before the
	// requested version.
	ErrSnapshotNotFound = errors.New("mindmap: snapshot not found")
	// ErrInvalidSnapshotState indicates a snapshot payload that does not
	// decode into a graph.
	ErrInvalidSnapshotState = errors.New("mindmap: invalid snapshot state")
)

// SnapshotRequest describes a full-state capture of a session graph.
// BaseSequence is the highest operation sequence the submitted state reflects;
// the stored record covers exactly that position, never the log head, so a
// save racing a concurrent append cannot claim operations its state misses.
type SnapshotRequest struct {
	SessionID    string
	UserID       string
	State        *GraphState
	BaseSequence int64
	Description  string
	IsAuto       bool
}

// SaveSnapshot persists a new snapshot with the next version number for the
// session. The version counter is independent of the operation sequence; the
// stored record remembers the log position it covers.
func (s *Service) SaveSnapshot(ctx context.Context, req SnapshotRequest) (Snapshot, error) {
	if req.SessionID == "" {
		return Snapshot{}, newServiceError(opSaveSnapshot, "missing_session_id", ErrInvalidSessionID)
	}
	if req.UserID == "" {
		return Snapshot{}, newServiceError(opSaveSnapshot, "missing_user_id", ErrInvalidUserID)
	}
	if req.State == nil {
		return Snapshot{}, newServiceError(opSaveSnapshot, "missing_state", ErrInvalidSnapshotState)
	}
	if req.BaseSequence < 0 {
		return Snapshot{}, newServiceError(opSaveSnapshot, "invalid_base_sequence", ErrInvalidSequence)
	}

	stateJSON, err := req.State.Encode()
	if err != nil {
		s.logError(opSaveSnapshot, "state_encode_failed", err, zap.String(fieldSessionID, req.SessionID))
		return Snapshot{}, newServiceError(opSaveSnapshot, "state_encode_failed", err)
	}

	var record Snapshot
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, lastSequence, err := s.advanceSnapshotVersion(tx, req.SessionID)
		if err != nil {
			s.logError(opSaveSnapshot, "version_advance_failed", err, zap.String(fieldSessionID, req.SessionID))
			return newServiceError(opSaveSnapshot, "version_advance_failed", err)
		}
		if req.BaseSequence > lastSequence {
			return newServiceError(opSaveSnapshot, "base_sequence_ahead", ErrBaseSequenceAhead)
		}

		snapshotID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSaveSnapshot, "id_generation_failed", err, zap.String(fieldSessionID, req.SessionID))
			return newServiceError(opSaveSnapshot, "id_generation_failed", err)
		}

		record = Snapshot{
			SnapshotID:     snapshotID,
			SessionID:      req.SessionID,
			UserID:         req.UserID,
			StateJSON:      stateJSON,
			Version:        version,
			SequenceNumber: req.BaseSequence,
			Description:    req.Description,
			IsAuto:         req.IsAuto,
			CreatedAtS:     s.clock().UTC().Unix(),
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opSaveSnapshot, "snapshot_insert_failed", err, zap.String(fieldSessionID, req.SessionID))
			return newServiceError(opSaveSnapshot, "snapshot_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Snapshot{}, txErr
	}
	return record, nil
}

// LatestBefore returns the most recent snapshot at or before the requested
// version, or the newest overall when version is nil. A client rebuilds state
// as snapshot state plus ReplaySince(session, snapshot.SequenceNumber).
func (s *Service) LatestBefore(ctx context.Context, sessionID string, version *int64) (Snapshot, error) {
	if sessionID == "" {
		return Snapshot{}, newServiceError(opLatestBefore, "missing_session_id", ErrInvalidSessionID)
	}

	query := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if version != nil {
		query = query.Where("version <= ?", *version)
	}

	var record Snapshot
	err := query.Order("version DESC").Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, newServiceError(opLatestBefore, "snapshot_not_found", ErrSnapshotNotFound)
	}
	if err != nil {
		s.logError(opLatestBefore, reasonQueryFailed, err, zap.String(fieldSessionID, sessionID))
		return Snapshot{}, newServiceError(opLatestBefore, reasonQueryFailed, err)
	}
	return record, nil
}

// RestoreSnapshot clones an old snapshot payload into a new version. History
// is preserved: the source snapshot stays untouched.
func (s *Service) RestoreSnapshot(ctx context.Context, sessionID, userID string, fromVersion int64) (Snapshot, error) {
	source, err := s.LatestBefore(ctx, sessionID, &fromVersion)
	if err != nil {
		return Snapshot{}, err
	}
	if source.Version != fromVersion {
		return Snapshot{}, newServiceError(opRestoreSnapshot, "snapshot_not_found", ErrSnapshotNotFound)
	}

	state, err := DecodeGraphState(source.StateJSON)
	if err != nil {
		s.logError(opRestoreSnapshot, "state_decode_failed", err, zap.String(fieldSessionID, sessionID))
		return Snapshot{}, newServiceError(opRestoreSnapshot, "state_decode_failed", err)
	}

	return s.SaveSnapshot(ctx, SnapshotRequest{
		SessionID:    sessionID,
		UserID:       userID,
		State:        state,
		BaseSequence: source.SequenceNumber,
		Description:  fmt.Sprintf("restored from version %d", fromVersion),
		IsAuto:       false,
	})
}

// advanceSnapshotVersion increments the per-session snapshot version under
// the same counter row lock that serializes appends and returns the new
// version together with the current log head, so the caller's claimed
// coverage can be bounded by it.
func (s *Service) advanceSnapshotVersion(tx *gorm.DB, sessionID string) (int64, int64, error) {
	var counter sequenceCounter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_id = ?", sessionID).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = sequenceCounter{SessionID: sessionID, LastSnapVersion: 1}
		if err := tx.Create(&counter).Error; err != nil {
			return 0, 0, err
		}
		return counter.LastSnapVersion, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	counter.LastSnapVersion++
	if err := tx.Save(&counter).Error; err != nil {
		return 0, 0, err
	}
	return counter.LastSnapVersion, counter.LastSequence, nil
}
