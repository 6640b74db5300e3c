package mindmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates the closed set of graph mutations.
type OperationType string

const (
	// OperationTypeAddNode inserts a node into the graph.
	OperationTypeAddNode OperationType = "add-node"
	// OperationTypeUpdateNode merges fields into an existing node.
	OperationTypeUpdateNode OperationType = "update-node"
	// OperationTypeDeleteNode removes a node and its incident edges.
	OperationTypeDeleteNode OperationType = "delete-node"
	// OperationTypeAddEdge inserts an edge into the graph.
	OperationTypeAddEdge OperationType = "add-edge"
	// OperationTypeUpdateEdge merges fields into an existing edge.
	OperationTypeUpdateEdge OperationType = "update-edge"
	// OperationTypeDeleteEdge removes an edge.
	OperationTypeDeleteEdge OperationType = "delete-edge"
)

var (
	// ErrInvalidOperationType indicates an operation kind outside the closed set.
	ErrInvalidOperationType = errors.New("mindmap: invalid operation type")
	// ErrInvalidOperationData indicates an operation payload that is not a JSON
	// object carrying a non-empty entity id.
	ErrInvalidOperationData = errors.New("mindmap: invalid operation data")
	// ErrInvalidSessionID indicates that a session identifier is empty.
	ErrInvalidSessionID = errors.New("mindmap: invalid session id")
	// ErrInvalidUserID indicates that a user identifier is empty.
	ErrInvalidUserID = errors.New("mindmap: invalid user id")
	// ErrInvalidSequence indicates a negative sequence number.
	ErrInvalidSequence = errors.New("mindmap: invalid sequence number")
)

// ParseOperationType validates raw input and returns an OperationType.
func ParseOperationType(rawInput string) (OperationType, error) {
	switch OperationType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OperationTypeAddNode:
		return OperationTypeAddNode, nil
	case OperationTypeUpdateNode:
		return OperationTypeUpdateNode, nil
	case OperationTypeDeleteNode:
		return OperationTypeDeleteNode, nil
	case OperationTypeAddEdge:
		return OperationTypeAddEdge, nil
	case OperationTypeUpdateEdge:
		return OperationTypeUpdateEdge, nil
	case OperationTypeDeleteEdge:
		return OperationTypeDeleteEdge, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidOperationType, rawInput)
	}
}

// IsNodeOperation reports whether the kind targets a node.
func (t OperationType) IsNodeOperation() bool {
	switch t {
	case OperationTypeAddNode, OperationTypeUpdateNode, OperationTypeDeleteNode:
		return true
	default:
		return false
	}
}

// IsDelete reports whether the kind removes its entity.
func (t OperationType) IsDelete() bool {
	return t == OperationTypeDeleteNode || t == OperationTypeDeleteEdge
}

// EntityKey returns the log-scoped key for the entity an operation targets,
// derived from the kind and the payload id.
func (t OperationType) EntityKey(entityID string) string {
	if t.IsNodeOperation() {
		return "node:" + entityID
	}
	return "edge:" + entityID
}

// Operation stores one sequenced graph mutation. Rows are immutable once
// persisted except for the conflict_resolution annotation, which a later
// conflicting append writes onto the superseded row.
type Operation struct {
	OperationID        string        `gorm:"column:operation_id;primaryKey;size:190;not null"`
	SessionID          string        `gorm:"column:session_id;size:190;not null;index:idx_operations_session_seq,priority:1;uniqueIndex:idx_operations_session_sequence,priority:1"`
	UserID             string        `gorm:"column:user_id;size:190;not null"`
	OperationType      OperationType `gorm:"column:operation_type;size:32;not null"`
	OperationData      string        `gorm:"column:operation_data;type:text;not null"`
	EntityKey          string        `gorm:"column:entity_key;size:222;not null;index:idx_operations_entity"`
	SequenceNumber     int64         `gorm:"column:sequence_number;not null;index:idx_operations_session_seq,priority:2;uniqueIndex:idx_operations_session_sequence,priority:2"`
	TimestampS         int64         `gorm:"column:timestamp_s;not null"`
	Applied            bool          `gorm:"column:applied;not null;default:true"`
	ConflictResolution *string       `gorm:"column:conflict_resolution;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "mindmap_operations"
}

// Snapshot stores a full materialized graph state at a log position.
// Snapshots are never mutated; restoring clones an old payload into a new row.
type Snapshot struct {
	SnapshotID     string `gorm:"column:snapshot_id;primaryKey;size:190;not null"`
	SessionID      string `gorm:"column:session_id;size:190;not null;uniqueIndex:idx_snapshots_session_version,priority:1"`
	UserID         string `gorm:"column:user_id;size:190;not null"`
	StateJSON      string `gorm:"column:state_json;type:text;not null"`
	Version        int64  `gorm:"column:version;not null;uniqueIndex:idx_snapshots_session_version,priority:2"`
	SequenceNumber int64  `gorm:"column:sequence_number;not null"`
	Description    string `gorm:"column:description;size:512;not null;default:''"`
	IsAuto         bool   `gorm:"column:is_auto;not null;default:false"`
	CreatedAtS     int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "mindmap_snapshots"
}

// sequenceCounter is the single serialization point for a session: both the
// operation sequence and the snapshot version advance under its row lock.
type sequenceCounter struct {
	SessionID       string `gorm:"column:session_id;primaryKey;size:190;not null"`
	LastSequence    int64  `gorm:"column:last_sequence;not null;default:0"`
	LastSnapVersion int64  `gorm:"column:last_snapshot_version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (sequenceCounter) TableName() string {
	return "mindmap_sequences"
}

// Models lists every persisted type in this package for schema migration.
func Models() []interface{} {
	return []interface{}{&Operation{}, &Snapshot{}, &sequenceCounter{}}
}

// ConflictAnnotation is the audit record written onto a superseded operation.
type ConflictAnnotation struct {
	Policy       string `json:"policy"`
	SupersededBy int64  `json:"superseded_by"`
}

// conflict policies recorded in annotations.
const (
	ConflictPolicyLastWriterWins = "last-writer-wins"
	ConflictPolicyDeleteTerminal = "delete-terminal"
)

// supersedes reports whether a later operation of kind t wholly overrides a
// concurrent earlier operation of kind prior on the same entity. An update on
// top of a concurrent add is not a conflict: the add still contributes the
// entity and its base fields.
func (t OperationType) supersedes(prior OperationType) bool {
	if prior.IsDelete() {
		return false
	}
	if t.IsDelete() {
		return true
	}
	isUpdate := t == OperationTypeUpdateNode || t == OperationTypeUpdateEdge
	priorUpdate := prior == OperationTypeUpdateNode || prior == OperationTypeUpdateEdge
	if isUpdate {
		return priorUpdate
	}
	// duplicate concurrent add: the later payload replaces the earlier one.
	return !priorUpdate
}

// entityIDEnvelope extracts the target id from an operation payload.
type entityIDEnvelope struct {
	ID string `json:"id"`
}

// parseEntityID validates the payload and returns the entity id it targets.
func parseEntityID(operationData string) (string, error) {
	trimmed := strings.TrimSpace(operationData)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidOperationData)
	}
	var envelope entityIDEnvelope
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOperationData, err)
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return "", fmt.Errorf("%w: missing entity id", ErrInvalidOperationData)
	}
	return envelope.ID, nil
}
