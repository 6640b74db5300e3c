package mindmap

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// GraphState is the materialized node/edge set of a session. Entities are
// stored as JSON object fields keyed by entity id, mirroring the payloads
// clients submit. Delete tombstones are part of the state: a snapshot must
// remember them so replay from the snapshot matches replay from scratch.
type GraphState struct {
	Nodes map[string]map[string]interface{}
	Edges map[string]map[string]interface{}

	deletedNodes map[string]struct{}
	deletedEdges map[string]struct{}
}

type graphStateJSON struct {
	Nodes        map[string]map[string]interface{} `json:"nodes"`
	Edges        map[string]map[string]interface{} `json:"edges"`
	DeletedNodes []string                          `json:"deleted_nodes,omitempty"`
	DeletedEdges []string                          `json:"deleted_edges,omitempty"`
}

// MarshalJSON serializes the graph including delete tombstones.
func (g *GraphState) MarshalJSON() ([]byte, error) {
	return json.Marshal(graphStateJSON{
		Nodes:        g.Nodes,
		Edges:        g.Edges,
		DeletedNodes: sortedKeys(g.deletedNodes),
		DeletedEdges: sortedKeys(g.deletedEdges),
	})
}

// UnmarshalJSON restores the graph including delete tombstones.
func (g *GraphState) UnmarshalJSON(data []byte) error {
	var decoded graphStateJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	g.Nodes = decoded.Nodes
	g.Edges = decoded.Edges
	g.deletedNodes = make(map[string]struct{}, len(decoded.DeletedNodes))
	for _, id := range decoded.DeletedNodes {
		g.deletedNodes[id] = struct{}{}
	}
	g.deletedEdges = make(map[string]struct{}, len(decoded.DeletedEdges))
	for _, id := range decoded.DeletedEdges {
		g.deletedEdges[id] = struct{}{}
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// NewGraphState returns an empty graph.
func NewGraphState() *GraphState {
	return &GraphState{
		Nodes:        make(map[string]map[string]interface{}),
		Edges:        make(map[string]map[string]interface{}),
		deletedNodes: make(map[string]struct{}),
		deletedEdges: make(map[string]struct{}),
	}
}

// DecodeGraphState parses a snapshot payload into a GraphState.
func DecodeGraphState(stateJSON string) (*GraphState, error) {
	state := NewGraphState()
	trimmed := strings.TrimSpace(stateJSON)
	if trimmed == "" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(trimmed), state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperationData, err)
	}
	if state.Nodes == nil {
		state.Nodes = make(map[string]map[string]interface{})
	}
	if state.Edges == nil {
		state.Edges = make(map[string]map[string]interface{})
	}
	return state, nil
}

// Encode serializes the graph into a snapshot payload.
func (g *GraphState) Encode() (string, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Reconcile applies operations to the base state in ascending sequence order
// and returns the resulting graph. The result depends only on the operation
// set, never on delivery order: callers may pass operations in any order.
func Reconcile(base *GraphState, operations []Operation) (*GraphState, error) {
	state := base
	if state == nil {
		state = NewGraphState()
	}

	ordered := make([]Operation, len(operations))
	copy(ordered, operations)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].SequenceNumber < ordered[j].SequenceNumber
	})

	for _, operation := range ordered {
		if err := state.Apply(operation); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// Apply folds one operation into the graph. Operations on deleted or missing
// entities are silent no-ops: deletes are terminal and the log retains the
// losing records for audit only.
func (g *GraphState) Apply(operation Operation) error {
	payload, entityID, err := decodePayload(operation.OperationData)
	if err != nil {
		return newServiceError("mindmap.reconcile", "invalid_operation_data", err)
	}

	switch operation.OperationType {
	case OperationTypeAddNode:
		if g.nodeDeleted(entityID) {
			return nil
		}
		g.Nodes[entityID] = payload
	case OperationTypeUpdateNode:
		if g.nodeDeleted(entityID) {
			return nil
		}
		existing, ok := g.Nodes[entityID]
		if !ok {
			return nil
		}
		mergeFields(existing, payload)
	case OperationTypeDeleteNode:
		delete(g.Nodes, entityID)
		g.markNodeDeleted(entityID)
		g.dropIncidentEdges(entityID)
	case OperationTypeAddEdge:
		if g.edgeDeleted(entityID) {
			return nil
		}
		g.Edges[entityID] = payload
	case OperationTypeUpdateEdge:
		if g.edgeDeleted(entityID) {
			return nil
		}
		existing, ok := g.Edges[entityID]
		if !ok {
			return nil
		}
		mergeFields(existing, payload)
	case OperationTypeDeleteEdge:
		delete(g.Edges, entityID)
		g.markEdgeDeleted(entityID)
	default:
		return newServiceError("mindmap.reconcile", "invalid_operation_type",
			fmt.Errorf("%w: %s", ErrInvalidOperationType, operation.OperationType))
	}
	return nil
}

func (g *GraphState) nodeDeleted(entityID string) bool {
	_, deleted := g.deletedNodes[entityID]
	return deleted
}

func (g *GraphState) edgeDeleted(entityID string) bool {
	_, deleted := g.deletedEdges[entityID]
	return deleted
}

func (g *GraphState) markNodeDeleted(entityID string) {
	if g.deletedNodes == nil {
		g.deletedNodes = make(map[string]struct{})
	}
	g.deletedNodes[entityID] = struct{}{}
}

func (g *GraphState) markEdgeDeleted(entityID string) {
	if g.deletedEdges == nil {
		g.deletedEdges = make(map[string]struct{})
	}
	g.deletedEdges[entityID] = struct{}{}
}

// dropIncidentEdges removes edges whose source or target is the deleted node.
func (g *GraphState) dropIncidentEdges(nodeID string) {
	for edgeID, edge := range g.Edges {
		source, _ := edge["source"].(string)
		target, _ := edge["target"].(string)
		if source == nodeID || target == nodeID {
			delete(g.Edges, edgeID)
			g.markEdgeDeleted(edgeID)
		}
	}
}

// mergeFields overlays the provided payload fields onto the stored entity.
// Later-sequenced fields win; fields the payload omits are preserved.
func mergeFields(existing, payload map[string]interface{}) {
	for key, value := range payload {
		existing[key] = value
	}
}

func decodePayload(operationData string) (map[string]interface{}, string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(operationData), &payload); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidOperationData, err)
	}
	entityID, _ := payload["id"].(string)
	if strings.TrimSpace(entityID) == "" {
		return nil, "", fmt.Errorf("%w: missing entity id", ErrInvalidOperationData)
	}
	return payload, entityID, nil
}
