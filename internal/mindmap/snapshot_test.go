package mindmap

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestSaveSnapshotAssignsMonotonicVersions(t *testing.T) {
	service, _ := newTestService(t)

	for expected := int64(1); expected <= 3; expected++ {
		snapshot, err := service.SaveSnapshot(context.Background(), SnapshotRequest{
			SessionID: "session-1",
			UserID:    "user-a",
			State:     NewGraphState(),
			IsAuto:    true,
		})
		if err != nil {
			t.Fatalf("unexpected snapshot error: %v", err)
		}
		if snapshot.Version != expected {
			t.Fatalf("expected version %d, got %d", expected, snapshot.Version)
		}
	}
}

func TestSnapshotVersionsIndependentOfSequences(t *testing.T) {
	service, _ := newTestService(t)

	for i := 1; i <= 3; i++ {
		mustAppend(t, service, AppendRequest{
			SessionID:    "session-1",
			UserID:       "user-a",
			Type:         OperationTypeAddNode,
			Data:         fmt.Sprintf(`{"id":"n%d"}`, i),
			BaseSequence: int64(i - 1),
		})
	}

	snapshot, err := service.SaveSnapshot(context.Background(), SnapshotRequest{
		SessionID:    "session-1",
		UserID:       "user-a",
		State:        NewGraphState(),
		BaseSequence: 3,
	})
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if snapshot.Version != 1 {
		t.Fatalf("expected first snapshot version 1, got %d", snapshot.Version)
	}
	if snapshot.SequenceNumber != 3 {
		t.Fatalf("expected covered sequence 3, got %d", snapshot.SequenceNumber)
	}
}

func TestLatestBeforeSelectsByVersion(t *testing.T) {
	service, _ := newTestService(t)

	for i := 0; i < 3; i++ {
		if _, err := service.SaveSnapshot(context.Background(), SnapshotRequest{
			SessionID: "session-1",
			UserID:    "user-a",
			State:     NewGraphState(),
		}); err != nil {
			t.Fatalf("unexpected snapshot error: %v", err)
		}
	}

	newest, err := service.LatestBefore(context.Background(), "session-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newest.Version != 3 {
		t.Fatalf("expected newest version 3, got %d", newest.Version)
	}

	target := int64(2)
	bounded, err := service.LatestBefore(context.Background(), "session-1", &target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bounded.Version != 2 {
		t.Fatalf("expected version 2, got %d", bounded.Version)
	}

	_, err = service.LatestBefore(context.Background(), "empty-session", nil)
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected snapshot-not-found, got %v", err)
	}
}

func TestSnapshotPlusReplayEqualsFullReplay(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	appends := []AppendRequest{
		{SessionID: "session-1", UserID: "user-a", Type: OperationTypeAddNode, Data: `{"id":"n1","label":"root"}`},
		{SessionID: "session-1", UserID: "user-a", Type: OperationTypeAddNode, Data: `{"id":"n2","label":"child"}`, BaseSequence: 1},
		{SessionID: "session-1", UserID: "user-b", Type: OperationTypeAddEdge, Data: `{"id":"e1","source":"n1","target":"n2"}`, BaseSequence: 2},
	}
	for _, req := range appends {
		mustAppend(t, service, req)
	}

	// capture a snapshot at sequence 3.
	operations, err := service.ReplaySince(ctx, "session-1", 0)
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	midState, err := Reconcile(nil, operations)
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}
	saved, err := service.SaveSnapshot(ctx, SnapshotRequest{
		SessionID:    "session-1",
		UserID:       "user-a",
		State:        midState,
		BaseSequence: 3,
		IsAuto:       true,
	})
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}

	// further edits after the snapshot, including a delete.
	mustAppend(t, service, AppendRequest{
		SessionID: "session-1", UserID: "user-b",
		Type: OperationTypeUpdateNode, Data: `{"id":"n2","label":"renamed"}`, BaseSequence: 3,
	})
	mustAppend(t, service, AppendRequest{
		SessionID: "session-1", UserID: "user-a",
		Type: OperationTypeDeleteNode, Data: `{"id":"n1"}`, BaseSequence: 4,
	})

	// path one: full replay from the beginning.
	all, err := service.ReplaySince(ctx, "session-1", 0)
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	fullState, err := Reconcile(nil, all)
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}

	// path two: snapshot plus suffix replay.
	loaded, err := service.LatestBefore(ctx, "session-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	baseState, err := DecodeGraphState(loaded.StateJSON)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	suffix, err := service.ReplaySince(ctx, "session-1", loaded.SequenceNumber)
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	fastState, err := Reconcile(baseState, suffix)
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}

	if loaded.SequenceNumber != saved.SequenceNumber {
		t.Fatalf("expected stored covered sequence %d, got %d", saved.SequenceNumber, loaded.SequenceNumber)
	}
	if !reflect.DeepEqual(fastState.Nodes, fullState.Nodes) {
		t.Fatalf("node state mismatch: %#v vs %#v", fastState.Nodes, fullState.Nodes)
	}
	if !reflect.DeepEqual(fastState.Edges, fullState.Edges) {
		t.Fatalf("edge state mismatch: %#v vs %#v", fastState.Edges, fullState.Edges)
	}
}

func TestSaveSnapshotKeepsCoverageAtClientBase(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	mustAppend(t, service, AppendRequest{
		SessionID: "session-1", UserID: "user-a",
		Type: OperationTypeAddNode, Data: `{"id":"n1","label":"x"}`,
	})
	mustAppend(t, service, AppendRequest{
		SessionID: "session-1", UserID: "user-b",
		Type: OperationTypeUpdateNode, Data: `{"id":"n1","label":"y"}`, BaseSequence: 1,
	})

	// a client that only saw sequence 1 saves its materialized state while
	// the log is already at sequence 2.
	staleState, err := Reconcile(nil, []Operation{
		op(1, OperationTypeAddNode, `{"id":"n1","label":"x"}`),
	})
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}
	saved, err := service.SaveSnapshot(ctx, SnapshotRequest{
		SessionID:    "session-1",
		UserID:       "user-a",
		State:        staleState,
		BaseSequence: 1,
	})
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if saved.SequenceNumber != 1 {
		t.Fatalf("expected coverage to stay at the client base 1, got %d", saved.SequenceNumber)
	}

	// recovery from the snapshot replays the operation the saver missed.
	baseState, err := DecodeGraphState(saved.StateJSON)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	suffix, err := service.ReplaySince(ctx, "session-1", saved.SequenceNumber)
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	recovered, err := Reconcile(baseState, suffix)
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}

	all, err := service.ReplaySince(ctx, "session-1", 0)
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	fullState, err := Reconcile(nil, all)
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}
	if !reflect.DeepEqual(recovered.Nodes, fullState.Nodes) {
		t.Fatalf("snapshot plus replay diverged from full replay: %#v vs %#v", recovered.Nodes, fullState.Nodes)
	}
	if recovered.Nodes["n1"]["label"] != "y" {
		t.Fatalf("expected the missed update to survive recovery, got %#v", recovered.Nodes["n1"])
	}
}

func TestSaveSnapshotRejectsBaseSequenceAheadOfLog(t *testing.T) {
	service, _ := newTestService(t)

	mustAppend(t, service, AppendRequest{
		SessionID: "session-1", UserID: "user-a",
		Type: OperationTypeAddNode, Data: `{"id":"n1"}`,
	})

	_, err := service.SaveSnapshot(context.Background(), SnapshotRequest{
		SessionID:    "session-1",
		UserID:       "user-a",
		State:        NewGraphState(),
		BaseSequence: 5,
	})
	if !errors.Is(err, ErrBaseSequenceAhead) {
		t.Fatalf("expected base-sequence-ahead rejection, got %v", err)
	}

	_, err = service.SaveSnapshot(context.Background(), SnapshotRequest{
		SessionID:    "session-1",
		UserID:       "user-a",
		State:        NewGraphState(),
		BaseSequence: -1,
	})
	if !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("expected invalid-sequence rejection, got %v", err)
	}
}

func TestRestoreSnapshotClonesPayload(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	state, err := Reconcile(nil, []Operation{
		op(1, OperationTypeAddNode, `{"id":"n1","label":"keep me"}`),
	})
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}
	original, err := service.SaveSnapshot(ctx, SnapshotRequest{
		SessionID: "session-1",
		UserID:    "user-a",
		State:     state,
	})
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}

	restored, err := service.RestoreSnapshot(ctx, "session-1", "user-b", original.Version)
	if err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}
	if restored.Version != original.Version+1 {
		t.Fatalf("expected new version %d, got %d", original.Version+1, restored.Version)
	}
	if restored.UserID != "user-b" {
		t.Fatalf("expected restoring author, got %q", restored.UserID)
	}
	if restored.SequenceNumber != original.SequenceNumber {
		t.Fatalf("expected restored coverage %d, got %d", original.SequenceNumber, restored.SequenceNumber)
	}

	decoded, err := DecodeGraphState(restored.StateJSON)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Nodes["n1"]["label"] != "keep me" {
		t.Fatalf("expected cloned payload, got %#v", decoded.Nodes)
	}

	// the source row is untouched.
	target := original.Version
	source, err := service.LatestBefore(ctx, "session-1", &target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.SnapshotID != original.SnapshotID {
		t.Fatalf("expected original snapshot to remain at its version")
	}
}

func TestRestoreSnapshotRejectsUnknownVersion(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.RestoreSnapshot(context.Background(), "session-1", "user-a", 9)
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected snapshot-not-found, got %v", err)
	}
}
