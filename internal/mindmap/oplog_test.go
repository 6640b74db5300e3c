package mindmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type countingIDGenerator struct {
	next int
}

func (g *countingIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:mindmap_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Operation{}, &Snapshot{}, &sequenceCounter{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &countingIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct mindmap service: %v", err)
	}
	return service, db
}

func mustAppend(t *testing.T, service *Service, req AppendRequest) AppendOutcome {
	t.Helper()
	outcome, err := service.Append(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	return outcome
}

func TestAppendAssignsGapFreeSequences(t *testing.T) {
	service, _ := newTestService(t)

	seen := make(map[int64]bool)
	for i := 1; i <= 5; i++ {
		outcome := mustAppend(t, service, AppendRequest{
			SessionID:    "session-1",
			UserID:       "user-a",
			Type:         OperationTypeAddNode,
			Data:         fmt.Sprintf(`{"id":"n%d","label":"node %d"}`, i, i),
			BaseSequence: int64(i - 1),
		})
		if outcome.Operation.SequenceNumber != int64(i) {
			t.Fatalf("expected sequence %d, got %d", i, outcome.Operation.SequenceNumber)
		}
		if seen[outcome.Operation.SequenceNumber] {
			t.Fatalf("duplicate sequence %d", outcome.Operation.SequenceNumber)
		}
		seen[outcome.Operation.SequenceNumber] = true
	}

	current, err := service.CurrentSequence(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("unexpected current sequence error: %v", err)
	}
	if current != 5 {
		t.Fatalf("expected current sequence 5, got %d", current)
	}
}

func TestConcurrentAppendsYieldDistinctGapFreeSequences(t *testing.T) {
	dsn := fmt.Sprintf("file:mindmap_concurrent_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Operation{}, &Snapshot{}, &sequenceCounter{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct mindmap service: %v", err)
	}

	const (
		clients          = 4
		appendsPerClient = 5
		total            = clients * appendsPerClient
	)

	sequences := make(chan int64, total)
	failures := make(chan error, total)
	var wg sync.WaitGroup
	for client := 0; client < clients; client++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()
			for i := 0; i < appendsPerClient; i++ {
				outcome, err := service.Append(context.Background(), AppendRequest{
					SessionID: "session-1",
					UserID:    fmt.Sprintf("user-%d", client),
					Type:      OperationTypeAddNode,
					Data:      fmt.Sprintf(`{"id":"n%d-%d"}`, client, i),
				})
				if err != nil {
					failures <- err
					return
				}
				sequences <- outcome.Operation.SequenceNumber
			}
		}(client)
	}
	wg.Wait()
	close(sequences)
	close(failures)

	for err := range failures {
		t.Fatalf("unexpected append error: %v", err)
	}

	seen := make(map[int64]bool, total)
	for sequence := range sequences {
		if seen[sequence] {
			t.Fatalf("duplicate sequence %d", sequence)
		}
		seen[sequence] = true
	}
	if len(seen) != total {
		t.Fatalf("expected %d distinct sequences, got %d", total, len(seen))
	}
	for expected := int64(1); expected <= total; expected++ {
		if !seen[expected] {
			t.Fatalf("gap at sequence %d", expected)
		}
	}

	current, err := service.CurrentSequence(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("unexpected current sequence error: %v", err)
	}
	if current != total {
		t.Fatalf("expected current sequence %d, got %d", total, current)
	}
}

func TestAppendIsolatesSessionCounters(t *testing.T) {
	service, _ := newTestService(t)

	first := mustAppend(t, service, AppendRequest{
		SessionID: "session-1",
		UserID:    "user-a",
		Type:      OperationTypeAddNode,
		Data:      `{"id":"n1"}`,
	})
	other := mustAppend(t, service, AppendRequest{
		SessionID: "session-2",
		UserID:    "user-a",
		Type:      OperationTypeAddNode,
		Data:      `{"id":"n1"}`,
	})
	if first.Operation.SequenceNumber != 1 || other.Operation.SequenceNumber != 1 {
		t.Fatalf("expected independent per-session counters, got %d and %d",
			first.Operation.SequenceNumber, other.Operation.SequenceNumber)
	}
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	service, _ := newTestService(t)

	cases := []struct {
		name string
		req  AppendRequest
	}{
		{name: "missing-session", req: AppendRequest{UserID: "u", Type: OperationTypeAddNode, Data: `{"id":"n1"}`}},
		{name: "missing-user", req: AppendRequest{SessionID: "s", Type: OperationTypeAddNode, Data: `{"id":"n1"}`}},
		{name: "unknown-type", req: AppendRequest{SessionID: "s", UserID: "u", Type: "rename-node", Data: `{"id":"n1"}`}},
		{name: "empty-payload", req: AppendRequest{SessionID: "s", UserID: "u", Type: OperationTypeAddNode, Data: ""}},
		{name: "missing-entity-id", req: AppendRequest{SessionID: "s", UserID: "u", Type: OperationTypeAddNode, Data: `{"label":"x"}`}},
		{name: "negative-base", req: AppendRequest{SessionID: "s", UserID: "u", Type: OperationTypeAddNode, Data: `{"id":"n1"}`, BaseSequence: -1}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.Append(context.Background(), tt.req); err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
		})
	}
}

func TestAppendRejectsBaseSequenceAhead(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.Append(context.Background(), AppendRequest{
		SessionID:    "session-1",
		UserID:       "user-a",
		Type:         OperationTypeAddNode,
		Data:         `{"id":"n1"}`,
		BaseSequence: 7,
	})
	if err == nil {
		t.Fatalf("expected error for base sequence ahead of the log")
	}
}

func TestAppendAnnotatesConcurrentUpdates(t *testing.T) {
	service, db := newTestService(t)

	mustAppend(t, service, AppendRequest{
		SessionID: "session-1",
		UserID:    "user-a",
		Type:      OperationTypeAddNode,
		Data:      `{"id":"n1","label":"x"}`,
	})

	// both clients saw the add (base 1) and edit the label concurrently.
	first := mustAppend(t, service, AppendRequest{
		SessionID:    "session-1",
		UserID:       "user-a",
		Type:         OperationTypeUpdateNode,
		Data:         `{"id":"n1","label":"from-a"}`,
		BaseSequence: 1,
	})
	second := mustAppend(t, service, AppendRequest{
		SessionID:    "session-1",
		UserID:       "user-b",
		Type:         OperationTypeUpdateNode,
		Data:         `{"id":"n1","label":"from-b"}`,
		BaseSequence: 1,
	})

	if len(second.Superseded) != 1 || second.Superseded[0] != first.Operation.SequenceNumber {
		t.Fatalf("expected the earlier update to be superseded, got %#v", second.Superseded)
	}

	// both operations remain in the log; the earlier one carries the annotation.
	var stored []Operation
	if err := db.Where("session_id = ?", "session-1").Order("sequence_number ASC").Find(&stored).Error; err != nil {
		t.Fatalf("failed to load operations: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 retained operations, got %d", len(stored))
	}
	loser := stored[1]
	if loser.ConflictResolution == nil {
		t.Fatalf("expected conflict annotation on the superseded operation")
	}
	var annotation ConflictAnnotation
	if err := json.Unmarshal([]byte(*loser.ConflictResolution), &annotation); err != nil {
		t.Fatalf("failed to decode annotation: %v", err)
	}
	if annotation.Policy != ConflictPolicyLastWriterWins {
		t.Fatalf("unexpected policy %q", annotation.Policy)
	}
	if annotation.SupersededBy != second.Operation.SequenceNumber {
		t.Fatalf("expected superseded_by %d, got %d", second.Operation.SequenceNumber, annotation.SupersededBy)
	}
	if stored[2].ConflictResolution != nil {
		t.Fatalf("winning operation must not carry an annotation")
	}
}

func TestAppendDoesNotAnnotateSequentialEdits(t *testing.T) {
	service, db := newTestService(t)

	mustAppend(t, service, AppendRequest{
		SessionID: "session-1",
		UserID:    "user-a",
		Type:      OperationTypeAddNode,
		Data:      `{"id":"n1","label":"x"}`,
	})
	// the second client saw the first update before editing: no conflict.
	mustAppend(t, service, AppendRequest{
		SessionID:    "session-1",
		UserID:       "user-a",
		Type:         OperationTypeUpdateNode,
		Data:         `{"id":"n1","label":"y"}`,
		BaseSequence: 1,
	})
	mustAppend(t, service, AppendRequest{
		SessionID:    "session-1",
		UserID:       "user-b",
		Type:         OperationTypeUpdateNode,
		Data:         `{"id":"n1","label":"z"}`,
		BaseSequence: 2,
	})

	var annotated int64
	if err := db.Model(&Operation{}).
		Where("session_id = ? AND conflict_resolution IS NOT NULL", "session-1").
		Count(&annotated).Error; err != nil {
		t.Fatalf("failed to count annotations: %v", err)
	}
	if annotated != 0 {
		t.Fatalf("expected no annotations for sequential edits, got %d", annotated)
	}
}

func TestAppendMarksOperationsOnDeletedEntities(t *testing.T) {
	service, _ := newTestService(t)

	mustAppend(t, service, AppendRequest{
		SessionID: "session-1",
		UserID:    "user-a",
		Type:      OperationTypeAddNode,
		Data:      `{"id":"n1","label":"x"}`,
	})
	mustAppend(t, service, AppendRequest{
		SessionID:    "session-1",
		UserID:       "user-a",
		Type:         OperationTypeDeleteNode,
		Data:         `{"id":"n1"}`,
		BaseSequence: 1,
	})

	// user-b edits without having seen the delete.
	late := mustAppend(t, service, AppendRequest{
		SessionID:    "session-1",
		UserID:       "user-b",
		Type:         OperationTypeUpdateNode,
		Data:         `{"id":"n1","label":"stale"}`,
		BaseSequence: 1,
	})
	if late.Operation.Applied {
		t.Fatalf("operation on a deleted entity must not be applied")
	}
	if late.Operation.ConflictResolution == nil {
		t.Fatalf("expected delete-terminal annotation")
	}
	var annotation ConflictAnnotation
	if err := json.Unmarshal([]byte(*late.Operation.ConflictResolution), &annotation); err != nil {
		t.Fatalf("failed to decode annotation: %v", err)
	}
	if annotation.Policy != ConflictPolicyDeleteTerminal {
		t.Fatalf("unexpected policy %q", annotation.Policy)
	}
	if annotation.SupersededBy != 2 {
		t.Fatalf("expected delete sequence 2, got %d", annotation.SupersededBy)
	}
}

func TestReplaySinceReturnsAscendingSuffix(t *testing.T) {
	service, _ := newTestService(t)

	for i := 1; i <= 4; i++ {
		mustAppend(t, service, AppendRequest{
			SessionID:    "session-1",
			UserID:       "user-a",
			Type:         OperationTypeAddNode,
			Data:         fmt.Sprintf(`{"id":"n%d"}`, i),
			BaseSequence: int64(i - 1),
		})
	}

	operations, err := service.ReplaySince(context.Background(), "session-1", 2)
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	if len(operations) != 2 {
		t.Fatalf("expected 2 operations after sequence 2, got %d", len(operations))
	}
	if operations[0].SequenceNumber != 3 || operations[1].SequenceNumber != 4 {
		t.Fatalf("expected ascending sequences 3,4, got %d,%d",
			operations[0].SequenceNumber, operations[1].SequenceNumber)
	}
}

func TestReplaySinceEmptySession(t *testing.T) {
	service, _ := newTestService(t)

	operations, err := service.ReplaySince(context.Background(), "nothing-here", 0)
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	if len(operations) != 0 {
		t.Fatalf("expected empty replay, got %d operations", len(operations))
	}
}

func TestServiceErrorExposesCode(t *testing.T) {
	err := newServiceError(opAppend, "operation_insert_failed", errors.New("disk full"))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != "mindmap.append.operation_insert_failed" {
		t.Fatalf("unexpected code %q", serviceErr.Code())
	}
}
