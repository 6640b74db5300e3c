package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sensalabs/mindsync/backend/internal/auth"
	"github.com/sensalabs/mindsync/backend/internal/mindmap"
	"github.com/sensalabs/mindsync/backend/internal/presence"
	"github.com/sensalabs/mindsync/backend/internal/session"
	"github.com/sensalabs/mindsync/backend/internal/signaling"
	"github.com/sensalabs/mindsync/backend/internal/users"
)

var testDatabaseCounter atomic.Int64

type stubVerifier struct {
	identities map[string]auth.IdentityClaims
}

func (s stubVerifier) Verify(_ context.Context, token string) (auth.IdentityClaims, error) {
	claims, ok := s.identities[token]
	if !ok {
		return auth.IdentityClaims{}, errors.New("unknown id token")
	}
	return claims, nil
}

type testEnv struct {
	handler    http.Handler
	issuer     *auth.TokenIssuer
	sessions   *session.Service
	mindmaps   *mindmap.Service
	presence   *presence.Tracker
	dispatcher *RealtimeDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithSnapshotCadence(t, 0)
}

func newTestEnvWithSnapshotCadence(t *testing.T, snapshotEveryOps int64) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", testDatabaseCounter.Add(1))
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

	models := []interface{}{&users.Identity{}, &session.Session{}, &session.Participant{}}
	models = append(models, mindmap.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	sessionService, err := session.NewService(session.ServiceConfig{
		Database:   db,
		IDProvider: session.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build session service: %v", err)
	}
	mindmapService, err := mindmap.NewService(mindmap.ServiceConfig{
		Database:   db,
		IDProvider: mindmap.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build mindmap service: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("server-test-secret"),
		Issuer:        "mindsync-test",
		Audience:      "mindsync-clients",
		TokenTTL:      time.Hour,
	})
	tracker := presence.NewTracker(presence.TrackerConfig{
		CursorThrottle:      20 * time.Millisecond,
		TypingIdleTimeout:   time.Second,
		ActivityIdleTimeout: time.Minute,
		SyncInterval:        time.Hour,
	})
	dispatcher := NewRealtimeDispatcher()

	handler, err := NewHTTPHandler(Dependencies{
		Verifier: stubVerifier{identities: map[string]auth.IdentityClaims{
			"provider-token-a": {Subject: "user-a", DisplayName: "Alice", Email: "alice@example.com"},
			"provider-token-b": {Subject: "user-b", DisplayName: "Bob", Email: "bob@example.com"},
			"provider-token-c": {Subject: "user-c", DisplayName: "Cara", Email: "cara@example.com"},
		}},
		TokenManager:     issuer,
		UsersService:     usersService,
		SessionService:   sessionService,
		MindmapService:   mindmapService,
		Presence:         tracker,
		Relay:            signaling.NewRelay(zap.NewNop()),
		Dispatcher:       dispatcher,
		SnapshotEveryOps: snapshotEveryOps,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build http handler: %v", err)
	}

	return &testEnv{
		handler:    handler,
		issuer:     issuer,
		sessions:   sessionService,
		mindmaps:   mindmapService,
		presence:   tracker,
		dispatcher: dispatcher,
	}
}

func (e *testEnv) token(t *testing.T, subject, name string) string {
	t.Helper()
	token, _, err := e.issuer.IssueBackendToken(context.Background(), auth.IdentityClaims{
		Subject:     subject,
		DisplayName: name,
	})
	if err != nil {
		t.Fatalf("failed to issue test token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func (e *testEnv) createSession(t *testing.T, token string, maxParticipants int) string {
	t.Helper()
	recorder := e.do(t, http.MethodPost, "/sessions", token, map[string]interface{}{
		"name":             "planning board",
		"max_participants": maxParticipants,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected session creation to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created sessionPayload
	decodeBody(t, recorder, &created)
	if created.SessionID == "" {
		t.Fatalf("expected a session id in %s", recorder.Body.String())
	}
	return created.SessionID
}
