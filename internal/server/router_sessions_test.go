package server

import (
	"net/http"
	"testing"
)

func TestCreateSessionEnrollsFacilitator(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-a", "Alice")

	sessionID := env.createSession(t, token, 5)

	recorder := env.do(t, http.MethodGet, "/sessions/"+sessionID, token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected session lookup to succeed, got %d", recorder.Code)
	}

	var response struct {
		Session      sessionPayload       `json:"session"`
		Participants []participantPayload `json:"participants"`
	}
	decodeBody(t, recorder, &response)

	if !response.Session.IsActive {
		t.Fatal("expected new session to be active")
	}
	if len(response.Participants) != 1 {
		t.Fatalf("expected creator enrolled, got %d participants", len(response.Participants))
	}
	if response.Participants[0].Role != "facilitator" {
		t.Fatalf("expected facilitator role, got %q", response.Participants[0].Role)
	}
	if response.Participants[0].Color == "" {
		t.Fatal("expected assigned display color")
	}
}

func TestJoinEnforcesCapacity(t *testing.T) {
	env := newTestEnv(t)
	tokenA := env.token(t, "user-a", "Alice")
	tokenB := env.token(t, "user-b", "Bob")
	tokenC := env.token(t, "user-c", "Cara")

	sessionID := env.createSession(t, tokenA, 2)

	if recorder := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/join", tokenB, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected join below capacity to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/join", tokenC, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 at capacity, got %d: %s", recorder.Code, recorder.Body.String())
	}

	// Rejoin by an enrolled participant is never a capacity violation.
	if recorder := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/join", tokenB, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected rejoin to succeed, got %d", recorder.Code)
	}
}

func TestJoinUnknownSessionReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-a", "Alice")

	recorder := env.do(t, http.MethodPost, "/sessions/no-such-session/join", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", recorder.Code)
	}
}

func TestJoinClosedSessionReturnsGone(t *testing.T) {
	env := newTestEnv(t)
	tokenA := env.token(t, "user-a", "Alice")
	tokenB := env.token(t, "user-b", "Bob")

	sessionID := env.createSession(t, tokenA, 5)
	if recorder := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/close", tokenA, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected close to succeed, got %d", recorder.Code)
	}

	recorder := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/join", tokenB, nil)
	if recorder.Code != http.StatusGone {
		t.Fatalf("expected 410 for closed session, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestCloseRequiresFacilitator(t *testing.T) {
	env := newTestEnv(t)
	tokenA := env.token(t, "user-a", "Alice")
	tokenB := env.token(t, "user-b", "Bob")

	sessionID := env.createSession(t, tokenA, 5)
	if recorder := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/join", tokenB, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected join to succeed, got %d", recorder.Code)
	}

	recorder := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/close", tokenB, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-facilitator close, got %d", recorder.Code)
	}
}

func TestLeaveMarksParticipantOffline(t *testing.T) {
	env := newTestEnv(t)
	tokenA := env.token(t, "user-a", "Alice")

	sessionID := env.createSession(t, tokenA, 5)
	if recorder := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/join", tokenA, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected join to succeed, got %d", recorder.Code)
	}
	if recorder := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/leave", tokenA, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected leave to succeed, got %d", recorder.Code)
	}

	recorder := env.do(t, http.MethodGet, "/sessions/"+sessionID, tokenA, nil)
	var response struct {
		Participants []participantPayload `json:"participants"`
	}
	decodeBody(t, recorder, &response)
	if len(response.Participants) != 1 {
		t.Fatalf("expected participant row retained after leave, got %d", len(response.Participants))
	}
	if response.Participants[0].IsOnline {
		t.Fatal("expected participant offline after leave")
	}
}
