package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sensalabs/mindsync/backend/internal/auth"
	"github.com/sensalabs/mindsync/backend/internal/mindmap"
	"github.com/sensalabs/mindsync/backend/internal/presence"
	"github.com/sensalabs/mindsync/backend/internal/session"
	"github.com/sensalabs/mindsync/backend/internal/signaling"
	"github.com/sensalabs/mindsync/backend/internal/users"
)

const identityContextKey = "mindsync_identity"

var (
	errMissingVerifier        = errors.New("identity verifier dependency required")
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingUsersService    = errors.New("users service dependency required")
	errMissingSessionService  = errors.New("session service dependency required")
	errMissingMindmapService  = errors.New("mindmap service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
	errMissingSessionIdentity = errors.New("request identity missing")
)

// IdentityVerifier validates an external identity provider's ID token.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (auth.IdentityClaims, error)
}

// BackendTokenManager issues and validates backend-scoped JWTs.
type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, claims auth.IdentityClaims) (string, int64, error)
	ValidateToken(token string) (auth.IdentityClaims, error)
}

type Dependencies struct {
	Verifier         IdentityVerifier
	TokenManager     BackendTokenManager
	UsersService     *users.Service
	SessionService   *session.Service
	MindmapService   *mindmap.Service
	Presence         *presence.Tracker
	Relay            *signaling.Relay
	Dispatcher       *RealtimeDispatcher
	SnapshotEveryOps int64
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.SessionService == nil {
		return nil, errMissingSessionService
	}
	if deps.MindmapService == nil {
		return nil, errMissingMindmapService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:         deps.Verifier,
		tokens:           deps.TokenManager,
		usersService:     deps.UsersService,
		sessions:         deps.SessionService,
		mindmaps:         deps.MindmapService,
		presence:         deps.Presence,
		relay:            deps.Relay,
		dispatcher:       deps.Dispatcher,
		snapshotEveryOps: deps.SnapshotEveryOps,
		logger:           logger,
	}

	router.POST("/auth/exchange", handler.handleAuthExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sessions", handler.handleCreateSession)
	protected.GET("/sessions/:id", handler.handleGetSession)
	protected.POST("/sessions/:id/join", handler.handleJoinSession)
	protected.POST("/sessions/:id/leave", handler.handleLeaveSession)
	protected.POST("/sessions/:id/close", handler.handleCloseSession)
	protected.POST("/sessions/:id/operations", handler.handleAppendOperation)
	protected.GET("/sessions/:id/operations", handler.handleReplayOperations)
	protected.POST("/sessions/:id/snapshots", handler.handleSaveSnapshot)
	protected.GET("/sessions/:id/snapshots/latest", handler.handleLatestSnapshot)
	protected.POST("/sessions/:id/snapshots/:version/restore", handler.handleRestoreSnapshot)
	protected.GET("/sessions/:id/ws", handler.handleWebSocket)

	return router, nil
}

type httpHandler struct {
	verifier         IdentityVerifier
	tokens           BackendTokenManager
	usersService     *users.Service
	sessions         *session.Service
	mindmaps         *mindmap.Service
	presence         *presence.Tracker
	relay            *signaling.Relay
	dispatcher       *RealtimeDispatcher
	snapshotEveryOps int64
	logger           *zap.Logger
}

type authExchangePayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleAuthExchange(c *gin.Context) {
	var request authExchangePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("identity token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if _, err := h.usersService.EnsureIdentity(claims); err != nil {
		h.logger.Error("failed to record identity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_store_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	response := authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	}
	c.JSON(http.StatusOK, response)
}

type createSessionPayload struct {
	Name            string          `json:"name"`
	MaxParticipants int             `json:"max_participants"`
	ExpiresAtS      int64           `json:"expires_at_s"`
	Settings        json.RawMessage `json:"settings"`
	Visibility      string          `json:"visibility"`
}

type sessionPayload struct {
	SessionID       string          `json:"session_id"`
	CreatorID       string          `json:"creator_id"`
	Name            string          `json:"name"`
	IsActive        bool            `json:"is_active"`
	MaxParticipants int             `json:"max_participants"`
	ExpiresAtS      int64           `json:"expires_at_s"`
	Settings        json.RawMessage `json:"settings"`
	Visibility      string          `json:"visibility"`
	CreatedAtS      int64           `json:"created_at_s"`
	UpdatedAtS      int64           `json:"updated_at_s"`
}

type participantPayload struct {
	SessionID string  `json:"session_id"`
	UserID    string  `json:"user_id"`
	Role      string  `json:"role"`
	IsOnline  bool    `json:"is_online"`
	LastSeenS int64   `json:"last_seen_s"`
	CursorX   float64 `json:"cursor_x"`
	CursorY   float64 `json:"cursor_y"`
	Color     string  `json:"color"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	claims, ok := h.requestIdentity(c)
	if !ok {
		return
	}

	var request createSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	creatorID, err := session.NewUserID(claims.Subject)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	visibility, err := session.ParseVisibility(request.Visibility)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visibility"})
		return
	}

	settingsJSON := ""
	if len(request.Settings) > 0 {
		settingsJSON = string(request.Settings)
	}

	created, err := h.sessions.Create(c.Request.Context(), session.CreateRequest{
		Name:            request.Name,
		CreatorID:       creatorID,
		MaxParticipants: request.MaxParticipants,
		ExpiresAtS:      request.ExpiresAtS,
		SettingsJSON:    settingsJSON,
		Visibility:      visibility,
	})
	if err != nil {
		h.respondSessionError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toSessionPayload(created))
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	sessionID, ok := h.pathSessionID(c)
	if !ok {
		return
	}

	record, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	roster, err := h.sessions.Roster(c.Request.Context(), sessionID)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}

	participants := make([]participantPayload, 0, len(roster))
	for _, participant := range roster {
		participants = append(participants, toParticipantPayload(participant))
	}
	c.JSON(http.StatusOK, gin.H{
		"session":      toSessionPayload(record),
		"participants": participants,
	})
}

func (h *httpHandler) handleJoinSession(c *gin.Context) {
	claims, ok := h.requestIdentity(c)
	if !ok {
		return
	}
	sessionID, ok := h.pathSessionID(c)
	if !ok {
		return
	}
	userID, err := session.NewUserID(claims.Subject)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	joined, err := h.sessions.Join(c.Request.Context(), sessionID, userID)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, toParticipantPayload(joined))
}

func (h *httpHandler) handleLeaveSession(c *gin.Context) {
	claims, ok := h.requestIdentity(c)
	if !ok {
		return
	}
	sessionID, ok := h.pathSessionID(c)
	if !ok {
		return
	}
	userID, err := session.NewUserID(claims.Subject)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	if err := h.sessions.Leave(c.Request.Context(), sessionID, userID); err != nil {
		h.respondSessionError(c, err)
		return
	}
	if h.presence != nil {
		h.presence.Leave(sessionID.String(), userID.String())
	}

	c.JSON(http.StatusOK, gin.H{"left": true})
}

func (h *httpHandler) handleCloseSession(c *gin.Context) {
	claims, ok := h.requestIdentity(c)
	if !ok {
		return
	}
	sessionID, ok := h.pathSessionID(c)
	if !ok {
		return
	}

	record, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	if record.CreatorID != claims.Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_facilitator"})
		return
	}

	if err := h.sessions.Close(c.Request.Context(), sessionID); err != nil {
		h.respondSessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"closed": true})
}

type appendOperationPayload struct {
	OperationType string          `json:"operation_type"`
	OperationData json.RawMessage `json:"operation_data"`
	BaseSequence  int64           `json:"base_sequence"`
}

type operationPayload struct {
	OperationID        string          `json:"operation_id"`
	SessionID          string          `json:"session_id"`
	UserID             string          `json:"user_id"`
	OperationType      string          `json:"operation_type"`
	OperationData      json.RawMessage `json:"operation_data"`
	SequenceNumber     int64           `json:"sequence_number"`
	TimestampS         int64           `json:"timestamp_s"`
	Applied            bool            `json:"applied"`
	ConflictResolution *string         `json:"conflict_resolution,omitempty"`
}

func (h *httpHandler) handleAppendOperation(c *gin.Context) {
	claims, ok := h.requestIdentity(c)
	if !ok {
		return
	}
	sessionID, ok := h.pathSessionID(c)
	if !ok {
		return
	}

	var request appendOperationPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.OperationData) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.requireActiveSession(c, sessionID); err != nil {
		return
	}

	outcome, err := h.mindmaps.Append(c.Request.Context(), mindmap.AppendRequest{
		SessionID:    sessionID.String(),
		UserID:       claims.Subject,
		Type:         mindmap.OperationType(request.OperationType),
		Data:         string(request.OperationData),
		BaseSequence: request.BaseSequence,
	})
	if err != nil {
		h.respondMindmapError(c, err)
		return
	}

	h.dispatcher.Publish(RealtimeMessage{
		SessionID:  sessionID.String(),
		EventType:  RealtimeEventOperationAppended,
		FromUserID: claims.Subject,
		Payload:    mustMarshal(toOperationPayload(outcome.Operation)),
		Timestamp:  time.Now().UTC(),
	})

	h.maybeAutoSnapshot(c.Request.Context(), sessionID.String(), claims.Subject, outcome.Operation.SequenceNumber)

	c.JSON(http.StatusCreated, gin.H{
		"operation":  toOperationPayload(outcome.Operation),
		"superseded": outcome.Superseded,
	})
}

func (h *httpHandler) handleReplayOperations(c *gin.Context) {
	sessionID, ok := h.pathSessionID(c)
	if !ok {
		return
	}

	fromSequence := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		fromSequence = parsed
	}

	operations, err := h.mindmaps.ReplaySince(c.Request.Context(), sessionID.String(), fromSequence)
	if err != nil {
		h.respondMindmapError(c, err)
		return
	}

	payloads := make([]operationPayload, 0, len(operations))
	for _, operation := range operations {
		payloads = append(payloads, toOperationPayload(operation))
	}
	c.JSON(http.StatusOK, gin.H{"operations": payloads})
}

type saveSnapshotPayload struct {
	State        json.RawMessage `json:"state"`
	BaseSequence int64           `json:"base_sequence"`
	Description  string          `json:"description"`
}

type snapshotPayload struct {
	SnapshotID     string          `json:"snapshot_id"`
	SessionID      string          `json:"session_id"`
	CreatedBy      string          `json:"created_by"`
	Version        int64           `json:"version"`
	SequenceNumber int64           `json:"sequence_number"`
	State          json.RawMessage `json:"state"`
	Description    string          `json:"description"`
	IsAuto         bool            `json:"is_auto"`
	CreatedAtS     int64           `json:"created_at_s"`
}

func (h *httpHandler) handleSaveSnapshot(c *gin.Context) {
	claims, ok := h.requestIdentity(c)
	if !ok {
		return
	}
	sessionID, ok := h.pathSessionID(c)
	if !ok {
		return
	}

	var request saveSnapshotPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.State) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	state, err := mindmap.DecodeGraphState(string(request.State))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}

	saved, err := h.mindmaps.SaveSnapshot(c.Request.Context(), mindmap.SnapshotRequest{
		SessionID:    sessionID.String(),
		UserID:       claims.Subject,
		State:        state,
		BaseSequence: request.BaseSequence,
		Description:  request.Description,
	})
	if err != nil {
		h.respondMindmapError(c, err)
		return
	}

	h.dispatcher.Publish(RealtimeMessage{
		SessionID:  sessionID.String(),
		EventType:  RealtimeEventSnapshotSaved,
		FromUserID: claims.Subject,
		Payload:    mustMarshal(gin.H{"version": saved.Version}),
		Timestamp:  time.Now().UTC(),
	})

	c.JSON(http.StatusCreated, toSnapshotPayload(saved))
}

func (h *httpHandler) handleLatestSnapshot(c *gin.Context) {
	sessionID, ok := h.pathSessionID(c)
	if !ok {
		return
	}

	var version *int64
	if raw := c.Query("version"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
			return
		}
		version = &parsed
	}

	record, err := h.mindmaps.LatestBefore(c.Request.Context(), sessionID.String(), version)
	if err != nil {
		h.respondMindmapError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSnapshotPayload(record))
}

func (h *httpHandler) handleRestoreSnapshot(c *gin.Context) {
	claims, ok := h.requestIdentity(c)
	if !ok {
		return
	}
	sessionID, ok := h.pathSessionID(c)
	if !ok {
		return
	}
	version, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || version < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}

	restored, err := h.mindmaps.RestoreSnapshot(c.Request.Context(), sessionID.String(), claims.Subject, version)
	if err != nil {
		h.respondMindmapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toSnapshotPayload(restored))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		// Browsers cannot set headers on a websocket request.
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, claims)
	c.Next()
}

func (h *httpHandler) requestIdentity(c *gin.Context) (auth.IdentityClaims, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errMissingSessionIdentity.Error()})
		return auth.IdentityClaims{}, false
	}
	claims, ok := value.(auth.IdentityClaims)
	if !ok || claims.Subject == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errMissingSessionIdentity.Error()})
		return auth.IdentityClaims{}, false
	}
	return claims, true
}

func (h *httpHandler) pathSessionID(c *gin.Context) (session.SessionID, bool) {
	sessionID, err := session.NewSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return "", false
	}
	return sessionID, true
}

// requireActiveSession maps registry state onto the append path so edits to
// closed or expired sessions fail before touching the log.
func (h *httpHandler) requireActiveSession(c *gin.Context, sessionID session.SessionID) error {
	record, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		h.respondSessionError(c, err)
		return err
	}
	if !record.IsActive {
		c.JSON(http.StatusGone, gin.H{"error": "session_inactive"})
		return session.ErrSessionInactive
	}
	if record.ExpiresAtS > 0 && record.ExpiresAtS <= time.Now().UTC().Unix() {
		c.JSON(http.StatusGone, gin.H{"error": "session_expired"})
		return session.ErrSessionExpired
	}
	return nil
}

// maybeAutoSnapshot materializes and stores the graph every N operations.
// Failures only log: the operation itself is already durable.
func (h *httpHandler) maybeAutoSnapshot(ctx context.Context, sessionID, userID string, sequence int64) {
	if h.snapshotEveryOps <= 0 || sequence%h.snapshotEveryOps != 0 {
		return
	}

	base := mindmap.NewGraphState()
	fromSequence := int64(0)
	latest, err := h.mindmaps.LatestBefore(ctx, sessionID, nil)
	if err == nil {
		decoded, decodeErr := mindmap.DecodeGraphState(latest.StateJSON)
		if decodeErr == nil {
			base = decoded
			fromSequence = latest.SequenceNumber
		}
	} else if !errors.Is(err, mindmap.ErrSnapshotNotFound) {
		h.logger.Warn("auto snapshot skipped", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	operations, err := h.mindmaps.ReplaySince(ctx, sessionID, fromSequence)
	if err != nil {
		h.logger.Warn("auto snapshot replay failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	state, err := mindmap.Reconcile(base, operations)
	if err != nil {
		h.logger.Warn("auto snapshot reconcile failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	// claim only the log position the reconstructed state reflects; an append
	// racing this checkpoint lands after it and replays on recovery.
	coveredSequence := fromSequence
	if len(operations) > 0 {
		coveredSequence = operations[len(operations)-1].SequenceNumber
	}

	if _, err := h.mindmaps.SaveSnapshot(ctx, mindmap.SnapshotRequest{
		SessionID:    sessionID,
		UserID:       userID,
		State:        state,
		BaseSequence: coveredSequence,
		Description:  "auto checkpoint",
		IsAuto:       true,
	}); err != nil {
		h.logger.Warn("auto snapshot save failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (h *httpHandler) respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionFull):
		c.JSON(http.StatusConflict, gin.H{"error": "session_full"})
	case errors.Is(err, session.ErrSessionInactive):
		c.JSON(http.StatusGone, gin.H{"error": "session_inactive"})
	case errors.Is(err, session.ErrSessionExpired):
		c.JSON(http.StatusGone, gin.H{"error": "session_expired"})
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
	case errors.Is(err, session.ErrInvalidSessionID), errors.Is(err, session.ErrInvalidUserID), errors.Is(err, session.ErrInvalidVisibility):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("session registry request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_request_failed"})
	}
}

func (h *httpHandler) respondMindmapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mindmap.ErrInvalidOperationType),
		errors.Is(err, mindmap.ErrInvalidOperationData),
		errors.Is(err, mindmap.ErrInvalidSequence),
		errors.Is(err, mindmap.ErrBaseSequenceAhead),
		errors.Is(err, mindmap.ErrInvalidSnapshotState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, mindmap.ErrSnapshotNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot_not_found"})
	default:
		h.logger.Error("mindmap request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persistence_failed"})
	}
}

func toSessionPayload(record session.Session) sessionPayload {
	settings := json.RawMessage(nil)
	if record.SettingsJSON != "" {
		settings = json.RawMessage(record.SettingsJSON)
	}
	return sessionPayload{
		SessionID:       record.SessionID,
		CreatorID:       record.CreatorID,
		Name:            record.Name,
		IsActive:        record.IsActive,
		MaxParticipants: record.MaxParticipants,
		ExpiresAtS:      record.ExpiresAtS,
		Settings:        settings,
		Visibility:      record.Visibility,
		CreatedAtS:      record.CreatedAtS,
		UpdatedAtS:      record.UpdatedAtS,
	}
}

func toParticipantPayload(record session.Participant) participantPayload {
	return participantPayload{
		SessionID: record.SessionID,
		UserID:    record.UserID,
		Role:      string(record.Role),
		IsOnline:  record.IsOnline,
		LastSeenS: record.LastSeenS,
		CursorX:   record.CursorX,
		CursorY:   record.CursorY,
		Color:     record.Color,
	}
}

func toOperationPayload(record mindmap.Operation) operationPayload {
	data := json.RawMessage(nil)
	if record.OperationData != "" {
		data = json.RawMessage(record.OperationData)
	}
	return operationPayload{
		OperationID:        record.OperationID,
		SessionID:          record.SessionID,
		UserID:             record.UserID,
		OperationType:      string(record.OperationType),
		OperationData:      data,
		SequenceNumber:     record.SequenceNumber,
		TimestampS:         record.TimestampS,
		Applied:            record.Applied,
		ConflictResolution: record.ConflictResolution,
	}
}

func toSnapshotPayload(record mindmap.Snapshot) snapshotPayload {
	state := json.RawMessage(nil)
	if record.StateJSON != "" {
		state = json.RawMessage(record.StateJSON)
	}
	return snapshotPayload{
		SnapshotID:     record.SnapshotID,
		SessionID:      record.SessionID,
		CreatedBy:      record.UserID,
		Version:        record.Version,
		SequenceNumber: record.SequenceNumber,
		State:          state,
		Description:    record.Description,
		IsAuto:         record.IsAuto,
		CreatedAtS:     record.CreatedAtS,
	}
}

func mustMarshal(value interface{}) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return encoded
}
