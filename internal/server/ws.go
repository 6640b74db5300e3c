package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sensalabs/mindsync/backend/internal/presence"
	"github.com/sensalabs/mindsync/backend/internal/session"
	"github.com/sensalabs/mindsync/backend/internal/signaling"
	"github.com/sensalabs/mindsync/backend/internal/users"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 64 * 1024
	wsSendBuffer     = 32
)

// Client frame kinds. Signaling kinds reuse the relay's message types.
const (
	wsFrameCursor        = "cursor"
	wsFrameTyping        = "typing"
	wsFrameActivity      = "activity"
	wsFrameAway          = "away"
	wsFrameTool          = "tool"
	wsFrameViewport      = "viewport"
	wsFrameSyncRequest   = "sync-request"
	wsFramePeerConnected = "peer-connected"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsFrame is the envelope for every message on the realtime socket, in both
// directions. Data is interpreted per Type; To addresses signaling frames.
type wsFrame struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsCursorPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type wsTypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type wsToolPayload struct {
	Tool string `json:"tool"`
}

type wsViewportPayload struct {
	PanX float64 `json:"pan_x"`
	PanY float64 `json:"pan_y"`
	Zoom float64 `json:"zoom"`
}

type wsPeerPayload struct {
	Peer string `json:"peer"`
}

// wsConnection owns one participant's socket. All writes funnel through the
// buffered send channel; a full buffer drops the frame rather than blocking,
// matching the dispatcher's delivery contract.
type wsConnection struct {
	conn      *websocket.Conn
	send      chan wsFrame
	closeOnce chan struct{}
	logger    *zap.Logger
}

func newWSConnection(conn *websocket.Conn, logger *zap.Logger) *wsConnection {
	return &wsConnection{
		conn:      conn,
		send:      make(chan wsFrame, wsSendBuffer),
		closeOnce: make(chan struct{}),
		logger:    logger,
	}
}

func (w *wsConnection) enqueue(frame wsFrame) bool {
	select {
	case <-w.closeOnce:
		return false
	default:
	}
	select {
	case w.send <- frame:
		return true
	default:
		return false
	}
}

func (w *wsConnection) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.closeOnce:
			return
		}
	}
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	claims, ok := h.requestIdentity(c)
	if !ok {
		return
	}
	sessionID, ok := h.pathSessionID(c)
	if !ok {
		return
	}
	if h.presence == nil || h.relay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}

	userID, err := session.NewUserID(claims.Subject)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	participant, err := h.sessions.Join(c.Request.Context(), sessionID, userID)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	displayName := claims.DisplayName
	if displayName == "" {
		displayName = claims.Subject
	}
	color := participant.Color
	if color == "" {
		color = users.PaletteColor(claims.Subject)
	}

	client := newWSConnection(conn, h.logger)
	go client.writePump()

	sessionKey := sessionID.String()
	userKey := userID.String()

	roster := h.presence.Join(sessionKey, presence.State{
		UserID:    userKey,
		UserName:  displayName,
		UserColor: color,
	})
	client.enqueue(wsFrame{Type: RealtimeEventPresence, Data: mustMarshal(roster)})

	unsubscribePresence := h.presence.Subscribe(sessionKey, func(states []presence.State) {
		client.enqueue(wsFrame{Type: RealtimeEventPresence, Data: mustMarshal(states)})
	})

	unregisterRelay := h.relay.Register(sessionKey, userKey, func(msg signaling.Message) error {
		if !client.enqueue(wsFrame{
			Type: string(msg.Type),
			From: msg.From,
			To:   msg.To,
			Data: msg.Payload,
		}) {
			return websocket.ErrCloseSent
		}
		return nil
	})

	events, unsubscribeEvents := h.dispatcher.Subscribe(c.Request.Context(), sessionKey, userKey)
	go func() {
		for {
			select {
			case <-client.closeOnce:
				return
			case message := <-events:
				if message.EventType == "" || message.FromUserID == userKey {
					continue
				}
				client.enqueue(wsFrame{
					Type: message.EventType,
					From: message.FromUserID,
					Data: message.Payload,
				})
			}
		}
	}()

	defer func() {
		close(client.closeOnce)
		unsubscribePresence()
		unregisterRelay()
		unsubscribeEvents()
		h.presence.Leave(sessionKey, userKey)
		if err := h.sessions.Leave(c.Request.Context(), sessionID, userID); err != nil {
			h.logger.Warn("participant offline update failed",
				zap.String("session_id", sessionKey),
				zap.String("user_id", userKey),
				zap.Error(err))
		}
		conn.Close()
	}()

	h.readLoop(client, sessionKey, userKey)
}

func (h *httpHandler) readLoop(client *wsConnection, sessionKey, userKey string) {
	conn := client.conn
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly",
					zap.String("session_id", sessionKey),
					zap.String("user_id", userKey),
					zap.Error(err))
			}
			return
		}
		h.dispatchFrame(client, sessionKey, userKey, frame)
	}
}

func (h *httpHandler) dispatchFrame(client *wsConnection, sessionKey, userKey string, frame wsFrame) {
	switch strings.TrimSpace(frame.Type) {
	case wsFrameCursor:
		var payload wsCursorPayload
		if json.Unmarshal(frame.Data, &payload) == nil {
			h.presence.UpdateCursor(sessionKey, userKey, payload.X, payload.Y)
			h.presence.RecordActivity(sessionKey, userKey)
		}
	case wsFrameTyping:
		var payload wsTypingPayload
		if json.Unmarshal(frame.Data, &payload) == nil {
			h.presence.UpdateTyping(sessionKey, userKey, payload.IsTyping)
		}
	case wsFrameActivity:
		h.presence.RecordActivity(sessionKey, userKey)
	case wsFrameAway:
		h.presence.SetAway(sessionKey, userKey)
	case wsFrameTool:
		var payload wsToolPayload
		if json.Unmarshal(frame.Data, &payload) == nil {
			h.presence.UpdateTool(sessionKey, userKey, payload.Tool)
		}
	case wsFrameViewport:
		var payload wsViewportPayload
		if json.Unmarshal(frame.Data, &payload) == nil {
			h.presence.UpdateViewport(sessionKey, userKey, presence.Viewport{
				PanX: payload.PanX,
				PanY: payload.PanY,
				Zoom: payload.Zoom,
			})
		}
	case wsFrameSyncRequest:
		client.enqueue(wsFrame{
			Type: RealtimeEventPresence,
			Data: mustMarshal(h.presence.Snapshot(sessionKey)),
		})
	case wsFramePeerConnected:
		var payload wsPeerPayload
		if json.Unmarshal(frame.Data, &payload) == nil && payload.Peer != "" {
			h.relay.Connected(sessionKey, userKey, payload.Peer)
		}
	case string(signaling.MessageOffer), string(signaling.MessageAnswer), string(signaling.MessageICECandidate):
		h.relay.Route(signaling.Message{
			Type:      signaling.MessageType(frame.Type),
			SessionID: sessionKey,
			From:      userKey,
			To:        frame.To,
			Payload:   frame.Data,
		})
	default:
		// Unknown frames are dropped; clients newer than the server are
		// tolerated the same way stale candidates are.
	}
}
