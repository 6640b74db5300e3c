package signaling

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// MessageType enumerates the negotiation frames the relay carries. Payloads
// are opaque: the relay routes them without interpreting SDP or candidates.
type MessageType string

const (
	// MessageUserJoined announces a new participant to existing peers.
	MessageUserJoined MessageType = "user-joined"
	// MessageOffer carries a connection offer to one peer.
	MessageOffer MessageType = "offer"
	// MessageAnswer carries the response to an offer.
	MessageAnswer MessageType = "answer"
	// MessageICECandidate carries a transport candidate to one peer.
	MessageICECandidate MessageType = "ice-candidate"
	// MessageUserLeft announces a departed participant.
	MessageUserLeft MessageType = "user-left"
)

// ConnectionState tracks a peer pair through negotiation.
type ConnectionState string

const (
	// StateIdle means no negotiation has started for the pair.
	StateIdle ConnectionState = "idle"
	// StateOfferExchanged means an offer has been routed and an answer is awaited.
	StateOfferExchanged ConnectionState = "offer-exchanged"
	// StateAnswerExchanged means both halves of the handshake have been routed.
	StateAnswerExchanged ConnectionState = "answer-exchanged"
	// StateConnected means a participant reported the channel established.
	StateConnected ConnectionState = "connected"
	// StateDisconnected means a participant left and the pair was torn down.
	StateDisconnected ConnectionState = "disconnected"
	// StateFailed means delivery failed during negotiation. Failed pairs are
	// terminal: the relay never reconnects on its own.
	StateFailed ConnectionState = "failed"
)

// Message is one signaling frame. From and To identify participants within
// the session; To is empty for broadcast frames.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Sender delivers a frame to one connected participant.
type Sender func(Message) error

// Relay carries connection-negotiation payloads between exactly two
// identified participants, or broadcasts join and leave announcements. It
// never relays media.
type Relay struct {
	mu       sync.Mutex
	sessions map[string]*sessionPeers
	logger   *zap.Logger
}

type sessionPeers struct {
	senders map[string]Sender
	pairs   map[pairKey]ConnectionState
}

type pairKey struct {
	low  string
	high string
}

func newPairKey(a, b string) pairKey {
	if a < b {
		return pairKey{low: a, high: b}
	}
	return pairKey{low: b, high: a}
}

// NewRelay constructs a relay. A nil logger disables logging.
func NewRelay(logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		sessions: make(map[string]*sessionPeers),
		logger:   logger,
	}
}

// Register attaches a participant's outbound channel and announces the join
// to every existing peer. Peers respond to the announcement with offers,
// which is how connections are created reactively. The returned handle
// detaches the participant and tears down its pairs.
func (r *Relay) Register(sessionID, userID string, send Sender) func() {
	r.mu.Lock()
	room, ok := r.sessions[sessionID]
	if !ok {
		room = &sessionPeers{
			senders: make(map[string]Sender),
			pairs:   make(map[pairKey]ConnectionState),
		}
		r.sessions[sessionID] = room
	}
	room.senders[userID] = send

	announcement := Message{Type: MessageUserJoined, SessionID: sessionID, From: userID}
	targets := make(map[string]Sender, len(room.senders))
	for peerID, peerSend := range room.senders {
		if peerID == userID {
			continue
		}
		targets[peerID] = peerSend
	}
	r.mu.Unlock()

	for peerID, peerSend := range targets {
		if err := peerSend(announcement); err != nil {
			r.logger.Warn("signaling announcement dropped",
				zap.String("session_id", sessionID),
				zap.String("peer_id", peerID),
				zap.Error(err))
		}
	}

	return func() {
		r.unregister(sessionID, userID)
	}
}

// Route forwards a directed negotiation frame and advances the pair's state
// machine. Frames referencing an unknown peer or an out-of-order handshake
// step are dropped silently; stale late candidates are expected and harmless.
func (r *Relay) Route(msg Message) {
	switch msg.Type {
	case MessageOffer, MessageAnswer, MessageICECandidate:
	default:
		return
	}
	if msg.To == "" || msg.From == msg.To {
		return
	}

	r.mu.Lock()
	room, ok := r.sessions[msg.SessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	target, ok := room.senders[msg.To]
	if !ok {
		r.mu.Unlock()
		return
	}

	key := newPairKey(msg.From, msg.To)
	state := room.pairs[key]
	if state == "" {
		state = StateIdle
	}
	next, routable := advance(state, msg.Type)
	if !routable {
		r.mu.Unlock()
		return
	}
	room.pairs[key] = next
	r.mu.Unlock()

	if err := target(msg); err != nil {
		r.fail(msg.SessionID, key, err)
	}
}

// Connected records that a participant observed the channel established.
func (r *Relay) Connected(sessionID, a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	key := newPairKey(a, b)
	if room.pairs[key] != StateAnswerExchanged {
		return
	}
	room.pairs[key] = StateConnected
}

// PairState reports where a peer pair is in negotiation.
func (r *Relay) PairState(sessionID, a, b string) ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.sessions[sessionID]
	if !ok {
		return StateIdle
	}
	state, ok := room.pairs[newPairKey(a, b)]
	if !ok {
		return StateIdle
	}
	return state
}

// advance returns the state after routing the given frame, and whether the
// frame should be routed at all. Terminal states never route.
func advance(state ConnectionState, msgType MessageType) (ConnectionState, bool) {
	switch state {
	case StateFailed, StateDisconnected:
		return state, false
	}
	switch msgType {
	case MessageOffer:
		if state == StateIdle {
			return StateOfferExchanged, true
		}
	case MessageAnswer:
		if state == StateOfferExchanged {
			return StateAnswerExchanged, true
		}
	case MessageICECandidate:
		if state != StateIdle {
			return state, true
		}
	}
	return state, false
}

func (r *Relay) fail(sessionID string, key pairKey, cause error) {
	r.mu.Lock()
	if room, ok := r.sessions[sessionID]; ok {
		room.pairs[key] = StateFailed
	}
	r.mu.Unlock()
	r.logger.Warn("signaling delivery failed",
		zap.String("session_id", sessionID),
		zap.String("peer_a", key.low),
		zap.String("peer_b", key.high),
		zap.Error(cause))
}

func (r *Relay) unregister(sessionID, userID string) {
	r.mu.Lock()
	room, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, registered := room.senders[userID]; !registered {
		r.mu.Unlock()
		return
	}
	delete(room.senders, userID)
	for key := range room.pairs {
		if key.low == userID || key.high == userID {
			delete(room.pairs, key)
		}
	}
	if len(room.senders) == 0 {
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return
	}
	departure := Message{Type: MessageUserLeft, SessionID: sessionID, From: userID}
	targets := make([]Sender, 0, len(room.senders))
	for _, peerSend := range room.senders {
		targets = append(targets, peerSend)
	}
	r.mu.Unlock()

	for _, peerSend := range targets {
		if err := peerSend(departure); err != nil {
			r.logger.Warn("signaling departure dropped",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
}
