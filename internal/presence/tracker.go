package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCursorThrottle      = 100 * time.Millisecond
	defaultTypingIdleTimeout   = 3 * time.Second
	defaultActivityIdleTimeout = 30 * time.Second
	defaultSyncInterval        = 5 * time.Second
)

// Status enumerates the coarse activity states broadcast to peers.
type Status string

const (
	// StatusOnline marks a participant with recent input activity.
	StatusOnline Status = "online"
	// StatusAway marks a participant who reported leaving the tab.
	StatusAway Status = "away"
	// StatusIdle marks a participant with no input for the idle window.
	StatusIdle Status = "idle"
)

// Cursor is a participant's pointer position on the shared canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport captures a participant's pan/zoom state.
type Viewport struct {
	PanX float64 `json:"pan_x"`
	PanY float64 `json:"pan_y"`
	Zoom float64 `json:"zoom"`
}

// State is the ephemeral presence record broadcast for one participant.
// It is owned by the transport layer and never durably persisted.
type State struct {
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	UserColor      string    `json:"user_color"`
	SessionID      string    `json:"session_id"`
	CursorPosition *Cursor   `json:"cursor_position,omitempty"`
	IsActive       bool      `json:"is_active"`
	IsTyping       bool      `json:"is_typing"`
	LastSeen       int64     `json:"last_seen"`
	ActivityStatus Status    `json:"activity_status"`
	CurrentTool    string    `json:"current_tool,omitempty"`
	Viewport       *Viewport `json:"viewport,omitempty"`
}

// TrackerConfig tunes throttle and idle windows. Zero values pick defaults.
type TrackerConfig struct {
	CursorThrottle      time.Duration
	TypingIdleTimeout   time.Duration
	ActivityIdleTimeout time.Duration
	SyncInterval        time.Duration
	Clock               func() time.Time
	Logger              *zap.Logger
}

// Tracker keeps every client's view of "who is here and what are they doing"
// eventually consistent. All delivery is best-effort: a missed notification
// self-heals on the next periodic sync.
type Tracker struct {
	mu        sync.Mutex
	cfg       TrackerConfig
	sessions  map[string]*sessionPresence
	nextSubID int64
	logger    *zap.Logger
	clock     func() time.Time
}

type sessionPresence struct {
	members     map[string]*memberState
	subscribers map[int64]func([]State)
}

type memberState struct {
	state         State
	lastCursorAt  time.Time
	pendingCursor *Cursor
	flushPending  bool
	typingTimer   *time.Timer
	idleTimer     *time.Timer
}

// NewTracker constructs a presence tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.CursorThrottle <= 0 {
		cfg.CursorThrottle = defaultCursorThrottle
	}
	if cfg.TypingIdleTimeout <= 0 {
		cfg.TypingIdleTimeout = defaultTypingIdleTimeout
	}
	if cfg.ActivityIdleTimeout <= 0 {
		cfg.ActivityIdleTimeout = defaultActivityIdleTimeout
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:      cfg,
		sessions: make(map[string]*sessionPresence),
		logger:   logger,
		clock:    clock,
	}
}

// Join registers presence for the user and returns the full current set.
// Capacity and session-state checks belong to the session registry; the
// tracker only tracks.
func (t *Tracker) Join(sessionID string, state State) []State {
	t.mu.Lock()
	room := t.roomLocked(sessionID)

	state.SessionID = sessionID
	state.IsActive = true
	state.LastSeen = t.clock().UTC().Unix()
	if state.ActivityStatus == "" {
		state.ActivityStatus = StatusOnline
	}

	member, ok := room.members[state.UserID]
	if !ok {
		member = &memberState{}
		room.members[state.UserID] = member
	}
	member.state = state
	t.resetIdleTimerLocked(sessionID, member)

	snapshot := room.snapshot()
	listeners := room.listeners()
	t.mu.Unlock()

	notify(listeners, snapshot)
	return snapshot
}

// Leave untracks the user and notifies the remaining peers.
func (t *Tracker) Leave(sessionID, userID string) {
	t.mu.Lock()
	room, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	member, ok := room.members[userID]
	if ok {
		member.stopTimers()
		delete(room.members, userID)
	}
	if len(room.members) == 0 && len(room.subscribers) == 0 {
		delete(t.sessions, sessionID)
		t.mu.Unlock()
		return
	}
	snapshot := room.snapshot()
	listeners := room.listeners()
	t.mu.Unlock()

	if ok {
		notify(listeners, snapshot)
	}
}

// UpdateCursor records a pointer move. Broadcasts are throttled to one per
// throttle window per user; excess positions are coalesced to the most
// recent and flushed when the window reopens - stale intermediates are
// never delivered.
func (t *Tracker) UpdateCursor(sessionID, userID string, x, y float64) {
	t.mu.Lock()
	member, room := t.memberLocked(sessionID, userID)
	if member == nil {
		t.mu.Unlock()
		return
	}

	cursor := &Cursor{X: x, Y: y}
	now := t.clock()
	if now.Sub(member.lastCursorAt) >= t.cfg.CursorThrottle {
		member.lastCursorAt = now
		member.pendingCursor = nil
		member.state.CursorPosition = cursor
		member.state.LastSeen = now.UTC().Unix()
		snapshot := room.snapshot()
		listeners := room.listeners()
		t.mu.Unlock()
		notify(listeners, snapshot)
		return
	}

	member.pendingCursor = cursor
	if !member.flushPending {
		member.flushPending = true
		wait := t.cfg.CursorThrottle - now.Sub(member.lastCursorAt)
		time.AfterFunc(wait, func() {
			t.flushCursor(sessionID, userID)
		})
	}
	t.mu.Unlock()
}

// UpdateTyping toggles the typing indicator. Setting it schedules an
// automatic clear after the typing idle window so an ungraceful disconnect
// cannot leave a stuck indicator.
func (t *Tracker) UpdateTyping(sessionID, userID string, isTyping bool) {
	t.mu.Lock()
	member, room := t.memberLocked(sessionID, userID)
	if member == nil {
		t.mu.Unlock()
		return
	}

	if member.typingTimer != nil {
		member.typingTimer.Stop()
		member.typingTimer = nil
	}
	changed := member.state.IsTyping != isTyping
	member.state.IsTyping = isTyping
	member.state.LastSeen = t.clock().UTC().Unix()
	if isTyping {
		member.typingTimer = time.AfterFunc(t.cfg.TypingIdleTimeout, func() {
			t.UpdateTyping(sessionID, userID, false)
		})
	}

	if !changed {
		t.mu.Unlock()
		return
	}
	snapshot := room.snapshot()
	listeners := room.listeners()
	t.mu.Unlock()
	notify(listeners, snapshot)
}

// RecordActivity marks real user input. Any input resets the idle timer; a
// participant with no input for the idle window transitions online to idle.
func (t *Tracker) RecordActivity(sessionID, userID string) {
	t.mu.Lock()
	member, room := t.memberLocked(sessionID, userID)
	if member == nil {
		t.mu.Unlock()
		return
	}

	changed := member.state.ActivityStatus != StatusOnline
	member.state.ActivityStatus = StatusOnline
	member.state.IsActive = true
	member.state.LastSeen = t.clock().UTC().Unix()
	t.resetIdleTimerLocked(sessionID, member)

	if !changed {
		t.mu.Unlock()
		return
	}
	snapshot := room.snapshot()
	listeners := room.listeners()
	t.mu.Unlock()
	notify(listeners, snapshot)
}

// SetAway marks a participant who reported leaving the tab. The next
// recorded input returns them to online.
func (t *Tracker) SetAway(sessionID, userID string) {
	t.updateField(sessionID, userID, func(member *memberState) bool {
		if member.state.ActivityStatus == StatusAway {
			return false
		}
		member.state.ActivityStatus = StatusAway
		member.state.IsActive = false
		return true
	})
}

// UpdateTool broadcasts the participant's selected tool.
func (t *Tracker) UpdateTool(sessionID, userID, tool string) {
	t.updateField(sessionID, userID, func(member *memberState) bool {
		if member.state.CurrentTool == tool {
			return false
		}
		member.state.CurrentTool = tool
		return true
	})
}

// UpdateViewport broadcasts the participant's pan/zoom state.
func (t *Tracker) UpdateViewport(sessionID, userID string, viewport Viewport) {
	t.updateField(sessionID, userID, func(member *memberState) bool {
		member.state.Viewport = &viewport
		return true
	})
}

// Subscribe registers a listener invoked with the full current presence set
// on every observed change. The returned handle unsubscribes.
func (t *Tracker) Subscribe(sessionID string, listener func([]State)) func() {
	t.mu.Lock()
	room := t.roomLocked(sessionID)
	t.nextSubID++
	id := t.nextSubID
	room.subscribers[id] = listener
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		if room, ok := t.sessions[sessionID]; ok {
			delete(room.subscribers, id)
			if len(room.members) == 0 && len(room.subscribers) == 0 {
				delete(t.sessions, sessionID)
			}
		}
		t.mu.Unlock()
	}
}

// Snapshot returns the current presence set for the session.
func (t *Tracker) Snapshot(sessionID string) []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	return room.snapshot()
}

// Run periodically re-broadcasts every session's presence set until the
// context is done. The periodic sync is what makes lost notifications
// harmless.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.syncAll()
		}
	}
}

func (t *Tracker) syncAll() {
	t.mu.Lock()
	type pending struct {
		listeners []func([]State)
		snapshot  []State
	}
	broadcasts := make([]pending, 0, len(t.sessions))
	for _, room := range t.sessions {
		if len(room.subscribers) == 0 {
			continue
		}
		broadcasts = append(broadcasts, pending{listeners: room.listeners(), snapshot: room.snapshot()})
	}
	t.mu.Unlock()

	for _, b := range broadcasts {
		notify(b.listeners, b.snapshot)
	}
}

func (t *Tracker) flushCursor(sessionID, userID string) {
	t.mu.Lock()
	member, room := t.memberLocked(sessionID, userID)
	if member == nil {
		t.mu.Unlock()
		return
	}
	member.flushPending = false
	cursor := member.pendingCursor
	member.pendingCursor = nil
	if cursor == nil {
		t.mu.Unlock()
		return
	}
	if current := member.state.CursorPosition; current != nil && *current == *cursor {
		t.mu.Unlock()
		return
	}
	member.lastCursorAt = t.clock()
	member.state.CursorPosition = cursor
	snapshot := room.snapshot()
	listeners := room.listeners()
	t.mu.Unlock()
	notify(listeners, snapshot)
}

func (t *Tracker) updateField(sessionID, userID string, mutate func(*memberState) bool) {
	t.mu.Lock()
	member, room := t.memberLocked(sessionID, userID)
	if member == nil {
		t.mu.Unlock()
		return
	}
	member.state.LastSeen = t.clock().UTC().Unix()
	if !mutate(member) {
		t.mu.Unlock()
		return
	}
	snapshot := room.snapshot()
	listeners := room.listeners()
	t.mu.Unlock()
	notify(listeners, snapshot)
}

func (t *Tracker) resetIdleTimerLocked(sessionID string, member *memberState) {
	if member.idleTimer != nil {
		member.idleTimer.Stop()
	}
	userID := member.state.UserID
	member.idleTimer = time.AfterFunc(t.cfg.ActivityIdleTimeout, func() {
		t.markIdle(sessionID, userID)
	})
}

func (t *Tracker) markIdle(sessionID, userID string) {
	t.mu.Lock()
	member, room := t.memberLocked(sessionID, userID)
	if member == nil || member.state.ActivityStatus == StatusIdle {
		t.mu.Unlock()
		return
	}
	member.state.ActivityStatus = StatusIdle
	snapshot := room.snapshot()
	listeners := room.listeners()
	t.mu.Unlock()
	notify(listeners, snapshot)
}

func (t *Tracker) roomLocked(sessionID string) *sessionPresence {
	room, ok := t.sessions[sessionID]
	if !ok {
		room = &sessionPresence{
			members:     make(map[string]*memberState),
			subscribers: make(map[int64]func([]State)),
		}
		t.sessions[sessionID] = room
	}
	return room
}

func (t *Tracker) memberLocked(sessionID, userID string) (*memberState, *sessionPresence) {
	room, ok := t.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	member, ok := room.members[userID]
	if !ok {
		return nil, nil
	}
	return member, room
}

func (r *sessionPresence) snapshot() []State {
	states := make([]State, 0, len(r.members))
	for _, member := range r.members {
		states = append(states, member.state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].UserID < states[j].UserID
	})
	return states
}

func (r *sessionPresence) listeners() []func([]State) {
	listeners := make([]func([]State), 0, len(r.subscribers))
	for _, listener := range r.subscribers {
		listeners = append(listeners, listener)
	}
	return listeners
}

func (m *memberState) stopTimers() {
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

// notify delivers the snapshot outside the tracker lock. Listener panics are
// isolated: presence is best-effort and must never take the tracker down.
func notify(listeners []func([]State), snapshot []State) {
	for _, listener := range listeners {
		func() {
			defer func() {
				_ = recover()
			}()
			listener(snapshot)
		}()
	}
}
