package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type inbound struct {
	conn  *Conn
	event *Event
	err   error
}

type pendingLeave struct {
	key   presenceKey
	timer *time.Timer
}

type RoomInfo struct {
	RoomID string   `json:"roomId"`
	Users  []string `json:"users"`
	Count  int      `json:"count"`
}

type Stats struct {
	Connections      int `json:"connections"`
	Rooms            int `json:"rooms"`
	BoundConnections int `json:"boundConnections"`
}

// Hub owns every connection, the membership registry and the debouncer.
// All of them are only touched from the hub's own goroutine, so every
// room sees its events in a single order.
type Hub struct {
	conns     map[*Conn]struct{}
	registry  *Registry[*Conn]
	debouncer *Debouncer
	pending   map[presenceKey]*pendingLeave
	// evict collects recipients whose queue overflowed during a transition.
	evict []*Conn

	connectChan    chan *Conn
	disconnectChan chan *Conn
	in             chan inbound
	flush          chan *pendingLeave
	queries        chan func()
	// exit is closed to stop the hub. Senders select on it so they never
	// block on a stopped hub.
	exit chan struct{}
	done chan struct{}

	debounceWindow time.Duration
	now            func() time.Time
	closeTimeout   time.Duration
	reportErrors   bool
	logger         *slog.Logger

	started   atomic.Bool
	closeOnce sync.Once
}

type HubOption func(*Hub)

func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithDebounceWindow sets how long a departure is held back waiting for the
// same user to rejoin. Zero announces departures immediately.
func WithDebounceWindow(d time.Duration) HubOption {
	return func(h *Hub) {
		h.debounceWindow = d
	}
}

func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		h.now = now
	}
}

func WithCloseTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		h.closeTimeout = d
	}
}

// WithReportErrors makes the hub answer rejected events with an ERROR
// envelope to the sender.
func WithReportErrors(report bool) HubOption {
	return func(h *Hub) {
		h.reportErrors = report
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		conns:          make(map[*Conn]struct{}),
		registry:       NewRegistry[*Conn](),
		pending:        make(map[presenceKey]*pendingLeave),
		connectChan:    make(chan *Conn),
		disconnectChan: make(chan *Conn),
		in:             make(chan inbound),
		flush:          make(chan *pendingLeave),
		queries:        make(chan func()),
		exit:           make(chan struct{}),
		done:           make(chan struct{}),
		debounceWindow: 2 * time.Second,
		now:            time.Now,
		closeTimeout:   10 * time.Second,
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.debouncer = NewDebouncer(h.debounceWindow, h.now)
	return h
}

func (h *Hub) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer func() {
			close(h.done)
			h.logger.Info("hub stopped")
		}()
		h.run()
	}()
	h.logger.Info("hub started")
}

func (h *Hub) run() {
	for {
		select {
		case <-h.exit:
			h.shutdown()
			return
		case c := <-h.connectChan:
			h.conns[c] = struct{}{}
			h.logger.Debug("connection registered", slog.String("conn.id", c.id))
		case c := <-h.disconnectChan:
			h.drop(c, false)
		case in := <-h.in:
			h.handle(in)
		case p := <-h.flush:
			h.flushLeave(p)
		case q := <-h.queries:
			q()
		}
		h.evictSlow()
	}
}

// Close stops the hub and closes every connection with a normal close frame.
// No departures are announced. It waits up to the close timeout for the hub
// goroutine to exit.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.logger.Info("closing hub...")
		close(h.exit)
		if !h.started.Load() {
			return
		}
		timer := time.NewTimer(h.closeTimeout)
		defer timer.Stop()
		select {
		case <-h.done:
			h.logger.Info("hub closed gracefully")
		case <-timer.C:
			h.logger.Warn("hub closed with timeout")
		}
	})
}

func (h *Hub) shutdown() {
	for k, p := range h.pending {
		p.timer.Stop()
		delete(h.pending, k)
	}
	for c := range h.conns {
		c.close()
		delete(h.conns, c)
	}
	h.registry = NewRegistry[*Conn]()
	h.evict = nil
}

// Connect registers c as an unbound connection.
func (h *Hub) Connect(c *Conn) error {
	select {
	case h.connectChan <- c:
		return nil
	case <-h.exit:
		return ErrHubClosed
	}
}

// Disconnect reports that c's transport is gone.
func (h *Hub) Disconnect(c *Conn) {
	select {
	case h.disconnectChan <- c:
	case <-h.exit:
	}
}

// pass hands an event to the hub and blocks until the hub has taken it.
// It reports false once the hub is closed.
func (h *Hub) pass(c *Conn, e *Event) bool {
	select {
	case h.in <- inbound{conn: c, event: e}:
		return true
	case <-h.exit:
		return false
	}
}

// reject reports a frame that could not be decoded.
func (h *Hub) reject(c *Conn, err error) bool {
	select {
	case h.in <- inbound{conn: c, err: err}:
		return true
	case <-h.exit:
		return false
	}
}

// query runs f on the hub goroutine and waits for it.
func (h *Hub) query(ctx context.Context, f func()) error {
	done := make(chan struct{})
	q := func() {
		f()
		close(done)
	}
	select {
	case h.queries <- q:
	case <-h.exit:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rooms returns a snapshot of every non-empty room, sorted by id.
func (h *Hub) Rooms(ctx context.Context) ([]RoomInfo, error) {
	var rooms []RoomInfo
	err := h.query(ctx, func() {
		ids := h.roomIDs()
		rooms = make([]RoomInfo, 0, len(ids))
		for _, id := range ids {
			rooms = append(rooms, h.roomInfo(id))
		}
	})
	return rooms, err
}

// Room returns a snapshot of one room. ok is false when the room does not
// exist.
func (h *Hub) Room(ctx context.Context, id string) (info RoomInfo, ok bool, err error) {
	err = h.query(ctx, func() {
		if !h.hasRoom(id) {
			return
		}
		info, ok = h.roomInfo(id), true
	})
	return info, ok, err
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.query(ctx, func() {
		s = Stats{
			Connections:      len(h.conns),
			Rooms:            len(h.roomIDs()),
			BoundConnections: h.registry.BoundCount(),
		}
	})
	return s, err
}

// roomIDs lists the registry's rooms plus rooms kept alive only by a
// departure that is still held back.
func (h *Hub) roomIDs() []string {
	ids := h.registry.Rooms()
	for k := range h.pending {
		ids = append(ids, k.room)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func (h *Hub) hasRoom(id string) bool {
	if h.registry.HasRoom(id) {
		return true
	}
	for k := range h.pending {
		if k.room == id {
			return true
		}
	}
	return false
}

func (h *Hub) roomInfo(id string) RoomInfo {
	users := h.userList(id)
	return RoomInfo{RoomID: id, Users: users, Count: len(users)}
}

func (h *Hub) handle(in inbound) {
	c := in.conn
	if _, ok := h.conns[c]; !ok {
		// late frame from a connection that was already dropped
		return
	}
	if in.err != nil {
		h.fail(c, in.err)
		return
	}

	var err error
	switch e := in.event; e.Type {
	case JoinRoom:
		var p JoinRoomPayload
		if err = DecodePayload(e, &p); err == nil {
			h.join(c, p.Username, p.RoomID)
		}
	case LeaveRoom:
		var p LeaveRoomPayload
		if err = DecodePayload(e, &p); err == nil {
			err = h.leaveRoom(c, p.RoomID)
		}
	case ChatMessage:
		var p ChatMessagePayload
		if err = DecodePayload(e, &p); err == nil {
			err = h.relay(c, p.RoomID, Envelope{Type: ChatMessage, Content: p.Content})
		}
	case ImageMessage:
		var p ImageMessagePayload
		if err = DecodePayload(e, &p); err == nil {
			err = h.relay(c, p.RoomID, Envelope{Type: ImageMessage, ImageData: p.ImageData, Caption: p.Caption})
		}
	case VideoMessage:
		var p VideoMessagePayload
		if err = DecodePayload(e, &p); err == nil {
			err = h.relay(c, p.RoomID, Envelope{Type: VideoMessage, VideoData: p.Source(), Metadata: p.Metadata})
		}
	default:
		err = ErrUnknownEvent.Wrapf("%q", e.Type)
	}
	if err != nil {
		h.fail(c, err)
	}
}

// fail drops the offending event. The sender alone may be told about it.
func (h *Hub) fail(c *Conn, err error) {
	h.logger.Warn("event dropped",
		slog.String("conn.id", c.id),
		slog.String("kind", KindOf(err).String()),
		slog.String("err", err.Error()))
	if !h.reportErrors || IsSensitive(err) {
		return
	}
	b, _ := h.registry.BindingOf(c)
	env := &Envelope{
		Type:      ErrorEvent,
		System:    true,
		RoomID:    b.RoomID,
		Content:   err.Error(),
		Timestamp: FormatTimestamp(h.now()),
	}
	msg, merr := MarshalEnvelope(env)
	if merr != nil {
		h.logger.Error(merr.Error())
		return
	}
	h.sendTo(c, msg)
}

func (h *Hub) join(c *Conn, username, room string) {
	next := Binding{Username: username, RoomID: room}
	if cur, ok := h.registry.BindingOf(c); ok {
		if cur == next {
			return
		}
		h.leave(c, cur)
	}

	suppressed := h.debouncer.ShouldSuppressJoin(room, username)
	if h.cancelPending(presenceKey{room: room, username: username}) && !suppressed {
		h.emitLeave(room, username)
	}

	h.registry.Bind(c, username, room)
	h.logger.Debug("joined",
		slog.String("conn.id", c.id),
		slog.String("username", username),
		slog.String("room", room),
		slog.Bool("silent", suppressed))

	if !suppressed {
		h.broadcast(room, &Envelope{
			Type:      JoinRoom,
			System:    true,
			Username:  username,
			RoomID:    room,
			Content:   fmt.Sprintf("%s has joined the room", username),
			Timestamp: FormatTimestamp(h.now()),
		})
	}
	h.broadcastUserList(room)
}

func (h *Hub) leaveRoom(c *Conn, room string) error {
	b, ok := h.registry.BindingOf(c)
	if !ok {
		return ErrNotBound
	}
	if room != "" && room != b.RoomID {
		return ErrRoomMismatch.Wrapf("%q", room)
	}
	h.leave(c, b)
	return nil
}

// leave announces an explicit departure right away. A departure of the same
// user still held back is folded into this one.
func (h *Hub) leave(c *Conn, b Binding) {
	h.registry.Unbind(c)
	h.cancelPending(presenceKey{room: b.RoomID, username: b.Username})
	h.debouncer.RecordLeave(b.RoomID, b.Username)
	h.emitLeave(b.RoomID, b.Username)
}

// cancelPending stops the held-back departure for key, if any.
func (h *Hub) cancelPending(key presenceKey) bool {
	p, ok := h.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(h.pending, key)
	return true
}

// drop forgets c. If it was in a room its departure is announced once the
// debounce window passes without the same user rejoining.
func (h *Hub) drop(c *Conn, evicted bool) {
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	if evicted {
		c.kill()
	} else {
		c.close()
	}
	h.logger.Debug("connection unregistered", slog.String("conn.id", c.id), slog.Bool("evicted", evicted))

	b, ok := h.registry.Unbind(c)
	if !ok {
		return
	}
	h.debouncer.RecordLeave(b.RoomID, b.Username)
	if h.debouncer.Window() <= 0 {
		h.emitLeave(b.RoomID, b.Username)
		return
	}

	key := presenceKey{room: b.RoomID, username: b.Username}
	h.cancelPending(key)
	p := &pendingLeave{key: key}
	p.timer = time.AfterFunc(h.debouncer.Window(), func() {
		select {
		case h.flush <- p:
		case <-h.exit:
		}
	})
	h.pending[key] = p
}

func (h *Hub) flushLeave(p *pendingLeave) {
	if h.pending[p.key] != p {
		// cancelled by a rejoin or replaced by a newer departure
		return
	}
	delete(h.pending, p.key)
	h.debouncer.Forget(p.key.room, p.key.username)
	h.emitLeave(p.key.room, p.key.username)
}

func (h *Hub) emitLeave(room, username string) {
	if !h.registry.HasUser(room, username) {
		h.broadcast(room, &Envelope{
			Type:      LeaveRoom,
			System:    true,
			Username:  username,
			RoomID:    room,
			Content:   fmt.Sprintf("%s has left the room", username),
			Timestamp: FormatTimestamp(h.now()),
		})
	}
	h.broadcastUserList(room)
}

func (h *Hub) relay(c *Conn, room string, env Envelope) error {
	b, ok := h.registry.BindingOf(c)
	if !ok {
		return ErrNotBound
	}
	if room != "" && room != b.RoomID {
		return ErrRoomMismatch.Wrapf("%q", room)
	}
	env.Username = b.Username
	env.RoomID = b.RoomID
	env.Timestamp = FormatTimestamp(h.now())
	h.broadcast(b.RoomID, &env)
	return nil
}

// userList is the room's members plus anyone whose departure is still
// being held back.
func (h *Hub) userList(room string) []string {
	users := h.registry.MembersOf(room)
	for k := range h.pending {
		if k.room == room {
			users = append(users, k.username)
		}
	}
	slices.Sort(users)
	return slices.Compact(users)
}

func (h *Hub) broadcastUserList(room string) {
	h.broadcast(room, &Envelope{
		Type:      UserList,
		System:    true,
		RoomID:    room,
		Users:     h.userList(room),
		Timestamp: FormatTimestamp(h.now()),
	})
}

// broadcast encodes env once and queues it to every member of room.
func (h *Hub) broadcast(room string, env *Envelope) {
	members := h.registry.Members(room)
	if len(members) == 0 {
		return
	}
	b, err := MarshalEnvelope(env)
	if err != nil {
		h.logger.Error(err.Error())
		return
	}
	for _, c := range members {
		h.sendTo(c, b)
	}
}

func (h *Hub) sendTo(c *Conn, b []byte) {
	if c.enqueue(b) {
		return
	}
	if !slices.Contains(h.evict, c) {
		h.evict = append(h.evict, c)
	}
}

// evictSlow drops connections whose queue overflowed. Dropping one may
// overflow another, so it loops until nothing is left.
func (h *Hub) evictSlow() {
	for len(h.evict) > 0 {
		c := h.evict[0]
		h.evict = h.evict[1:]
		h.logger.Warn("evicting connection",
			slog.String("conn.id", c.id),
			slog.String("err", ErrQueueFull.Error()))
		h.drop(c, true)
	}
}
