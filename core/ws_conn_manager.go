package core

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnManager upgrades HTTP requests to websocket connections, hands them to
// the hub and runs their read and write loops.
type ConnManager struct {
	hub      *Hub
	upgrader websocket.Upgrader
	connOpts ConnOptions
	conns    *SyncMap[string, *Conn]
	logger   *slog.Logger

	// mu guards closed and wg.Add so no loop starts once Close is waiting.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *ConnManager) {
		m.logger = l
	}
}

func WithConnOptions(o ConnOptions) ManagerOption {
	return func(m *ConnManager) {
		m.connOpts = o
	}
}

func NewConnManager(hub *Hub, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		hub:      hub,
		upgrader: defaultUpgrader,
		connOpts: DefaultConnOptions,
		conns:    NewSyncMap[string, *Conn](),
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ConnManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		m.logger.Debug("upgrade failed", slog.String("err", err.Error()))
		return
	}

	c := newConn(uuid.NewString(), ws, m.hub, m.connOpts, m.logger)
	if err := m.hub.Connect(c); err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ws.Close()
		m.hub.Disconnect(c)
		return
	}
	m.conns.Store(c.id, c)
	m.wg.Add(2)
	m.mu.Unlock()

	go func() {
		defer func() {
			m.conns.Delete(c.id)
			m.wg.Done()
		}()
		c.readLoop()
	}()
	go func() {
		defer m.wg.Done()
		c.writeLoop()
	}()
	c.logger.Info("connection opened", slog.String("remote", r.RemoteAddr))
}

// Count returns the number of connections whose read loop is running.
func (m *ConnManager) Count() int {
	return m.conns.Len()
}

// Close stops accepting connections and waits for every loop to finish.
// Connections still open when ctx is done are closed forcibly.
func (m *ConnManager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	m.logger.Warn("forcing remaining connections closed")
	m.conns.RRange(func(_ string, c *Conn) bool {
		c.ws.Close()
		return true
	})
	<-done
	return ctx.Err()
}
