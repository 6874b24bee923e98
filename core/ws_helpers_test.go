package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var (
	rng         = rand.New(rand.NewSource(42))
	baseTimeout = time.Second
)

type wsFixture struct {
	server   *httptest.Server
	hub      *Hub
	cm       *ConnManager
	clients  []*testWSClient
	t        *testing.T
	clientWg sync.WaitGroup
	mu       sync.Mutex
	logger   *slog.Logger
}

func setUpWSFixture(t *testing.T, nClients int, connOpts ConnOptions, hubOpts ...HubOption) *wsFixture {
	f := &wsFixture{t: t, logger: discardLogger()}

	hubOpts = append([]HubOption{
		WithLogger(f.logger.WithGroup("hub")),
		WithDebounceWindow(0),
		WithCloseTimeout(baseTimeout),
	}, hubOpts...)
	f.hub = NewHub(hubOpts...)
	f.hub.Start()

	f.cm = NewConnManager(f.hub,
		WithManagerLogger(f.logger.WithGroup("server")),
		WithConnOptions(connOpts))
	f.server = httptest.NewServer(f.cm)

	f.mu.Lock()
	for i := 0; i < nClients; i++ {
		f.clients = append(f.clients, newTestWSClient(i, f.logger.WithGroup("client").With(slog.Int("id", i))))
	}
	f.mu.Unlock()

	return f
}

func (f *wsFixture) connectClientsToServer() {
	url := getWSURLFromHTTPURL(f.server.URL)
	var connectWg sync.WaitGroup
	for _, client := range f.clients {
		connectWg.Add(1)
		go func(client *testWSClient) {
			defer connectWg.Done()
			err := client.Connect(url)
			require.NoErrorf(f.t, err, "client %d: failed to connect to server", client.id)
			f.clientWg.Add(1)
			go func() {
				defer f.clientWg.Done()
				client.readLoop()
			}()
		}(client)
	}

	waitOrTimeout(f.t, func() {
		connectWg.Wait()
	}, baseTimeout, "Timeout waiting for clients to open connection")

	require.Eventually(f.t, func() bool {
		return f.cm.Count() == len(f.clients)
	}, baseTimeout, baseTimeout/20, "Timeout waiting for connections to be added to the manager")
}

func (f *wsFixture) tearDown() {
	f.mu.Lock()
	for _, client := range f.clients {
		client.Close()
	}
	f.mu.Unlock()

	f.hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	f.cm.Close(ctx)
	f.server.Close()

	waitOrTimeout(f.t, f.clientWg.Wait, baseTimeout, "Timeout waiting for clients to stop")
}

type closeEvent struct {
	code int
	err  error
}

type testWSClient struct {
	conn    *websocket.Conn
	id      int
	msgs    chan Envelope
	closed  chan closeEvent
	writeMu sync.Mutex
	logger  *slog.Logger
	// ignorePings stops the client from answering pings with pongs.
	ignorePings bool
}

func newTestWSClient(id int, logger *slog.Logger) *testWSClient {
	return &testWSClient{
		id:     id,
		msgs:   make(chan Envelope, 64),
		closed: make(chan closeEvent, 1),
		logger: logger,
	}
}

func (c *testWSClient) Connect(url string) error {
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return err
	}
	if res.StatusCode != 101 {
		return fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}
	if c.ignorePings {
		conn.SetPingHandler(func(string) error { return nil })
	}
	c.conn = conn
	return nil
}

func (c *testWSClient) Send(format int, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(format, b)
}

func (c *testWSClient) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.Send(websocket.TextMessage, b)
}

func (c *testWSClient) readLoop() {
	defer func() {
		c.conn.Close()
		c.logger.Info("readLoop stopped")
	}()
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.closed <- closeEvent{code: closeErr.Code}
			} else {
				c.closed <- closeEvent{code: -1, err: err}
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			c.logger.Error(fmt.Sprintf("decoding envelope: %v", err))
			continue
		}
		c.msgs <- env
	}
}

// next returns the next envelope that is not of one of the skipped types.
func (c *testWSClient) next(t *testing.T, skip ...EventType) Envelope {
	t.Helper()
	for {
		select {
		case env := <-c.msgs:
			if containsType(skip, env.Type) {
				continue
			}
			return env
		case <-time.After(baseTimeout):
			require.FailNowf(t, "timeout", "client %d: waiting for a message", c.id)
			return Envelope{}
		}
	}
}

func containsType(types []EventType, t EventType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

// ForceClose closes the underlying connection without sending a close message to the server.
func (c *testWSClient) ForceClose() {
	c.conn.Close()
}

// Close sends a close message to the server. The read loop exits once the
// server answers.
func (c *testWSClient) Close() error {
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(baseTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("send close message: %w", err)
	}
	return nil
}

func getWSURLFromHTTPURL(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

// waitOrTimeout waits for fn to finish or times out.
func waitOrTimeout(t *testing.T, fn func(), timeout time.Duration, s string, args ...interface{}) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(timeout):
		require.Failf(t, "timeout", s, args...)
	}
}
