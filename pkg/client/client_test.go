package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"gitlab.com/voxline/services/backend/internal/models"
)

type fakeConn struct {
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	autoPong bool

	mu      sync.Mutex
	written []models.WSMessage
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{
		in:       make(chan []byte, 16),
		closed:   make(chan struct{}),
		autoPong: autoPong,
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}

	var msg models.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()

	if c.autoPong && msg.Type == models.MsgPing {
		c.push(models.WSMessage{Type: models.MsgPong})
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(msg models.WSMessage) {
	data, _ := json.Marshal(msg)
	c.in <- data
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sent(msgType string) []models.WSMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.WSMessage
	for _, m := range c.written {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	fail     bool
	status   int
	autoPong bool
	calls    int
	headers  []http.Header
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Conn, *http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	d.headers = append(d.headers, header.Clone())
	if d.status != 0 {
		resp := &http.Response{StatusCode: d.status, Body: io.NopCloser(strings.NewReader(""))}
		return nil, resp, websocket.ErrBadHandshake
	}
	if d.fail {
		return nil, nil, errors.New("connection refused")
	}
	conn := newFakeConn(d.autoPong)
	d.conns = append(d.conns, conn)
	return conn, nil, nil
}

func (d *fakeDialer) set(fn func(d *fakeDialer)) {
	d.mu.Lock()
	fn(d)
	d.mu.Unlock()
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func waitForTimers(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
