package channel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/lifeline/internal/failure"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// WebsocketFactory opens channels over gorilla/websocket.
type WebsocketFactory struct {
	Dialer *websocket.Dialer
	// PingInterval enables keepalive pings; a channel that misses two pongs
	// is reported as failed.
	PingInterval time.Duration
	// OnMessage, when set, receives every data frame.
	OnMessage func(messageType int, data []byte)
}

var _ Factory = (*WebsocketFactory)(nil)

func (f *WebsocketFactory) Open(ctx context.Context, url string, auth Auth) (Channel, error) {
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if auth.Present {
		header.Set("Authorization", "Bearer "+auth.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, &failure.StatusError{StatusCode: resp.StatusCode, URL: url}
		}
		return nil, failure.FromTransport(url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	ch := &wsChannel{
		url:       url,
		conn:      conn,
		failures:  make(chan error, 1),
		done:      make(chan struct{}),
		onMessage: f.OnMessage,
	}
	if f.PingInterval > 0 {
		pongWait := 2 * f.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go ch.pingLoop(f.PingInterval)
	}
	go ch.readPump()
	return ch, nil
}

type wsChannel struct {
	url       string
	conn      *websocket.Conn
	failures  chan error
	done      chan struct{}
	onMessage func(int, []byte)

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsChannel) Failures() <-chan error { return c.failures }

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsChannel) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsChannel) readPump() {
	defer close(c.failures)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			c.failures <- failure.FromTransport(c.url, err)
			return
		}
		if c.onMessage != nil {
			c.onMessage(messageType, data)
		}
	}
}

func (c *wsChannel) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				// The read pump observes the broken connection and reports it.
				_ = c.conn.Close()
				return
			}
		}
	}
}
