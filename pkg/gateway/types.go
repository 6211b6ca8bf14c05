package gateway

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrSendBufferFull is returned when a client is not draining its
	// outbound buffer. The client is disconnected.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrClientClosed is returned when sending to a closed client.
	ErrClientClosed = errors.New("client closed")
)

// Close reasons reported to metrics.
const (
	closeReasonClient   = "client"
	closeReasonOverflow = "overflow"
	closeReasonWrite    = "write_error"
	closeReasonShutdown = "shutdown"
	closeReasonStopped  = "synchronizer_stopped"
)

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Client represents a connected WebSocket client. It satisfies
// broadcast.Conn; Send never blocks.
type Client struct {
	id          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string

	// unix nanoseconds of the last inbound frame
	activity atomic.Int64

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	closeReason string
}

func newClient(id string, conn *websocket.Conn, ip string, buffer int) *Client {
	now := time.Now()
	c := &Client{
		id:          id,
		Conn:        conn,
		ConnectedAt: now,
		IPAddress:   ip,
		send:        make(chan []byte, buffer),
		closed:      make(chan struct{}),
	}
	c.touch(now)
	return c
}

func (c *Client) touch(now time.Time) {
	c.activity.Store(now.UnixNano())
}

func (c *Client) lastActivity() time.Time {
	return time.Unix(0, c.activity.Load())
}

// host is the remote address without its port.
func (c *Client) host() string {
	host, _, err := net.SplitHostPort(c.IPAddress)
	if err != nil {
		return c.IPAddress
	}
	return host
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues data for the write pump. A client whose buffer is full is
// closed instead of blocking the caller.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.close(closeReasonOverflow)
		return ErrSendBufferFull
	}
}

// close is idempotent; the first reason wins.
func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)
		_ = c.Conn.Close()
	})
}

func (c *Client) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeReason == "" {
		return closeReasonClient
	}
	return c.closeReason
}
