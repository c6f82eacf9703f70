package comments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is one open live connection scoped to a video.
type Channel interface {
	// Read blocks until the next payload arrives or the channel fails.
	Read() ([]byte, error)
	// Close closes the channel. It is safe to call more than once.
	Close() error
}

// Dialer opens live channels. token is empty for anonymous channels.
type Dialer interface {
	Dial(ctx context.Context, videoID, token string) (Channel, error)
}

// WebSocketConfig holds the live channel connection settings.
type WebSocketConfig struct {
	// BaseURL is the ws:// or wss:// origin of the API.
	BaseURL string
	// ReadTimeout is how long the channel may stay silent, pings included,
	// before it is considered dead. Zero means 60 seconds.
	ReadTimeout time.Duration
	// MaxMessageSize caps a single comment payload. Zero means 64 KiB.
	MaxMessageSize int64
}

// WebSocketDialer opens live channels at {BaseURL}/v1/ws/comments.
type WebSocketDialer struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer. d may be nil to use websocket.DefaultDialer.
func NewWebSocketDialer(cfg WebSocketConfig, d *websocket.Dialer) *WebSocketDialer {
	if d == nil {
		d = websocket.DefaultDialer
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &WebSocketDialer{cfg: cfg, dialer: d}
}

// ChannelURL returns the live channel URL for a video.
func (d *WebSocketDialer) ChannelURL(videoID, token string) string {
	q := url.Values{}
	q.Set("vid", videoID)
	if token != "" {
		q.Set("token", token)
	}
	return d.cfg.BaseURL + "/v1/ws/comments?" + q.Encode()
}

// Dial opens the live channel for a video.
func (d *WebSocketDialer) Dial(ctx context.Context, videoID, token string) (Channel, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.ChannelURL(videoID, token), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("open live channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("open live channel: %w", err)
	}

	ch := &wsChannel{conn: conn, readTimeout: d.cfg.ReadTimeout}
	conn.SetReadLimit(d.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return ch, nil
}

type wsChannel struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (c *wsChannel) Read() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsChannel) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// isNormalClose reports whether err is an orderly close of the channel.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
