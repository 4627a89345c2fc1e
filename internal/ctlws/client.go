// Package ctlws keeps a websocket open to the attendance server's control
// channel. Check-in and check-out broadcasts start and stop recording, and
// every recorder status change is published back.
package ctlws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/attendrec/internal/controller"
	"github.com/tiroq/attendrec/internal/diaglog"
)

// Message types on the control channel.
const (
	TypeAudioStart  = "audio_start"
	TypeAudioStop   = "audio_stop"
	TypeAudioStatus = "audio_status"
)

// ErrNotConnected is returned by Publish while no connection is open.
var ErrNotConnected = errors.New("ctlws: not connected")

// Controller is the part of the session controller the client drives.
type Controller interface {
	Start(ctx context.Context) (controller.StartResult, error)
	Stop(ctx context.Context) (controller.StopResult, error)
	Status() controller.Status
	OnChange(fn func(controller.Status))
}

// Inbound is a server broadcast. Only Type is interpreted.
type Inbound struct {
	Type        string          `json:"type"`
	RecordingID json.RawMessage `json:"recordingId,omitempty"`
}

// StatusMessage is published after every recorder transition.
type StatusMessage struct {
	Type      string `json:"type"`
	Recording bool   `json:"recording"`
	FilePath  string `json:"filePath,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Config configures the control channel connection.
type Config struct {
	URL   string
	Token string // sent as a bearer Authorization header on dial

	ReconnectDelay    time.Duration // first retry delay, default 1s
	MaxReconnectDelay time.Duration // default 60s
	HandshakeTimeout  time.Duration // default 10s
	WriteTimeout      time.Duration // default 5s
}

// Client is a reconnecting control channel client.
type Client struct {
	cfg    Config
	ctrl   Controller
	dialer *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	writeMu   sync.Mutex

	logger   *diaglog.Logger
	loggerMu sync.RWMutex
}

// NewClient creates a client and subscribes it to ctrl's status changes.
func NewClient(cfg Config, ctrl Controller) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 60 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		ctrl:   ctrl,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}
	ctrl.OnChange(func(controller.Status) {
		if err := c.publishLatest(); err != nil && !errors.Is(err, ErrNotConnected) {
			c.log(diaglog.LogEntry{
				Level:   diaglog.LevelWarn,
				Event:   diaglog.EventWSSend,
				Reason:  "publish_failed",
				Payload: map[string]interface{}{"error": err.Error()},
			})
		}
	})
	return c
}

// SetLogger injects a diaglog.Logger.
func (c *Client) SetLogger(l *diaglog.Logger) {
	c.loggerMu.Lock()
	c.logger = l
	c.loggerMu.Unlock()
}

func (c *Client) log(entry diaglog.LogEntry) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	entry.Component = diaglog.ComponentControlWS
	l.Log(entry)
}

// Run connects, serves the channel and reconnects with exponential backoff
// and jitter until ctx is cancelled. Reconnecting never starts or stops
// recording by itself.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay
	attempt := 0
	for {
		err := c.connect(ctx)
		if err == nil {
			attempt = 0
			delay = c.cfg.ReconnectDelay
			c.serve(ctx)
		} else if ctx.Err() == nil {
			c.log(diaglog.LogEntry{
				Level:   diaglog.LevelWarn,
				Event:   diaglog.EventWSReconnectAttempt,
				Reason:  "dial_failed",
				Payload: map[string]interface{}{"attempt": attempt, "error": err.Error()},
			})
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		c.log(diaglog.LogEntry{
			Event:   diaglog.EventWSReconnectAttempt,
			Payload: map[string]interface{}{"attempt": attempt, "delay_ms": delay.Milliseconds()},
		})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = c.nextDelay(delay)
	}
}

// nextDelay doubles d, caps it and adds ±10% jitter.
func (c *Client) nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > c.cfg.MaxReconnectDelay {
		d = c.cfg.MaxReconnectDelay
	}
	jitter := time.Duration(float64(d) * 0.2 * (rand.Float64() - 0.5))
	d += jitter
	if d < c.cfg.ReconnectDelay {
		d = c.cfg.ReconnectDelay
	}
	return d
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("ctlws: dial %s: http %d: %w", c.cfg.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("ctlws: dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log(diaglog.LogEntry{
		Event:   diaglog.EventWSConnect,
		Payload: map[string]interface{}{"url": c.cfg.URL},
	})

	// Let the server know where we stand without changing anything.
	if err := c.publishLatest(); err != nil {
		c.disconnect()
		return err
	}
	return nil
}

// serve reads until the connection fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	})
	defer stop()
	defer c.disconnect()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log(diaglog.LogEntry{
				Level:   diaglog.LevelWarn,
				Event:   diaglog.EventWSRecv,
				Reason:  "malformed",
				Payload: map[string]interface{}{"error": err.Error()},
			})
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg Inbound) {
	c.log(diaglog.LogEntry{
		Event:   diaglog.EventWSRecv,
		Payload: map[string]interface{}{"type": msg.Type},
	})

	var err error
	switch msg.Type {
	case TypeAudioStart:
		_, err = c.ctrl.Start(ctx)
	case TypeAudioStop:
		_, err = c.ctrl.Stop(ctx)
	default:
		return
	}
	if err != nil {
		c.log(diaglog.LogEntry{
			Level:   diaglog.LevelError,
			Event:   diaglog.EventWSRecv,
			Reason:  msg.Type + "_failed",
			Payload: map[string]interface{}{"error": err.Error()},
		})
	}
}

// Publish sends st as an audio_status message.
func (c *Client) Publish(st controller.Status) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeStatusLocked(st)
}

// publishLatest reads the status after taking the write lock, so the last
// message sent always reflects the latest change.
func (c *Client) publishLatest() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeStatusLocked(c.ctrl.Status())
}

func (c *Client) writeStatusLocked(st controller.Status) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	out := StatusMessage{
		Type:      TypeAudioStatus,
		Recording: st.Recording,
		FilePath:  st.Path(),
		SessionID: st.SessionID,
		Error:     st.LastError,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(out); err != nil {
		return fmt.Errorf("ctlws: publish: %w", err)
	}
	c.log(diaglog.LogEntry{
		Event:   diaglog.EventWSSend,
		Payload: map[string]interface{}{"type": out.Type, "recording": out.Recording},
	})
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.log(diaglog.LogEntry{
			Event:   diaglog.EventWSDisconnect,
			Payload: map[string]interface{}{"url": c.cfg.URL},
		})
	}
	c.connected = false
}

// IsConnected returns current connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
