// Package bus subscribes to a session's ordered event stream of
// utterance records and publishes the local user's utterances. The
// backend is a realtime row-insert feed on a logical "messages"
// collection, filtered by group id, spoken over a websocket channel
// protocol.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/panyeroa1/realtime-orbit/internal/types"
)

const (
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// Config holds bus connection settings.
type Config struct {
	// BaseURL is the http(s) backend endpoint; the websocket and rest
	// paths are derived from it.
	BaseURL string
	APIKey  string
}

// Client is the realtime bus adapter. It holds at most one session
// subscription at a time.
type Client struct {
	cfg  Config
	http *http.Client

	mu     sync.Mutex
	conn   *websocket.Conn
	sub    *Subscription
	ref    int
	cancel context.CancelFunc
}

// Subscription is one session's message feed.
type Subscription struct {
	GroupID string
	msgs    chan types.Message
	done    chan struct{}
	once    sync.Once
}

// Messages returns the ordered stream of utterance records for the
// subscribed session.
func (s *Subscription) Messages() <-chan types.Message {
	return s.msgs
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.msgs)
	})
}

// phoenix-style wire envelope.
type wireMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type insertPayload struct {
	Data struct {
		Record types.Message `json:"record"`
	} `json:"data"`
}

// NewClient creates a bus client. Dial must be called before Subscribe
// or Publish.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// Dial connects the websocket and starts the read and heartbeat loops.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	wsURL, err := c.websocketURL()
	if err != nil {
		return fmt.Errorf("build websocket URL: %w", err)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	c.conn = conn

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(loopCtx)
	go c.heartbeatLoop(loopCtx)

	slog.Info("bus connected", "url", wsURL)
	return nil
}

// Subscribe joins the given session's channel. Any prior subscription
// is torn down first: there are never two active subscriptions for the
// same participant.
func (c *Client) Subscribe(ctx context.Context, groupID string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	if c.sub != nil {
		if err := c.leaveLocked(c.sub.GroupID); err != nil {
			slog.Warn("leave previous channel", "group", c.sub.GroupID, "error", err)
		}
		c.sub.close()
		c.sub = nil
	}

	join := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{{
				"event":  "INSERT",
				"schema": "public",
				"table":  "messages",
				"filter": "group_id=eq." + groupID,
			}},
		},
	}
	if err := c.sendLocked(topicFor(groupID), "phx_join", join); err != nil {
		return nil, fmt.Errorf("join channel: %w", err)
	}

	sub := &Subscription{
		GroupID: groupID,
		msgs:    make(chan types.Message, 64),
		done:    make(chan struct{}),
	}
	c.sub = sub
	slog.Info("bus subscribed", "group", groupID)
	return sub, nil
}

// Unsubscribe leaves the current session channel, if any.
func (c *Client) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub == nil {
		return
	}
	if err := c.leaveLocked(c.sub.GroupID); err != nil {
		slog.Warn("leave channel", "group", c.sub.GroupID, "error", err)
	}
	c.sub.close()
	c.sub = nil
}

// Publish inserts an utterance record. Delivery back to subscribers is
// at-least-once; the ClientMessageID makes redelivery idempotent.
func (c *Client) Publish(ctx context.Context, msg types.Message) error {
	restURL, err := url.JoinPath(c.cfg.BaseURL, "rest/v1/messages")
	if err != nil {
		return fmt.Errorf("build rest URL: %w", err)
	}

	body, err := json.Marshal([]types.Message{msg})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, restURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("insert failed: %d - %s", resp.StatusCode, string(data))
	}
	return nil
}

// Close tears down the subscription and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		c.sub.close()
		c.sub = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", c.cfg.APIKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func topicFor(groupID string) string {
	return "realtime:group-" + groupID
}

func (c *Client) leaveLocked(groupID string) error {
	return c.sendLocked(topicFor(groupID), "phx_leave", map[string]any{})
}

func (c *Client) sendLocked(topic, event string, payload any) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.ref++
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := wireMessage{
		Topic:   topic,
		Event:   event,
		Payload: data,
		Ref:     strconv.Itoa(c.ref),
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Info("bus connection closed", "error", err)
			} else {
				slog.Error("bus read error", "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg wireMessage) {
	switch msg.Event {
	case "postgres_changes", "INSERT":
		var payload insertPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			slog.Warn("malformed insert payload", "error", err)
			return
		}
		c.deliver(msg.Topic, payload.Data.Record)
	case "phx_reply", "phx_close", "presence_state":
		// Channel bookkeeping, nothing to do.
	default:
		slog.Debug("unhandled bus event", "event", msg.Event)
	}
}

// deliver routes a record to the current subscription. A full channel
// drops the record with a log line: the feed is at-least-once and a
// lost record degrades, not halts, the pipeline.
func (c *Client) deliver(topic string, rec types.Message) {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()

	if sub == nil || topicFor(sub.GroupID) != topic {
		return
	}
	select {
	case sub.msgs <- rec:
	case <-sub.done:
	default:
		slog.Warn("bus subscriber lagging, dropping record",
			"group", sub.GroupID, "client_message_id", rec.ClientMessageID)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.sendLocked("phoenix", "heartbeat", map[string]any{})
			c.mu.Unlock()
			if err != nil {
				slog.Warn("bus heartbeat failed", "error", err)
			}
		}
	}
}
