// Package client is a Go client for the live feed service. It keeps a
// reconciled view per subscribed topic and recovers from replay gaps by
// refetching a snapshot.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/logger"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/protocol"
	"github.com/prudhvinik1/livesync/internal/reconcile"
	"github.com/prudhvinik1/livesync/internal/services"
)

var ErrClosed = errors.New("client closed")

const maxResyncAttempts = 3

type Config struct {
	// BaseURL is the service's HTTP base, such as http://localhost:8080.
	BaseURL string
	Token   string
	// GracePeriod bounds how long a write may stay pending.
	GracePeriod time.Duration
	// HeartbeatInterval overrides the interval advertised by the server.
	HeartbeatInterval time.Duration

	// OnChange is called after the view of topic changed.
	OnChange func(topic string)
	// OnFailed is called for every write that failed to send.
	OnFailed func(entry reconcile.Entry)

	Logger     *zap.Logger
	HTTPClient *http.Client
}

type Client struct {
	cfg    Config
	logger *zap.Logger
	http   *http.Client
	cache  *reconcile.Cache
	ws     *websocket.Conn

	sessionID string
	userID    string

	writeMu sync.Mutex
	nextRef atomic.Uint64

	mu      sync.Mutex
	waiting map[string]chan protocol.ServerFrame
	subs    map[string]string
	seeded  map[string]bool
	status  models.PresenceStatus

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Dial connects and waits for the welcome frame.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	wsURL := *base
	wsURL.Scheme = strings.Replace(base.Scheme, "http", "ws", 1)
	wsURL.Path = strings.TrimSuffix(base.Path, "/") + "/ws"

	header := http.Header{"Authorization": {"Bearer " + cfg.Token}}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errs.ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	var welcome protocol.ServerFrame
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := ws.ReadJSON(&welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		ws.Close()
		return nil, fmt.Errorf("no welcome frame: %v", err)
	}
	ws.SetReadDeadline(time.Time{})

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Duration(welcome.HeartbeatMS) * time.Millisecond
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = reconcile.DefaultGracePeriod
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger.OrNop(cfg.Logger).With(zap.String("session_id", welcome.SessionID)),
		http:      httpClient,
		cache:     reconcile.New(grace),
		ws:        ws,
		sessionID: welcome.SessionID,
		userID:    welcome.UserID,
		waiting:   make(map[string]chan protocol.ServerFrame),
		subs:      make(map[string]string),
		seeded:    make(map[string]bool),
		status:    models.StatusOnline,
		closed:    make(chan struct{}),
	}

	c.wg.Add(3)
	go c.readLoop()
	go c.heartbeatLoop(interval)
	go c.expireLoop(grace / 2)
	return c, nil
}

func (c *Client) SessionID() string { return c.sessionID }
func (c *Client) UserID() string    { return c.userID }

// View returns the reconciled entries of topic.
func (c *Client) View(topic string) []reconcile.Entry {
	return c.cache.View(topic)
}

// Cache exposes the reconciliation cache for retry and discard handling.
func (c *Client) Cache() *reconcile.Cache { return c.cache }

// Close ends the session and stops background loops.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	c.wg.Wait()
	return err
}

func (c *Client) notify(topic string) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(topic)
	}
}

func (c *Client) send(f protocol.ClientFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(f)
}

// request sends f with a fresh ref and waits for the frame answering it.
func (c *Client) request(ctx context.Context, f protocol.ClientFrame) (protocol.ServerFrame, error) {
	f.Ref = strconv.FormatUint(c.nextRef.Add(1), 10)
	reply := make(chan protocol.ServerFrame, 1)

	c.mu.Lock()
	c.waiting[f.Ref] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, f.Ref)
		c.mu.Unlock()
	}()

	if err := c.send(f); err != nil {
		return protocol.ServerFrame{}, err
	}
	select {
	case resp := <-reply:
		if resp.Type == protocol.TypeError {
			return resp, fmt.Errorf("%w: %s", protocol.ErrFor(resp.Code), resp.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return protocol.ServerFrame{}, ctx.Err()
	case <-c.closed:
		return protocol.ServerFrame{}, ErrClosed
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})

	for {
		var f protocol.ServerFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("client_read_failed", zap.Error(err))
			}
			return
		}
		c.handle(f)
	}
}

func (c *Client) handle(f protocol.ServerFrame) {
	if f.Type == protocol.TypeEvent && f.Event != nil {
		if c.cache.ApplyConfirmed(f.Event.Topic, *f.Event) {
			c.notify(f.Event.Topic)
		}
		return
	}

	if f.Ref != "" {
		c.mu.Lock()
		reply, ok := c.waiting[f.Ref]
		c.mu.Unlock()
		if ok {
			reply <- f
		}
		return
	}

	if f.Type == protocol.TypeError && f.Subscription != "" {
		// the server closed a subscription, resume it from the last applied event
		c.mu.Lock()
		if c.subs[f.Topic] == f.Subscription {
			delete(c.subs, f.Topic)
		}
		c.mu.Unlock()
		c.logger.Info("subscription_lost", zap.String("topic", f.Topic), zap.String("code", f.Code))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.Subscribe(ctx, f.Topic); err != nil && !errors.Is(err, ErrClosed) {
				c.logger.Warn("resubscribe_failed", zap.String("topic", f.Topic), zap.Error(err))
			}
		}()
		return
	}

	if f.Type == protocol.TypeError {
		c.logger.Warn("server_error", zap.String("code", f.Code), zap.String("message", f.Message))
	}
}

// Subscribe makes topic live. A topic seen for the first time is seeded from a
// snapshot; later calls resume from the last applied event. A replay gap falls
// back to a snapshot refetch.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	_, live := c.subs[topic]
	seeded := c.seeded[topic]
	c.mu.Unlock()
	if live {
		return nil
	}
	if !seeded {
		return c.resync(ctx, topic)
	}

	err := c.subscribeFrom(ctx, topic, c.cache.LastEventID(topic))
	if errors.Is(err, errs.ErrGapTooLarge) {
		c.logger.Info("replay_gap", zap.String("topic", topic))
		return c.resync(ctx, topic)
	}
	return err
}

func (c *Client) subscribeFrom(ctx context.Context, topic string, since uint64) error {
	resp, err := c.request(ctx, protocol.ClientFrame{Type: protocol.TypeSubscribe, Topic: topic, Since: &since})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[topic] = resp.Subscription
	c.mu.Unlock()
	c.logger.Debug("subscribed", zap.String("topic", topic), zap.Uint64("since", since), zap.Int("replayed", resp.Replayed))
	return nil
}

// resync replaces the topic view with a fresh snapshot and subscribes from its head.
func (c *Client) resync(ctx context.Context, topic string) error {
	var err error
	for attempt := 0; attempt < maxResyncAttempts; attempt++ {
		var snap *services.Snapshot
		snap, err = c.Snapshot(ctx, topic)
		if err != nil {
			return err
		}

		failed := c.cache.ReconcileSnapshot(topic, entities(topic, snap), snap.Head, time.Now())
		c.mu.Lock()
		c.seeded[topic] = true
		c.mu.Unlock()
		c.reportFailed(failed)
		c.notify(topic)

		err = c.subscribeFrom(ctx, topic, snap.Head)
		if !errors.Is(err, errs.ErrGapTooLarge) {
			return err
		}
	}
	return err
}

func entities(topic string, snap *services.Snapshot) []reconcile.Entity {
	if snap.Presence != nil {
		raw, _ := json.Marshal(snap.Presence)
		return []reconcile.Entity{{ID: snap.Presence.UserID, Type: models.EntityPresence, Payload: raw}}
	}
	table, _ := models.TableForTopic(topic)
	out := make([]reconcile.Entity, 0, len(snap.Records))
	for _, rec := range snap.Records {
		out = append(out, reconcile.FromRecord(table, *rec))
	}
	return out
}

// Snapshot fetches the current state of topic over HTTP.
func (c *Client) Snapshot(ctx context.Context, topic string) (*services.Snapshot, error) {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/topics/" + url.PathEscape(topic) + "/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("snapshot %s: status %d: %s", topic, resp.StatusCode, body.Error)
	}

	var snap services.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// Unsubscribe stops live delivery for topic. The cached view is kept.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	id, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := c.request(ctx, protocol.ClientFrame{Type: protocol.TypeUnsubscribe, Subscription: id})
	return err
}

// Post writes a new row and shows it optimistically until its change event arrives.
// It returns the correlation id of the pending entry.
func (c *Client) Post(ctx context.Context, table, scope string, payload json.RawMessage) (string, error) {
	topic, err := models.TopicForRecord(table, scope)
	if err != nil {
		return "", err
	}
	correlationID := uuid.New().String()
	id := uuid.New().String()

	c.cache.ApplyOptimistic(topic, correlationID, reconcile.Entity{ID: id, Type: table, Payload: payload})
	c.notify(topic)

	_, err = c.request(ctx, protocol.ClientFrame{
		Type: protocol.TypeWrite,
		WriteRequest: services.WriteRequest{
			Op:            models.KindInsert,
			Table:         table,
			Scope:         scope,
			ID:            id,
			CorrelationID: correlationID,
			Payload:       payload,
		},
	})
	if err != nil {
		if entry, ok := c.cache.MarkFailed(topic, correlationID); ok {
			c.reportFailed([]reconcile.Entry{entry})
			c.notify(topic)
		}
		return correlationID, err
	}
	return correlationID, nil
}

// SetStatus declares the session's presence status and sends it at once.
func (c *Client) SetStatus(status models.PresenceStatus) error {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	return c.send(protocol.ClientFrame{Type: protocol.TypeHeartbeat, Status: status})
}

func (c *Client) heartbeatLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			status := c.status
			c.mu.Unlock()
			if err := c.send(protocol.ClientFrame{Type: protocol.TypeHeartbeat, Status: status}); err != nil && !errors.Is(err, ErrClosed) {
				c.logger.Warn("heartbeat_failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) expireLoop(every time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case now := <-ticker.C:
			failed := c.cache.Expire(now)
			c.reportFailed(failed)
			topics := make(map[string]bool)
			for _, e := range failed {
				topics[e.Topic] = true
			}
			for topic := range topics {
				c.notify(topic)
			}
		}
	}
}

func (c *Client) reportFailed(entries []reconcile.Entry) {
	if c.cfg.OnFailed == nil {
		return
	}
	for _, e := range entries {
		c.cfg.OnFailed(e)
	}
}
