package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/fanout"
	"github.com/prudhvinik1/livesync/internal/hub"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/reconcile"
	"github.com/prudhvinik1/livesync/internal/services"
	"github.com/prudhvinik1/livesync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedRecords stores rows in memory and emits their change events the way the
// Postgres trigger does, some time after the write returns.
type feedRecords struct {
	mu    sync.Mutex
	rows  []*models.Record
	fan   *fanout.Fanout
	delay time.Duration
	fail  bool
	emit  bool
}

func (f *feedRecords) Insert(ctx context.Context, rec *models.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("database unavailable")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = time.Now().UTC()
	cp := *rec
	f.rows = append(f.rows, &cp)

	if f.emit {
		row, _ := json.Marshal(cp)
		change := models.Change{
			Topic:           cp.Topic,
			Kind:            models.KindInsert,
			EntityType:      rec.Table,
			EntityID:        cp.ID.String(),
			CorrelationID:   cp.CorrelationID,
			Payload:         row,
			EntityCreatedAt: cp.CreatedAt,
		}
		go func() {
			time.Sleep(f.delay)
			f.fan.PublishChange(context.Background(), change)
		}()
	}
	return nil
}

func (f *feedRecords) Update(context.Context, string, uuid.UUID, json.RawMessage) (*models.Record, error) {
	return nil, errs.ErrNotFound
}

func (f *feedRecords) Delete(context.Context, string, uuid.UUID) error { return errs.ErrNotFound }

func (f *feedRecords) ListByTopic(_ context.Context, _, topic string, _ int) ([]*models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Record
	for _, rec := range f.rows {
		if rec.Topic == topic {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

type env struct {
	hub     *hub.Hub
	records *feedRecords
	url     string
}

func newEnv(t *testing.T, retention int) *env {
	t.Helper()
	records := &feedRecords{emit: true, delay: 20 * time.Millisecond}
	h := hub.Assemble(hub.Config{
		Fanout:    fanout.Config{RetentionCount: retention},
		Writes:    services.WriteLimits{Rate: 1000, Burst: 1000},
		JWTSecret: "secret",
		JWTExpiry: time.Hour,
	}, hub.Stores{Events: fanout.NewMemoryStore(), Records: records}, nil, nil)
	records.fan = h.Fanout

	srv := httptest.NewServer(transport.NewServer(h, transport.Options{}).Router())
	t.Cleanup(func() {
		srv.Close()
		h.Close(context.Background())
	})
	return &env{hub: h, records: records, url: srv.URL}
}

func (e *env) dial(t *testing.T, userID string, cfg Config) *Client {
	t.Helper()
	token, _, err := e.hub.Auth.IssueToken(userID)
	require.NoError(t, err)
	cfg.BaseURL = e.url
	cfg.Token = token

	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (e *env) insert(t *testing.T, topic string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := &models.Record{Table: models.TablePosts, Topic: topic, AuthorID: "seed", Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))}
		require.NoError(t, e.records.Insert(context.Background(), rec))
	}
}

func states(entries []reconcile.Entry) []reconcile.State {
	out := make([]reconcile.State, len(entries))
	for i, e := range entries {
		out[i] = e.State
	}
	return out
}

func TestClient_PostIsConfirmedWithoutDuplicate(t *testing.T) {
	// ARRANGE
	e := newEnv(t, 100)
	c := e.dial(t, "u1", Config{})
	ctx := context.Background()
	require.NoError(t, c.Subscribe(ctx, models.TopicFeed))

	// ACT
	corr, err := c.Post(ctx, models.TablePosts, "", json.RawMessage(`{"body":"hello"}`))
	require.NoError(t, err)
	pending := c.View(models.TopicFeed)

	// ASSERT
	require.Len(t, pending, 1)
	assert.Equal(t, corr, pending[0].CorrelationID)

	require.Eventually(t, func() bool {
		view := c.View(models.TopicFeed)
		return len(view) == 1 && view[0].State == reconcile.StateConfirmed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, c.View(models.TopicFeed), 1)
	assert.Equal(t, uint64(1), c.Cache().LastEventID(models.TopicFeed))
}

func TestClient_SeedsFromSnapshot(t *testing.T) {
	e := newEnv(t, 100)
	e.insert(t, models.TopicFeed, 3)
	require.Eventually(t, func() bool {
		head, _ := e.hub.Fanout.Head(models.TopicFeed)
		return head == 3
	}, 2*time.Second, 5*time.Millisecond)

	c := e.dial(t, "u1", Config{})
	require.NoError(t, c.Subscribe(context.Background(), models.TopicFeed))

	view := c.View(models.TopicFeed)
	assert.Len(t, view, 3)
	assert.Equal(t, []reconcile.State{reconcile.StateConfirmed, reconcile.StateConfirmed, reconcile.StateConfirmed}, states(view))
	assert.Equal(t, uint64(3), c.Cache().LastEventID(models.TopicFeed))
}

func TestClient_GapFallsBackToSnapshot(t *testing.T) {
	// ARRANGE
	e := newEnv(t, 10)
	c := e.dial(t, "u1", Config{})
	ctx := context.Background()
	require.NoError(t, c.Subscribe(ctx, models.TopicFeed))
	require.NoError(t, c.Unsubscribe(ctx, models.TopicFeed))

	e.insert(t, models.TopicFeed, 25)
	require.Eventually(t, func() bool {
		head, _ := e.hub.Fanout.Head(models.TopicFeed)
		return head == 25
	}, 2*time.Second, 5*time.Millisecond)

	// ACT
	err := c.Subscribe(ctx, models.TopicFeed)

	// ASSERT
	require.NoError(t, err)
	assert.Len(t, c.View(models.TopicFeed), 25)
	assert.Equal(t, uint64(25), c.Cache().LastEventID(models.TopicFeed))

	e.insert(t, models.TopicFeed, 1)
	require.Eventually(t, func() bool {
		return len(c.View(models.TopicFeed)) == 26
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_RejectedWriteIsMarkedFailed(t *testing.T) {
	e := newEnv(t, 100)
	var mu sync.Mutex
	var failed []reconcile.Entry
	c := e.dial(t, "u1", Config{OnFailed: func(entry reconcile.Entry) {
		mu.Lock()
		failed = append(failed, entry)
		mu.Unlock()
	}})
	e.records.mu.Lock()
	e.records.fail = true
	e.records.mu.Unlock()

	corr, err := c.Post(context.Background(), models.TableMessages, "c1", json.RawMessage(`{}`))

	require.ErrorIs(t, err, errs.ErrPublishRejected)
	view := c.View(models.ConversationTopic("c1"))
	require.Len(t, view, 1)
	assert.Equal(t, reconcile.StateFailed, view[0].State)
	mu.Lock()
	require.Len(t, failed, 1)
	assert.Equal(t, corr, failed[0].CorrelationID)
	mu.Unlock()

	assert.True(t, c.Cache().Discard(models.ConversationTopic("c1"), corr))
	assert.Empty(t, c.View(models.ConversationTopic("c1")))
}

func TestClient_UnconfirmedWriteExpires(t *testing.T) {
	e := newEnv(t, 100)
	e.records.mu.Lock()
	e.records.emit = false
	e.records.mu.Unlock()
	c := e.dial(t, "u1", Config{GracePeriod: 100 * time.Millisecond})

	_, err := c.Post(context.Background(), models.TablePosts, "", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view := c.View(models.TopicFeed)
		return len(view) == 1 && view[0].State == reconcile.StateFailed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClient_StatusReachesPresence(t *testing.T) {
	e := newEnv(t, 100)
	watcher := e.dial(t, "watcher", Config{})
	require.NoError(t, watcher.Subscribe(context.Background(), models.PresenceTopic("u7")))
	require.Len(t, watcher.View(models.PresenceTopic("u7")), 1)

	c := e.dial(t, "u7", Config{})
	require.NoError(t, c.SetStatus(models.StatusAway))

	require.Eventually(t, func() bool {
		return e.hub.Presence.Status("u7") == models.StatusAway
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		view := watcher.View(models.PresenceTopic("u7"))
		if len(view) != 1 {
			return false
		}
		var p models.UserPresence
		return json.Unmarshal(view[0].Payload, &p) == nil && p.Status == models.StatusAway
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDial_Unauthorized(t *testing.T) {
	e := newEnv(t, 100)

	_, err := Dial(context.Background(), Config{BaseURL: e.url, Token: "bogus"})

	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}
