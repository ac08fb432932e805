package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/fanout"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const insertPayload = `{"table":"posts","op":"insert","id":"6f1c","topic":"feed","correlation_id":"abc",
"created_at":"2024-02-01T10:00:00.123456+00:00","row":{"id":"6f1c","payload":{"body":"hi"}}}`

func TestDecode_Insert(t *testing.T) {
	change, err := Decode(insertPayload)
	require.NoError(t, err)

	assert.Equal(t, "feed", change.Topic)
	assert.Equal(t, models.KindInsert, change.Kind)
	assert.Equal(t, "posts", change.EntityType)
	assert.Equal(t, "6f1c", change.EntityID)
	assert.Equal(t, "abc", change.CorrelationID)
	assert.Equal(t, 2024, change.EntityCreatedAt.Year())
	assert.JSONEq(t, `{"id":"6f1c","payload":{"body":"hi"}}`, string(change.Payload))
}

func TestDecode_DeleteHasNoPayload(t *testing.T) {
	change, err := Decode(`{"table":"messages","op":"delete","id":"m1","topic":"conversation:c1","row":null}`)
	require.NoError(t, err)
	assert.Equal(t, models.KindDelete, change.Kind)
	assert.Nil(t, change.Payload)
}

func TestDecode_Rejects(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"table":"posts","op":"truncate","id":"x","topic":"feed"}`,
		`{"table":"posts","op":"insert","id":"","topic":"feed"}`,
	} {
		_, err := Decode(payload)
		assert.ErrorIs(t, err, errs.ErrInvalidArgument, payload)
	}
}

type fakeConn struct {
	mu       sync.Mutex
	execs    []string
	payloads chan string
	fail     error
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	c.execs = append(c.execs, sql)
	c.mu.Unlock()
	return pgconn.NewCommandTag("LISTEN"), nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case p, ok := <-c.payloads:
		if !ok {
			return nil, c.fail
		}
		return &pgconn.Notification{Channel: Channel, Payload: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestListener_RunPublishesAndReconnects(t *testing.T) {
	fan := fanout.New(fanout.NewMemoryStore(), fanout.Config{}, nil, nil)

	first := &fakeConn{payloads: make(chan string, 2), fail: errors.New("conn lost")}
	first.payloads <- insertPayload
	first.payloads <- `garbage`
	close(first.payloads)
	second := &fakeConn{payloads: make(chan string, 1)}
	second.payloads <- `{"table":"posts","op":"update","id":"6f1c","topic":"feed","row":{"id":"6f1c"}}`

	var mu sync.Mutex
	conns := []*fakeConn{first, second}
	acquire := func(context.Context) (Conn, func(), error) {
		mu.Lock()
		defer mu.Unlock()
		c := conns[0]
		if len(conns) > 1 {
			conns = conns[1:]
		}
		return c, func() {}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewListener(acquire, fan, nil, nil).Run(ctx) }()

	require.Eventually(t, func() bool {
		head, _ := fan.Head("feed")
		return head == 2
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events, err := fan.Retained("feed")
	require.NoError(t, err)
	assert.Equal(t, models.KindInsert, events[0].Kind)
	assert.Equal(t, "abc", events[0].CorrelationID)
	assert.Equal(t, models.KindUpdate, events[1].Kind)
	assert.Equal(t, []string{`LISTEN "live_changes"`}, first.execs)
	assert.Equal(t, []string{`LISTEN "live_changes"`}, second.execs)
}

type fakeRows struct {
	rows map[uuid.UUID]*models.Record
	err  error
}

func (f *fakeRows) Get(_ context.Context, table string, id uuid.UUID) (*models.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.rows[id]
	if !ok || rec.Table != table {
		return nil, errs.ErrNotFound
	}
	return rec, nil
}

func TestListener_HandleLoadsRowForKeysOnlyNotification(t *testing.T) {
	// ARRANGE: a row far above the NOTIFY size cap, announced by keys only
	fan := fanout.New(fanout.NewMemoryStore(), fanout.Config{}, nil, nil)
	id := uuid.New()
	big := make([]byte, 20000)
	for i := range big {
		big[i] = 'x'
	}
	body, err := json.Marshal(map[string]string{"body": string(big)})
	require.NoError(t, err)
	rows := &fakeRows{rows: map[uuid.UUID]*models.Record{
		id: {ID: id, Table: models.TablePosts, Topic: "feed", AuthorID: "u1", CorrelationID: "abc", Payload: body},
	}}
	l := NewListener(nil, fan, rows, nil)

	// ACT
	l.Handle(context.Background(), `{"table":"posts","op":"insert","id":"`+id.String()+`","topic":"feed","correlation_id":"abc"}`)

	// ASSERT
	events, err := fan.Retained("feed")
	require.NoError(t, err)
	require.Len(t, events, 1)
	var rec models.Record
	require.NoError(t, json.Unmarshal(events[0].Payload, &rec))
	assert.Equal(t, id, rec.ID)
	assert.JSONEq(t, string(body), string(rec.Payload))
	assert.Equal(t, "abc", events[0].CorrelationID)
}

func TestListener_HandleSkipsVanishedRow(t *testing.T) {
	fan := fanout.New(fanout.NewMemoryStore(), fanout.Config{}, nil, nil)
	l := NewListener(nil, fan, &fakeRows{}, nil)

	l.Handle(context.Background(), `{"table":"posts","op":"update","id":"`+uuid.NewString()+`","topic":"feed"}`)
	l.Handle(context.Background(), `{"table":"posts","op":"delete","id":"`+uuid.NewString()+`","topic":"feed"}`)

	events, err := fan.Retained("feed")
	require.NoError(t, err)
	require.Len(t, events, 1, "only the delete is published")
	assert.Equal(t, models.KindDelete, events[0].Kind)
	assert.Nil(t, events[0].Payload)
}

func TestListener_HandlePublishesWithoutRowOnLoadError(t *testing.T) {
	fan := fanout.New(fanout.NewMemoryStore(), fanout.Config{}, nil, nil)
	l := NewListener(nil, fan, &fakeRows{err: errors.New("pool closed")}, nil)

	l.Handle(context.Background(), `{"table":"posts","op":"insert","id":"`+uuid.NewString()+`","topic":"feed","correlation_id":"c9"}`)

	events, err := fan.Retained("feed")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "c9", events[0].CorrelationID)
	assert.Nil(t, events[0].Payload)
}
