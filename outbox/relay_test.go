package outbox_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/custody"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/test/infra"
)

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	pub := outbox.LogPublisher{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	err := pub.Publish(context.Background(), outbox.Message{
		ID:      7,
		Topic:   escrow.OutboxTopicOrderCreated,
		Payload: json.RawMessage(`{"order_id":"o-1"}`),
	})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "outbox message", line["msg"])
	assert.Equal(t, "order.created", line["topic"])
	assert.Equal(t, float64(7), line["id"])
	assert.JSONEq(t, `{"order_id":"o-1"}`, line["payload"].(string))
}

func TestPublisherFunc(t *testing.T) {
	var got []string
	pub := outbox.PublisherFunc(func(_ context.Context, m outbox.Message) error {
		got = append(got, m.Topic)
		return nil
	})
	require.NoError(t, pub.Publish(context.Background(), outbox.Message{Topic: "a"}))
	assert.Equal(t, []string{"a"}, got)
}

// TestRelay_Integration needs a live PostgreSQL reachable through DATABASE_URL.
func TestRelay_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, true)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Close()
		_ = teardown(context.Background())
	})

	repo := escrow.NewPGRepository(pool)
	require.NoError(t, repo.Deposit(ctx, "alice", custody.Native(), 500))
	svc := escrow.NewService(repo)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	o, err := svc.CreateOrder(ctx, escrow.CreateOrderParams{
		Importer:         "alice",
		Exporter:         "bob",
		Verifier:         "victor",
		Amount:           500,
		ProposedDeadline: now.Add(72 * time.Hour),
	}, now)
	require.NoError(t, err)
	_, err = svc.ApproveDeadline(ctx, o.ID, "alice", now)
	require.NoError(t, err)

	failing := outbox.NewRelay(pool, outbox.PublisherFunc(func(context.Context, outbox.Message) error {
		return errors.New("broker down")
	}))
	n, err := failing.Drain(ctx)
	require.Error(t, err)
	assert.Zero(t, n)

	var topics []string
	var observed int
	relay := outbox.NewRelay(pool, outbox.PublisherFunc(func(_ context.Context, m outbox.Message) error {
		topics = append(topics, m.Topic)
		return nil
	}), outbox.WithBatchSize(1), outbox.WithObserver(func(n int) { observed += n }))

	pending, err := relay.Pending(ctx)
	require.NoError(t, err)
	require.Positive(t, pending)

	for i := int64(0); i < pending; i++ {
		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	n, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, escrow.OutboxTopicOrderCreated, topics[0])
	assert.Contains(t, topics, escrow.OutboxTopicOrderStateChanged)
	assert.Equal(t, int(pending), observed)

	left, err := relay.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)
}
