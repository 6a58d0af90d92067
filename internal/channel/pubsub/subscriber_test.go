package pubsub_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	chanpubsub "github.com/JakeFAU/progress-coordinator/internal/channel/pubsub"
	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

func newSubscription(t *testing.T) (*pubsub.Topic, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "progress")
	require.NoError(t, err)
	t.Cleanup(topic.Stop)
	sub, err := client.CreateSubscription(ctx, "progress-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)
	return topic, sub
}

func TestSubscriberDispatchesByAttributeAndEnvelope(t *testing.T) {
	t.Parallel()

	topic, sub := newSubscription(t)
	s := chanpubsub.NewSubscriber(sub, nil)

	got := make(chan string, 4)
	_, err := s.Subscribe("scrape_started", func(p []byte) { got <- "started " + string(p) })
	require.NoError(t, err)
	_, err = s.Subscribe("scrape_complete", func(p []byte) { got <- "complete " + string(p) })
	require.NoError(t, err)

	reconnects := make(chan struct{}, 1)
	s.OnReconnect(func() { reconnects <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	pctx := context.Background()
	_, err = topic.Publish(pctx, &pubsub.Message{
		Data:       []byte(`{"runId":"r1"}`),
		Attributes: map[string]string{chanpubsub.EventAttribute: "scrape_started"},
	}).Get(pctx)
	require.NoError(t, err)

	select {
	case msg := <-got:
		require.Equal(t, `started {"runId":"r1"}`, msg)
	case <-time.After(10 * time.Second):
		t.Fatal("attribute message not dispatched")
	}

	_, err = topic.Publish(pctx, &pubsub.Message{Data: []byte("not json")}).Get(pctx)
	require.NoError(t, err)
	_, err = topic.Publish(pctx, &pubsub.Message{
		Data: []byte(`{"event":"scrape_complete","data":{"runId":"r1"}}`),
	}).Get(pctx)
	require.NoError(t, err)

	select {
	case msg := <-got:
		require.Equal(t, `complete {"runId":"r1"}`, msg)
	case <-time.After(10 * time.Second):
		t.Fatal("envelope message not dispatched")
	}

	select {
	case <-reconnects:
	default:
		t.Fatal("reconnect hooks did not run on start")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubscriberSerializesCallbacks(t *testing.T) {
	t.Parallel()

	_, sub := newSubscription(t)
	chanpubsub.NewSubscriber(sub, nil)
	require.Equal(t, 1, sub.ReceiveSettings.NumGoroutines)
	require.Equal(t, 1, sub.ReceiveSettings.MaxOutstandingMessages)
}

func TestSubscriberRoutesErrorsByKind(t *testing.T) {
	t.Parallel()

	topic, sub := newSubscription(t)
	s := chanpubsub.NewSubscriber(sub, nil)

	got := make(chan string, 2)
	_, err := s.SubscribeKind(progress.KindError, func(event string, p []byte) { got <- event + " " + string(p) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	pctx := context.Background()
	_, err = topic.Publish(pctx, &pubsub.Message{
		Data:       []byte(`{"runId":"r1","error":"timeout"}`),
		Attributes: map[string]string{chanpubsub.EventAttribute: "osint_error"},
	}).Get(pctx)
	require.NoError(t, err)

	select {
	case msg := <-got:
		require.Equal(t, `osint_error {"runId":"r1","error":"timeout"}`, msg)
	case <-time.After(10 * time.Second):
		t.Fatal("error message not routed by kind")
	}
}
