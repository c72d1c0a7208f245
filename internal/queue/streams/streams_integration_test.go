package streams_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/eventbus"
	"github.com/mohammad-safakhou/fivediag/internal/queue/streams"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMirrorAndArchive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()
	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer func() { _ = client.Close() }()

	reg := streams.NewSchemaRegistry()
	if err := streams.RegisterLifecycleSchemas(reg); err != nil {
		t.Fatalf("register schemas: %v", err)
	}
	pub := streams.NewPublisher(client, reg)
	const eventsStream, deadStream = "test.events", "test.deadletters"
	if err := streams.EnsureGroup(ctx, client, eventsStream, "probe", "0"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	bus := eventbus.New(eventbus.Config{MaxAttempts: 1, RetryDelay: time.Millisecond},
		eventbus.WithDeadLetterSink(streams.NewDeadLetterArchive(pub, deadStream, 100)))
	streams.NewMirror(pub, eventsStream, 100, nil).Attach(bus)

	handled, err := bus.PublishSync(ctx, eventbus.Event{
		ID:        "e-1",
		SessionID: "s-1",
		Type:      diagnosis.EventSessionFailed,
		Payload:   map[string]any{"error": "fusion failed"},
		Timestamp: time.Now(),
	})
	if err != nil || !handled {
		t.Fatalf("expected mirror to handle event: %v %v", handled, err)
	}
	handled, _ = bus.PublishSync(ctx, eventbus.Event{
		ID:        "e-2",
		SessionID: "s-1",
		Type:      diagnosis.EventSessionFailed,
		Payload:   map[string]any{"reason": "missing error field"},
	})
	if handled {
		t.Fatalf("expected schema rejection to leave the event unhandled")
	}

	consumer := streams.NewConsumer(client, reg, "probe", "tester")
	msgs, err := consumer.Read(ctx, eventsStream, streams.ReadOptions{Count: 10})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Envelope.SessionID != "s-1" || msgs[0].Envelope.EventID != "e-1" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	lag, err := consumer.Lag(ctx, eventsStream)
	if err != nil {
		t.Fatalf("lag: %v", err)
	}
	if lag.Pending != 1 || lag.Length != 1 {
		t.Fatalf("unexpected lag %+v", lag)
	}
	if err := consumer.Ack(ctx, eventsStream, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if err := bus.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	n, err := client.XLen(ctx, deadStream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one archived dead letter, got %d", n)
	}
}
