package worker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/queue/streams"
	"github.com/mohammad-safakhou/fivediag/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestProjectorAgainstRedis(t *testing.T) {
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

	const stream = "fivediag.events"
	if err := streams.EnsureGroup(ctx, client, stream, worker.DefaultGroup, "0"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	schemas := streams.NewSchemaRegistry()
	if err := streams.RegisterLifecycleSchemas(schemas); err != nil {
		t.Fatalf("schemas: %v", err)
	}
	pub := streams.NewPublisher(client, schemas)
	events := []struct {
		typ     string
		payload map[string]any
	}{
		{diagnosis.EventSessionCreated, map[string]any{"patient_id": "p1", "modalities": []string{"inquiry", "look"}, "mode": "parallel"}},
		{diagnosis.EventSessionStarted, map[string]any{"mode": "parallel"}},
		{diagnosis.EventModalityCompleted, map[string]any{"modality": "inquiry", "confidence": 0.9}},
		{diagnosis.EventFusionCompleted, map[string]any{"primary_syndrome": "qi-deficiency", "overall_confidence": 0.7, "completeness": 0.4}},
		{diagnosis.EventSessionCompleted, map[string]any{"duration": "1s"}},
	}
	for _, ev := range events {
		if _, err := pub.PublishRaw(ctx, stream, ev.typ, "s1", streams.PayloadVersion, ev.payload); err != nil {
			t.Fatalf("publish %s: %v", ev.typ, err)
		}
	}

	st := worker.NewRedisStore(client, "test", time.Hour)
	consumer := streams.NewConsumer(client, schemas, worker.DefaultGroup, "auditor-1")
	proc := worker.NewProjector(nil, st, consumer, stream, nil)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- proc.Start(runCtx) }()

	var rec worker.SessionRecord
	deadline := time.Now().Add(10 * time.Second)
	for {
		var ok bool
		rec, ok, err = st.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ok && rec.Status == string(diagnosis.StatusCompleted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record not completed: %+v", rec)
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	if rec.Events != 5 || rec.Completed != 1 || rec.PatientID != "p1" || rec.PrimarySyndrome != "qi-deficiency" {
		t.Fatalf("unexpected record %+v", rec)
	}
	lag, err := consumer.Lag(ctx, stream)
	if err != nil {
		t.Fatalf("lag: %v", err)
	}
	if lag.Pending != 0 {
		t.Fatalf("expected everything acked, got %+v", lag)
	}
}
