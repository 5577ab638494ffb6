package redisstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/karzina/internal/session"
)

func TestRedisStoreRoundTrip(t *testing.T) {
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

	client, err := Conn(ctx, fmt.Sprintf("%s:%s", host, port.Port()), "", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	store := NewStore(client, time.Hour)

	sess := &session.ShoppingSession{
		ID:        "s1",
		State:     session.StateDrafting,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Items:     []session.DraftItem{{ID: "i1", Name: "Milk", Quantity: 2, Unit: "l"}},
	}
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "s1" || got.State != session.StateDrafting {
		t.Fatalf("unexpected session %+v", got)
	}
	if len(got.Items) != 1 || got.Items[0].Name != "Milk" {
		t.Fatalf("items did not survive the round trip: %+v", got.Items)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
