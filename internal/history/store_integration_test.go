package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/karzina/internal/session"
)

const testSchema = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;
CREATE TABLE purchases (
    id           BIGSERIAL PRIMARY KEY,
    store_id     TEXT NOT NULL,
    product_id   TEXT NOT NULL,
    product_name TEXT NOT NULL,
    quantity     DOUBLE PRECISION NOT NULL DEFAULT 1,
    unit         TEXT NOT NULL DEFAULT '',
    price        DOUBLE PRECISION NOT NULL DEFAULT 0,
    bought_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE users (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("karzina"),
		tcPostgres.WithUsername("karzina"),
		tcPostgres.WithPassword("karzina"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://karzina:karzina@%s:%s/karzina?sslmode=disable", host, port.Port())
	var store *Store
	deadline := time.Now().Add(30 * time.Second)
	for {
		store, err = NewWithDSN(ctx, dsn)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connecting to postgres: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
	if _, err := store.DB.ExecContext(ctx, testSchema); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	return store
}

func TestRecordAndReadBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	items := []session.DraftItem{
		{ID: "i1", Name: "Milk", Quantity: 2, Unit: "l"},
		{ID: "i2", Name: "Caviar", Quantity: 1, Unit: "pcs"},
	}
	basket := &session.PlannedBasket{
		StoreID: "greenmart",
		Items: []session.PlannedItem{
			{ItemID: "i1", Match: &session.Candidate{ID: "m1", Name: "Whole Milk 1l", Price: 50}, Quantity: 2, LineTotal: 100},
			{ItemID: "i2"}, // unmatched, must not be recorded
		},
	}
	if err := store.RecordBasket(ctx, basket, items); err != nil {
		t.Fatalf("record: %v", err)
	}

	purchases, err := store.RecentPurchases(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(purchases) != 1 {
		t.Fatalf("expected one purchase line, got %d", len(purchases))
	}
	p := purchases[0]
	if p.StoreID != "greenmart" || p.ProductName != "Whole Milk 1l" || p.Quantity != 2 || p.Unit != "l" {
		t.Fatalf("unexpected purchase %+v", p)
	}
}

func TestUsersRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateUser(ctx, "a@b.example", "hash"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	id, hash, err := store.GetUserByEmail(ctx, "a@b.example")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if id == "" || hash != "hash" {
		t.Fatalf("unexpected user id=%q hash=%q", id, hash)
	}
	if err := store.CreateUser(ctx, "a@b.example", "hash2"); err == nil {
		t.Fatalf("duplicate email must fail")
	}
}
