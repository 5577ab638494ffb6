package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/karzina/internal/session"
)

// Store persists purchase history in Postgres. It backs both the matcher's
// preference hints and the planner's "what do you usually buy" suggestions.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres connection using an explicit DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// CreateUser inserts an account with a pre-hashed password.
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

// GetUserByEmail looks up an account for login.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// RecentPurchases returns the newest purchase lines first.
func (s *Store) RecentPurchases(ctx context.Context, limit int) ([]session.PastPurchase, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT store_id, product_name, quantity, unit, price, bought_at
		FROM purchases
		ORDER BY bought_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying purchases: %w", err)
	}
	defer rows.Close()

	var out []session.PastPurchase
	for rows.Next() {
		var p session.PastPurchase
		if err := rows.Scan(&p.StoreID, &p.ProductName, &p.Quantity, &p.Unit, &p.Price, &p.BoughtAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordBasket writes every matched line of a checked-out basket as purchase
// history. Unmatched lines never reached the cart and are skipped.
func (s *Store) RecordBasket(ctx context.Context, basket *session.PlannedBasket, items []session.DraftItem) error {
	units := make(map[string]string, len(items))
	for _, it := range items {
		units[it.ID] = it.Unit
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	for _, line := range basket.Items {
		if line.Match == nil {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO purchases (store_id, product_id, product_name, quantity, unit, price, bought_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			basket.StoreID, line.Match.ID, line.Match.Name, line.Quantity, units[line.ItemID], line.Match.Price, now)
		if err != nil {
			return fmt.Errorf("recording purchase of %s: %w", line.Match.Name, err)
		}
	}
	return tx.Commit()
}
