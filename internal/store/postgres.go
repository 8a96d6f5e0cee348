package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"paynotify/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	dir, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, p.db, dir)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

const subscriptionColumns = `id::text, name, target_url, event_types, secret, active, max_retries, backoff_base_ms, request_timeout_ms, created_at, updated_at`

func (p *Postgres) CreateSubscription(ctx context.Context, s model.Subscription) error {
	ev, err := encodeEventTypes(s.EventTypes)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, name, target_url, event_types, secret, active, max_retries, backoff_base_ms, request_timeout_ms, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.ID, s.Name, s.TargetURL, ev, s.Secret, s.Active, s.MaxRetries, s.BackoffBaseMs, s.RequestTimeoutMs, s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *Postgres) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id::text=$1`, id)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	return s, err
}

func (p *Postgres) UpdateSubscription(ctx context.Context, s model.Subscription) error {
	ev, err := encodeEventTypes(s.EventTypes)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE subscriptions SET name=$2, target_url=$3, event_types=$4, active=$5,
        max_retries=$6, backoff_base_ms=$7, request_timeout_ms=$8, updated_at=$9 WHERE id::text=$1`,
		s.ID, s.Name, s.TargetURL, ev, s.Active, s.MaxRetries, s.BackoffBaseMs, s.RequestTimeoutMs, s.UpdatedAt)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (p *Postgres) SetSecret(ctx context.Context, id, secret string, updatedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE subscriptions SET secret=$2, updated_at=$3 WHERE id::text=$1`, id, secret, updatedAt)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id::text=$1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (p *Postgres) ListSubscriptions(ctx context.Context, activeOnly bool) ([]model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY created_at, id`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (model.Subscription, error) {
	var s model.Subscription
	var ev []byte
	if err := row.Scan(&s.ID, &s.Name, &s.TargetURL, &ev, &s.Secret, &s.Active, &s.MaxRetries, &s.BackoffBaseMs, &s.RequestTimeoutMs, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return model.Subscription{}, err
	}
	set, err := decodeEventTypes(ev)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("subscription %s event types: %w", s.ID, err)
	}
	s.EventTypes = set
	return s, nil
}

func encodeEventTypes(set model.EventTypeSet) ([]byte, error) {
	return json.Marshal(set.Slice())
}

func decodeEventTypes(b []byte) (model.EventTypeSet, error) {
	if len(b) == 0 {
		return model.EventTypeSet{}, nil
	}
	var tags []string
	if err := json.Unmarshal(b, &tags); err != nil {
		return nil, err
	}
	return model.NewEventTypeSet(tags...), nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
