package children

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-toy/pkg/core/pairing"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Postgres is a child store backed by the child_profiles table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// OpenPostgres connects to databaseURL and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded migrations. It returns the number of
// migrations applied by this call.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return 0, err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return 0, fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	return len(results), nil
}

const selectChild = `SELECT id, device_id, name, age, created_at FROM child_profiles WHERE id = $1`

func (p *Postgres) LookupChild(ctx context.Context, childID string) (pairing.ChildProfile, error) {
	row := p.pool.QueryRow(ctx, selectChild, childID)
	profile, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pairing.ChildProfile{}, pairing.ErrChildNotFound
	}
	if err != nil {
		return pairing.ChildProfile{}, fmt.Errorf("lookup child: %w", err)
	}
	return profile, nil
}

// RegisterChild inserts profile. A concurrent registration of the same id
// wins; the stored row is returned either way.
func (p *Postgres) RegisterChild(ctx context.Context, profile pairing.ChildProfile) (pairing.ChildProfile, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO child_profiles (id, device_id, name, age)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, device_id, name, age, created_at`,
		profile.ID, profile.DeviceID, profile.Name, profile.Age)
	stored, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return p.LookupChild(ctx, profile.ID)
	}
	if err != nil {
		return pairing.ChildProfile{}, fmt.Errorf("register child: %w", err)
	}
	return stored, nil
}

func scanProfile(row pgx.Row) (pairing.ChildProfile, error) {
	var profile pairing.ChildProfile
	err := row.Scan(&profile.ID, &profile.DeviceID, &profile.Name, &profile.Age, &profile.CreatedAt)
	return profile, err
}
