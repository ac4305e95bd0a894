// Package store adapts the persistent relational store (tokens, proxies,
// spread_history, server_settings) for the engine. Grounded on the teacher's
// repository/postgres.go: pgxpool.Pool, pgxpool.ParseConfig with
// DB_MAX_OPEN_CONNS/DB_MAX_IDLE_CONNS env overrides, Migrate reading a schema
// file, and the bulk CopyFrom/UNNEST insert patterns.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"spread-engine/internal/models"
)

// ErrKind classifies a store-layer failure so callers can distinguish a
// context deadline from any other persistence error without string matching.
type ErrKind int

const (
	// KindStore covers any failure other than a context deadline: connection
	// loss, constraint violation, query error.
	KindStore ErrKind = iota
	// KindDeadline means the operation's context expired before completing.
	KindDeadline
)

func (k ErrKind) String() string {
	switch k {
	case KindDeadline:
		return "deadline"
	default:
		return "store"
	}
}

// classify wraps err with a component label and derives its ErrKind from
// whether the context deadline was the proximate cause.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindStore
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindDeadline
	}
	return fmt.Errorf("%s (%s): %w", op, kind, err)
}

// Store is the persistence surface the core depends on.
type Store interface {
	ActiveTokens(ctx context.Context) ([]models.TokenConfig, error)
	AllProxies(ctx context.Context) ([]models.ProxyEntry, error)
	SetProxyHealth(ctx context.Context, id int64, active bool, consecutiveFailCount int, lastUsedAt time.Time) error
	InsertHistoryRows(ctx context.Context, rows []models.HistoryRow) error
	PruneHistory(ctx context.Context, cutoff time.Time) (int64, error)
	Setting(ctx context.Context, key string) (string, bool, error)
	Close()
}

// Postgres is the pgxpool-backed Store implementation.
type Postgres struct {
	db *pgxpool.Pool
}

// New connects to dbURL and returns a ready Postgres store.
func New(ctx context.Context, dbURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	if v := os.Getenv("DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinConns = int32(n)
		}
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return &Postgres{db: pool}, nil
}

// Migrate executes the schema file at path against the database.
func (p *Postgres) Migrate(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := p.db.Exec(context.Background(), string(content)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.db.Close()
}

// ActiveTokens loads every tokens row with active=true.
func (p *Postgres) ActiveTokens(ctx context.Context) ([]models.TokenConfig, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, name, base, quote, dex_allow_list,
			COALESCE(dexa_mint, ''), COALESCE(dexa_decimals, 0),
			COALESCE(dexb_address, ''),
			COALESCE(dexc_address, ''), COALESCE(dexc_decimals, 0),
			COALESCE(cex_symbol_override, ''), COALESCE(cex_price_scale, 0),
			active
		FROM tokens
		WHERE active = true
	`)
	if err != nil {
		return nil, classify("query active tokens", err)
	}
	defer rows.Close()

	var out []models.TokenConfig
	for rows.Next() {
		var t models.TokenConfig
		if err := rows.Scan(
			&t.ID, &t.Name, &t.Base, &t.Quote, &t.DexAllowList,
			&t.DexAMint, &t.DexADecimals,
			&t.DexBAddress,
			&t.DexCAddress, &t.DexCDecimals,
			&t.CexSymbolOverride, &t.CexPriceScale,
			&t.Active,
		); err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AllProxies loads every proxies row regardless of active state, per §4.1
// (probe_all checks every proxy, not just the currently active ones).
func (p *Postgres) AllProxies(ctx context.Context) ([]models.ProxyEntry, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, endpoint_string, scheme, active, consecutive_fail_count, last_used_at
		FROM proxies
	`)
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer rows.Close()

	var out []models.ProxyEntry
	for rows.Next() {
		var pr models.ProxyEntry
		if err := rows.Scan(&pr.ID, &pr.EndpointString, &pr.Scheme, &pr.Active, &pr.ConsecutiveFailCount, &pr.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan proxy row: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// SetProxyHealth commits the outcome of one health probe for a single proxy.
func (p *Postgres) SetProxyHealth(ctx context.Context, id int64, active bool, consecutiveFailCount int, lastUsedAt time.Time) error {
	_, err := p.db.Exec(ctx, `
		UPDATE proxies
		SET active = $2, consecutive_fail_count = $3, last_used_at = $4
		WHERE id = $1
	`, id, active, consecutiveFailCount, lastUsedAt)
	if err != nil {
		return fmt.Errorf("update proxy health: %w", err)
	}
	return nil
}

// InsertHistoryRows bulk-inserts rows via CopyFrom inside a savepoint,
// falling back to a per-row INSERT loop on failure — mirroring the teacher's
// SaveBatch CopyFrom-with-savepoint-fallback pattern.
func (p *Postgres) InsertHistoryRows(ctx context.Context, rows []models.HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}

	tokenIDs, err := p.resolveTokenIDs(ctx, rows)
	if err != nil {
		return fmt.Errorf("resolve token ids: %w", err)
	}

	dbtx, err := p.db.Begin(ctx)
	if err != nil {
		return classify("begin history tx", err)
	}
	defer dbtx.Rollback(ctx)

	used := false
	sub, err := dbtx.Begin(ctx) // savepoint
	if err == nil {
		_, copyErr := sub.CopyFrom(ctx,
			pgx.Identifier{"spread_history"},
			[]string{"token_id", "dex_name", "timestamp", "direct_spread", "reverse_spread", "dex_price", "cex_bid", "cex_ask"},
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				r := rows[i]
				return []any{tokenIDs[r.TokenName], r.Dex, r.Timestamp, r.DirectSpread, r.ReverseSpread, r.DexPrice, r.CexBid, r.CexAsk}, nil
			}),
		)
		if copyErr == nil {
			if err := sub.Commit(ctx); err == nil {
				used = true
			}
		}
		if !used {
			_ = sub.Rollback(ctx)
		}
	}

	if !used {
		for _, r := range rows {
			_, err := dbtx.Exec(ctx, `
				INSERT INTO spread_history (token_id, dex_name, timestamp, direct_spread, reverse_spread, dex_price, cex_bid, cex_ask)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, tokenIDs[r.TokenName], r.Dex, r.Timestamp, r.DirectSpread, r.ReverseSpread, r.DexPrice, r.CexBid, r.CexAsk)
			if err != nil {
				return fmt.Errorf("insert history row: %w", err)
			}
		}
	}

	return dbtx.Commit(ctx)
}

func (p *Postgres) resolveTokenIDs(ctx context.Context, rows []models.HistoryRow) (map[string]int64, error) {
	names := make(map[string]bool, len(rows))
	for _, r := range rows {
		names[r.TokenName] = true
	}
	unique := make([]string, 0, len(names))
	for n := range names {
		unique = append(unique, n)
	}

	dbrows, err := p.db.Query(ctx, `SELECT id, name FROM tokens WHERE name = ANY($1)`, unique)
	if err != nil {
		return nil, err
	}
	defer dbrows.Close()

	out := make(map[string]int64, len(unique))
	for dbrows.Next() {
		var id int64
		var name string
		if err := dbrows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, dbrows.Err()
}

// PruneHistory deletes all rows older than cutoff, returning the row count removed.
func (p *Postgres) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM spread_history WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, classify("prune history", err)
	}
	return tag.RowsAffected(), nil
}

// Setting reads one server_settings key/value row.
func (p *Postgres) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRow(ctx, `SELECT value FROM server_settings WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, true, nil
}
