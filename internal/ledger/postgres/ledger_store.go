package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// LedgerStore implements domain.TradeLedger using PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const tradeSelectCols = `id, symbol, token, leg, side, qty, entry_price,
	stop_price, status, COALESCE(close_reason, ''), COALESCE(exit_price, 0),
	created_at, closed_at`

func scanTrade(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(
		&e.ID, &e.Symbol, &e.Token, &e.Leg, &e.Side, &e.Qty, &e.EntryPrice,
		&e.StopPrice, &e.Status, &e.CloseReason, &e.ExitPrice,
		&e.CreatedAt, &e.ClosedAt,
	)
	return e, err
}

func scanTradeRows(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveTrade inserts an OPEN trade row and returns its id.
func (s *LedgerStore) SaveTrade(ctx context.Context, e domain.LedgerEntry) (int64, error) {
	const query = `
		INSERT INTO trades (symbol, token, leg, side, qty, entry_price, stop_price, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'OPEN')
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		e.Symbol, e.Token, e.Leg, e.Side, e.Qty, e.EntryPrice, e.StopPrice,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: save trade %s: %w", e.Symbol, err)
	}
	return id, nil
}

// UpdateStop records a new stop price for an open trade.
func (s *LedgerStore) UpdateStop(ctx context.Context, id int64, stop float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET stop_price = $2 WHERE id = $1 AND status = 'OPEN'`, id, stop)
	if err != nil {
		return fmt.Errorf("postgres: update stop for trade %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update stop for trade %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CloseTrade marks a trade CLOSED with the exit price and reason.
func (s *LedgerStore) CloseTrade(ctx context.Context, id int64, exitPrice float64, reason domain.CloseReason) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trades
		SET status = 'CLOSED', close_reason = $2, exit_price = $3, closed_at = NOW()
		WHERE id = $1 AND status = 'OPEN'`,
		id, string(reason), exitPrice)
	if err != nil {
		return fmt.Errorf("postgres: close trade %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: close trade %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CloseBySymbol closes every open trade for a symbol.
func (s *LedgerStore) CloseBySymbol(ctx context.Context, symbol string, reason domain.CloseReason) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE trades
		SET status = 'CLOSED', close_reason = $2, closed_at = NOW()
		WHERE symbol = $1 AND status = 'OPEN'`,
		symbol, string(reason))
	if err != nil {
		return fmt.Errorf("postgres: close trades for %s: %w", symbol, err)
	}
	return nil
}

// ActiveTrade returns the most recent open trade, or domain.ErrNotFound.
func (s *LedgerStore) ActiveTrade(ctx context.Context) (domain.LedgerEntry, error) {
	query := `SELECT ` + tradeSelectCols + `
		FROM trades WHERE status = 'OPEN'
		ORDER BY created_at DESC LIMIT 1`

	e, err := scanTrade(s.pool.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("postgres: active trade: %w", err)
	}
	return e, nil
}

// OpenTrades returns every open trade, newest first.
func (s *LedgerStore) OpenTrades(ctx context.Context) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + tradeSelectCols + `
		FROM trades WHERE status = 'OPEN'
		ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: open trades: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// History returns past trades, newest first, honoring the list options.
func (s *LedgerStore) History(ctx context.Context, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE 1=1`
	args := []any{}
	n := 0
	if opts.Since != nil {
		n++
		query += fmt.Sprintf(" AND created_at >= $%d", n)
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		n++
		query += fmt.Sprintf(" AND created_at <= $%d", n)
		args = append(args, *opts.Until)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n+1, n+2)
	args = append(args, limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: trade history: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

var _ domain.TradeLedger = (*LedgerStore)(nil)
