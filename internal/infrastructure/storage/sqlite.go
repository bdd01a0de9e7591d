package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"
	"github.com/vitos/orderflow_bot/internal/domain"
)

const defaultListLimit = 500

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// single writer; also keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			ts_ns INTEGER NOT NULL,
			price REAL NOT NULL,
			volume REAL NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, ts_ns);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			open_ts_ns INTEGER NOT NULL,
			open_price REAL NOT NULL,
			side TEXT NOT NULL,
			size REAL NOT NULL,
			take_profit REAL NOT NULL DEFAULT 0,
			stop_loss REAL NOT NULL DEFAULT 0,
			exchange_order_id TEXT,
			close_reason TEXT,
			close_price REAL,
			close_ts_ns INTEGER
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open ON positions(symbol) WHERE close_price IS NULL;`,
		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			ts_ns INTEGER NOT NULL,
			direction TEXT NOT NULL,
			score INTEGER NOT NULL,
			cumulative_delta REAL NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol_ts ON signals(symbol, ts_ns);`,
		`CREATE TABLE IF NOT EXISTS bar_metrics (
			symbol TEXT NOT NULL,
			start_ns INTEGER NOT NULL,
			end_ns INTEGER NOT NULL,
			metrics TEXT NOT NULL,
			PRIMARY KEY (symbol, start_ns, end_ns)
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// TradeRepository Implementation

// AppendTrades writes the batch in one transaction so readers never see part of it.
func (s *SQLiteStore) AppendTrades(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO trades (symbol, ts_ns, price, volume, side, order_type) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx, t.Symbol, nanos(t.Timestamp), t.Price, t.Volume, string(t.Side), string(t.OrderType)); err != nil {
			return fmt.Errorf("failed to insert trade at %s: %w", t.Timestamp.Format(time.RFC3339Nano), err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) TradesBetween(ctx context.Context, symbol string, from, to time.Time) ([]domain.Trade, error) {
	return s.ListTrades(ctx, domain.RangeQuery{Symbol: symbol, From: from, To: to, Limit: -1})
}

// ListTrades returns trades in [From, To) ordered by time. A negative limit means no limit.
func (s *SQLiteStore) ListTrades(ctx context.Context, q domain.RangeQuery) ([]domain.Trade, error) {
	sb := squirrel.Select("id", "symbol", "ts_ns", "price", "volume", "side", "order_type").
		From("trades").
		OrderBy("ts_ns ASC", "id ASC")
	sb = applyRange(sb, "ts_ns", q)
	if q.Limit >= 0 {
		sb = sb.Limit(limitOrDefault(q.Limit))
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var ts int64
		var side, orderType string
		if err := rows.Scan(&t.ID, &t.Symbol, &ts, &t.Price, &t.Volume, &side, &orderType); err != nil {
			return nil, err
		}
		t.Timestamp = fromNanos(ts)
		t.Side = domain.TradeSide(side)
		t.OrderType = domain.OrderType(orderType)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) DollarVolumeBetween(ctx context.Context, symbol string, from, to time.Time) (float64, error) {
	query := `SELECT COALESCE(SUM(price * volume), 0) FROM trades WHERE symbol = ? AND ts_ns >= ? AND ts_ns < ?`
	var total float64
	if err := s.db.QueryRowContext(ctx, query, symbol, nanos(from), nanos(to)).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQLiteStore) PriceRangeBetween(ctx context.Context, symbol string, from, to time.Time) (float64, float64, bool, error) {
	query := `SELECT MAX(price), MIN(price) FROM trades WHERE symbol = ? AND ts_ns >= ? AND ts_ns < ?`
	var high, low sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, query, symbol, nanos(from), nanos(to)).Scan(&high, &low); err != nil {
		return 0, 0, false, err
	}
	if !high.Valid || !low.Valid {
		return 0, 0, false, nil
	}
	return high.Float64, low.Float64, true, nil
}

func (s *SQLiteStore) PruneTradesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trades WHERE ts_ns < ?`, nanos(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PositionRepository Implementation

func (s *SQLiteStore) InsertPosition(ctx context.Context, p *domain.Position) error {
	query := `INSERT INTO positions (id, symbol, open_ts_ns, open_price, side, size, take_profit, stop_loss, exchange_order_id)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Symbol, nanos(p.OpenTimestamp), p.OpenPrice, string(p.Side), p.Size, p.TakeProfit, p.StopLoss, p.ExchangeOrderID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrPositionAlreadyOpen, p.Symbol)
		}
		return err
	}
	return nil
}

var positionColumns = []string{
	"id", "symbol", "open_ts_ns", "open_price", "side", "size", "take_profit", "stop_loss",
	"exchange_order_id", "close_reason", "close_price", "close_ts_ns",
}

func scanPosition(row interface{ Scan(...any) error }) (*domain.Position, error) {
	var p domain.Position
	var openTs int64
	var side string
	var orderID, reason sql.NullString
	var closePrice sql.NullFloat64
	var closeTs sql.NullInt64

	if err := row.Scan(&p.ID, &p.Symbol, &openTs, &p.OpenPrice, &side, &p.Size, &p.TakeProfit, &p.StopLoss,
		&orderID, &reason, &closePrice, &closeTs); err != nil {
		return nil, err
	}
	p.OpenTimestamp = fromNanos(openTs)
	p.Side = domain.Side(side)
	if orderID.Valid {
		p.ExchangeOrderID = &orderID.String
	}
	if reason.Valid {
		p.CloseReason = domain.CloseReason(reason.String)
	}
	if closePrice.Valid {
		p.ClosePrice = &closePrice.Float64
	}
	if closeTs.Valid {
		ts := fromNanos(closeTs.Int64)
		p.CloseTimestamp = &ts
	}
	return &p, nil
}

// GetOpenPosition returns nil without error when the symbol is flat.
func (s *SQLiteStore) GetOpenPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	query, args, err := squirrel.Select(positionColumns...).
		From("positions").
		Where(squirrel.Eq{"symbol": symbol, "close_price": nil}).
		ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanPosition(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ClosePosition writes the terminal close. A second close is rejected.
func (s *SQLiteStore) ClosePosition(ctx context.Context, id string, closePrice float64, closedAt time.Time, reason domain.CloseReason) error {
	query := `UPDATE positions SET close_price = ?, close_ts_ns = ?, close_reason = ? WHERE id = ? AND close_price IS NULL`
	res, err := s.db.ExecContext(ctx, query, closePrice, nanos(closedAt), string(reason), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM positions WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", domain.ErrPositionNotFound, id)
	}
	return fmt.Errorf("%w: %s", domain.ErrPositionAlreadyClosed, id)
}

func (s *SQLiteStore) ListPositions(ctx context.Context, q domain.RangeQuery) ([]*domain.Position, error) {
	sb := squirrel.Select(positionColumns...).
		From("positions").
		OrderBy("open_ts_ns DESC").
		Limit(limitOrDefault(q.Limit))
	sb = applyRange(sb, "open_ts_ns", q)

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// SignalRepository Implementation

func (s *SQLiteStore) SaveSignal(ctx context.Context, rec *domain.SignalRecord) error {
	query := `INSERT INTO signals (symbol, ts_ns, direction, score, cumulative_delta, reason) VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		rec.Symbol, nanos(rec.Timestamp), string(rec.Direction), rec.Score, rec.CumulativeDelta, rec.Reason)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

func (s *SQLiteStore) RecentSignals(ctx context.Context, symbol string, n int) ([]domain.SignalRecord, error) {
	return s.ListSignals(ctx, domain.RangeQuery{Symbol: symbol, Limit: n})
}

// ListSignals returns matching signals newest first.
func (s *SQLiteStore) ListSignals(ctx context.Context, q domain.RangeQuery) ([]domain.SignalRecord, error) {
	sb := squirrel.Select("id", "symbol", "ts_ns", "direction", "score", "cumulative_delta", "reason").
		From("signals").
		OrderBy("ts_ns DESC", "id DESC").
		Limit(limitOrDefault(q.Limit))
	sb = applyRange(sb, "ts_ns", q)
	if q.Direction != "" {
		sb = sb.Where(squirrel.Eq{"direction": string(q.Direction)})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SignalRecord
	for rows.Next() {
		var rec domain.SignalRecord
		var ts int64
		var direction string
		if err := rows.Scan(&rec.ID, &rec.Symbol, &ts, &direction, &rec.Score, &rec.CumulativeDelta, &rec.Reason); err != nil {
			return nil, err
		}
		rec.Timestamp = fromNanos(ts)
		rec.Direction = domain.Direction(direction)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MetricsCache Implementation

func (s *SQLiteStore) GetBarMetrics(ctx context.Context, symbol string, start, end time.Time) (*domain.OrderFlowMetrics, bool, error) {
	query := `SELECT metrics FROM bar_metrics WHERE symbol = ? AND start_ns = ? AND end_ns = ?`
	var payload string
	err := s.db.QueryRowContext(ctx, query, symbol, nanos(start), nanos(end)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var m domain.OrderFlowMetrics
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, false, fmt.Errorf("corrupt bar metrics for %s %s: %w", symbol, start, err)
	}
	return &m, true, nil
}

func (s *SQLiteStore) SaveBarMetrics(ctx context.Context, symbol string, m domain.OrderFlowMetrics) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	query := `INSERT INTO bar_metrics (symbol, start_ns, end_ns, metrics) VALUES (?, ?, ?, ?)
			  ON CONFLICT(symbol, start_ns, end_ns) DO UPDATE SET metrics=excluded.metrics`
	_, err = s.db.ExecContext(ctx, query, symbol, nanos(m.StartTime), nanos(m.EndTime), string(payload))
	return err
}

// PruneBarMetricsBefore drops cached metrics for bars that ended before cutoff.
func (s *SQLiteStore) PruneBarMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bar_metrics WHERE end_ns < ?`, nanos(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func applyRange(sb squirrel.SelectBuilder, column string, q domain.RangeQuery) squirrel.SelectBuilder {
	if q.Symbol != "" {
		sb = sb.Where(squirrel.Eq{"symbol": q.Symbol})
	}
	if !q.From.IsZero() {
		sb = sb.Where(squirrel.GtOrEq{column: nanos(q.From)})
	}
	if !q.To.IsZero() {
		sb = sb.Where(squirrel.Lt{column: nanos(q.To)})
	}
	return sb
}

func limitOrDefault(limit int) uint64 {
	if limit <= 0 {
		return defaultListLimit
	}
	return uint64(limit)
}
