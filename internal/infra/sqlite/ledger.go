package sqlite

import (
	"database/sql"
	"errors"

	"github.com/industriverse/chronos/internal/domain"
)

// ─── Trade Ledger ───────────────────────────────────────────────────────────

// AppendTrade adds one ledger row whose balance is the previous balance plus
// rec.Profit. Read and insert share a transaction so the running balance
// cannot fork. rec.Balance and rec.Seq are filled from the stored row.
func (d *DB) AppendTrade(rec domain.TradeRecord) (domain.TradeRecord, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return rec, persistErr("begin trade", err)
	}
	defer tx.Rollback()

	var prev sql.NullFloat64
	err = tx.QueryRow(`SELECT balance FROM trade_ledger ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return rec, persistErr("read balance", err)
	}
	rec.Balance = prev.Float64 + rec.Profit

	res, err := tx.Exec(
		`INSERT INTO trade_ledger (id, timestamp, task_id, task_name, profit, balance)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, toMillis(rec.Timestamp), rec.TaskID, rec.TaskName, rec.Profit, rec.Balance,
	)
	if err != nil {
		return rec, persistErr("insert trade", err)
	}
	if rec.Seq, err = res.LastInsertId(); err != nil {
		return rec, persistErr("trade seq", err)
	}
	if err := tx.Commit(); err != nil {
		return rec, persistErr("commit trade", err)
	}
	return rec, nil
}

// TradeBalance returns the running balance after the latest trade (0 if none).
func (d *DB) TradeBalance() (float64, error) {
	var balance sql.NullFloat64
	err := d.db.QueryRow(`SELECT balance FROM trade_ledger ORDER BY seq DESC LIMIT 1`).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, persistErr("trade balance", err)
	}
	return balance.Float64, nil
}

// TradeCount returns the number of ledger rows.
func (d *DB) TradeCount() (int, error) {
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM trade_ledger`).Scan(&n); err != nil {
		return 0, persistErr("count trades", err)
	}
	return n, nil
}

// RecentTrades returns up to limit ledger rows, newest first.
func (d *DB) RecentTrades(limit int) ([]domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(
		`SELECT seq, id, timestamp, task_id, task_name, profit, balance
		 FROM trade_ledger ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, persistErr("list trades", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		var ts int64
		if err := rows.Scan(&r.Seq, &r.ID, &ts, &r.TaskID, &r.TaskName, &r.Profit, &r.Balance); err != nil {
			return nil, persistErr("scan trade", err)
		}
		r.Timestamp = fromMillis(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
