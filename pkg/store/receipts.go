package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// PutReceiptIfAbsent stores a receipt unless one already exists for the
// cycle. Receipts are immutable: exactly one per terminal timeline, never
// replaced. The stored receipt is returned either way.
func (s *Store) PutReceiptIfAbsent(ctx context.Context, r *contracts.SwapReceipt) (*contracts.SwapReceipt, bool, error) {
	doc, err := json.Marshal(r)
	if err != nil {
		return nil, false, fmt.Errorf("marshal receipt: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO receipts (receipt_id, cycle_id, final_state, doc, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (cycle_id) DO NOTHING`,
		r.ReceiptID, r.CycleID, string(r.FinalState), doc, formatTime(r.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert receipt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return r, true, nil
	}
	existing, err := s.GetReceiptByCycle(ctx, r.CycleID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetReceipt loads a receipt by its id.
func (s *Store) GetReceipt(ctx context.Context, receiptID string) (*contracts.SwapReceipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM receipts WHERE receipt_id = ?`, receiptID)
	return scanReceipt(row)
}

// GetReceiptByCycle loads the receipt for a settled cycle.
func (s *Store) GetReceiptByCycle(ctx context.Context, cycleID string) (*contracts.SwapReceipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM receipts WHERE cycle_id = ?`, cycleID)
	return scanReceipt(row)
}

func scanReceipt(row rowScanner) (*contracts.SwapReceipt, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.Errf(contracts.CodeNotFound, "receipt not found")
		}
		return nil, fmt.Errorf("scan receipt: %w", err)
	}
	var r contracts.SwapReceipt
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("corrupt receipt doc: %w", err)
	}
	return &r, nil
}
