package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Ledger is the per-variant stock counter. Every call runs inside the
// caller's transaction and relies on its row locks.
type Ledger struct {
	logger *zap.Logger
}

// NewLedger creates a new inventory ledger
func NewLedger() *Ledger {
	return &Ledger{logger: util.GetLogger()}
}

// Lock takes exclusive locks on the variants in ascending id order and
// returns them keyed by id. Missing ids are absent from the map.
func (l *Ledger) Lock(ctx context.Context, tx store.Tx, variantIDs []int64) (map[int64]models.ProductVariant, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Lock")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	variants, err := tx.LockVariants(ctx, variantIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to lock variants: %w", err)
	}

	locked := make(map[int64]models.ProductVariant, len(variants))
	for _, v := range variants {
		locked[v.ID] = v
	}
	return locked, nil
}

// Reserve re-checks stock under the lock and decrements it
func (l *Ledger) Reserve(ctx context.Context, tx store.Tx, variant models.ProductVariant, qty int, productName string) error {
	if variant.Stock < qty {
		util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		return insufficientStock(productName)
	}

	if err := tx.DecrementStock(ctx, variant.ID, qty); err != nil {
		if errors.Is(err, store.ErrStockUnderflow) {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return insufficientStock(productName)
		}
		util.InventoryReservationsFailed.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to reserve stock for variant %d: %w", variant.ID, err)
	}

	l.logger.Debug("Stock reserved",
		zap.Int64("variant_id", variant.ID),
		zap.Int("quantity", qty),
		zap.Int("remaining", variant.Stock-qty))
	return nil
}

// Restore adds qty back to a variant. Product activity is not re-checked.
func (l *Ledger) Restore(ctx context.Context, tx store.Tx, variantID int64, qty int) error {
	if err := tx.IncrementStock(ctx, variantID, qty); err != nil {
		return fmt.Errorf("failed to restore stock for variant %d: %w", variantID, err)
	}
	util.InventoryRestoredUnits.Add(float64(qty))

	l.logger.Debug("Stock restored",
		zap.Int64("variant_id", variantID),
		zap.Int("quantity", qty))
	return nil
}

func insufficientStock(productName string) error {
	return apperr.ErrInsufficientStock.Withf("Not enough stock for %s", productName)
}
