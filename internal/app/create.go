package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"option-settlement-pipeline/internal/contract"
)

// CreateOptions describe a new contract to activate.
type CreateOptions struct {
	OptionType string
	Strike     decimal.Decimal
	Expiry     time.Time
	Quantity   decimal.Decimal
	Collateral decimal.Decimal
	Buyer      string
	Seller     string
}

// CreateContract builds the settlement graph for a new contract, activates it,
// and persists the active record. Happens before any price is known; every
// later settlement only selects one of the branches committed here.
func (a *App) CreateContract(ctx context.Context, opts CreateOptions) error {
	optType, err := contract.ParseType(opts.OptionType)
	if err != nil {
		return err
	}
	if opts.Strike.Sign() <= 0 {
		return fmt.Errorf("strike must be positive")
	}
	if opts.Quantity.Sign() <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if opts.Expiry.Before(time.Now().UTC()) {
		return fmt.Errorf("expiry %s is in the past", opts.Expiry.Format(time.RFC3339))
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot create contract")
	}
	if closeStore != nil {
		defer closeStore()
	}

	c := &contract.Contract{
		ID:         uuid.NewString(),
		Type:       optType,
		Strike:     opts.Strike,
		Expiry:     opts.Expiry.UTC(),
		Quantity:   opts.Quantity,
		Collateral: opts.Collateral,
		Buyer:      opts.Buyer,
		Seller:     opts.Seller,
		ProgramID:  "option-settlement",
		Status:     contract.StatusCreated,
	}

	svc := a.newService(store, nil)
	if err := svc.CreateContract(ctx, c); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "contract:  %s (%s)\n", c.ID, c.Type)
	fmt.Fprintf(os.Stdout, "strike:    %s  quantity: %s\n", c.Strike.StringFixed(2), c.Quantity.String())
	fmt.Fprintf(os.Stdout, "expiry:    %s\n", c.Expiry.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "status:    %s\n", c.Status)
	return nil
}

// Cancel activates the mutual cancellation branch of an active contract.
func (a *App) Cancel(ctx context.Context, contractID string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot cancel")
	}
	if closeStore != nil {
		defer closeStore()
	}

	svc := a.newService(store, nil)
	epoch := time.Now().UTC().Truncate(a.Config.Epoch.Interval)
	return svc.CancelContract(ctx, contractID, epoch)
}
