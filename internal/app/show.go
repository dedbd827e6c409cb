package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent settlements.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show settlements")
	}
	if closeStore != nil {
		defer closeStore()
	}

	settlements, err := store.ListRecentSettlements(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(settlements) == 0 {
		fmt.Fprintln(os.Stdout, "no settlements found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Epoch (UTC)\tContract\tSpot\tPayout¢\tITM\tBranch\tCommitment\tTxID")

	for _, s := range settlements {
		txid := ""
		if s.TxID != nil {
			txid = shorten(*s.TxID)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%t\t%s\t%s\t%s\n",
			s.Epoch.UTC().Format(time.RFC3339),
			s.ContractID,
			formatDecimal(s.SpotPrice, 2),
			s.PayoutCents,
			s.ITM,
			s.BranchID,
			shorten(s.Commitment),
			txid,
		)
	}

	writer.Flush()
	return nil
}

func shorten(v string) string {
	v = strings.TrimSpace(v)
	if len(v) <= 16 {
		return v
	}
	return v[:8] + ".." + v[len(v)-6:]
}
