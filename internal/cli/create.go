package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"option-settlement-pipeline/internal/app"
)

var (
	createType       string
	createStrike     float64
	createExpiry     string
	createQuantity   float64
	createCollateral float64
	createBuyer      string
	createSeller     string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a contract and commit its settlement graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		if createStrike <= 0 {
			return errors.New("--strike must be greater than 0")
		}
		if createQuantity <= 0 {
			return errors.New("--quantity must be greater than 0")
		}
		if createBuyer == "" || createSeller == "" {
			return errors.New("--buyer and --seller are required")
		}

		expiry, err := time.Parse(time.RFC3339, createExpiry)
		if err != nil {
			return fmt.Errorf("parse --expiry: %w", err)
		}

		return getApp().CreateContract(cmd.Context(), app.CreateOptions{
			OptionType: createType,
			Strike:     decimal.NewFromFloat(createStrike),
			Expiry:     expiry,
			Quantity:   decimal.NewFromFloat(createQuantity),
			Collateral: decimal.NewFromFloat(createCollateral),
			Buyer:      createBuyer,
			Seller:     createSeller,
		})
	},
}

func init() {
	createCmd.Flags().StringVar(&createType, "type", "call", "Option type: call, put, binary_call, binary_put")
	createCmd.Flags().Float64Var(&createStrike, "strike", 0, "Strike price in USD")
	createCmd.Flags().StringVar(&createExpiry, "expiry", "", "Expiry timestamp (RFC3339)")
	createCmd.Flags().Float64Var(&createQuantity, "quantity", 1, "Quantity of the underlying")
	createCmd.Flags().Float64Var(&createCollateral, "collateral", 0, "Locked collateral in USD")
	createCmd.Flags().StringVar(&createBuyer, "buyer", "", "Buyer identity")
	createCmd.Flags().StringVar(&createSeller, "seller", "", "Seller identity")
}
