package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"option-settlement-pipeline/internal/app"
)

var (
	simulateType     string
	simulateStrike   float64
	simulateSpot     float64
	simulateQuantity float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一次完整的期权结算流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateStrike <= 0 || simulateSpot <= 0 {
			return errors.New("--strike 与 --spot 必须大于 0")
		}
		if simulateQuantity <= 0 {
			return errors.New("--quantity 必须大于 0")
		}

		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			OptionType: simulateType,
			Strike:     decimal.NewFromFloat(simulateStrike),
			Spot:       decimal.NewFromFloat(simulateSpot),
			Quantity:   decimal.NewFromFloat(simulateQuantity),
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateType, "type", "call", "Option type: call, put, binary_call, binary_put")
	simulateCmd.Flags().Float64Var(&simulateStrike, "strike", 0, "Strike price in USD")
	simulateCmd.Flags().Float64Var(&simulateSpot, "spot", 0, "Spot price in USD")
	simulateCmd.Flags().Float64Var(&simulateQuantity, "quantity", 1, "Quantity of the underlying")
}
