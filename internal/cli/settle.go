package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var settleContractID string

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Settle one contract against the latest consensus price",
	RunE: func(cmd *cobra.Command, args []string) error {
		if settleContractID == "" {
			return errors.New("--contract is required")
		}
		return getApp().Settle(cmd.Context(), settleContractID)
	},
}

func init() {
	settleCmd.Flags().StringVar(&settleContractID, "contract", "", "Contract id to settle")
}
