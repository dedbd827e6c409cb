package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var cancelContractID string

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel an active contract via its mutual-cancel branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cancelContractID == "" {
			return errors.New("--contract is required")
		}
		return getApp().Cancel(cmd.Context(), cancelContractID)
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelContractID, "contract", "", "Contract id to cancel")
}
