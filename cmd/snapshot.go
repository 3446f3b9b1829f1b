package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userops/core/reconciler"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "read the account's native, EntryPoint deposit and token balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), needs{chain: true})
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := reconciler.New(a.reader, a.cfg.Token, a.cfg.Logger).Snapshot(cmd.Context(), a.cfg.Account)
		if err != nil {
			return err
		}
		printSnapshot(cmd.OutOrStdout(), "💰 "+snap.Account.Hex(), snap, a.cfg.TokenDecimals)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}
