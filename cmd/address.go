package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "print the smart account address and whether it is deployed",
	Long: `Ask the factory's getAddress for the counterfactual address of owner and
salt (or use the pinned account.address) and check the chain for code at it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), needs{chain: true})
		if err != nil {
			return err
		}
		defer a.Close()

		account := a.cfg.Account
		addr, err := account.Address()
		if err != nil {
			return err
		}
		deployed, err := account.IsDeployed(cmd.Context(), a.reader)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "account:    %s\n", addr.Hex())
		fmt.Fprintf(out, "owner:      %s\n", account.Owner.Hex())
		fmt.Fprintf(out, "factory:    %s\n", account.Factory.Hex())
		fmt.Fprintf(out, "entrypoint: %s (v%s)\n", account.EntryPoint.Hex(), account.Version)
		fmt.Fprintf(out, "salt:       %s\n", account.Salt)
		if local, err := aa.DeriveAddress(account.Factory, account.Owner, account.Salt); err == nil && local != addr {
			fmt.Fprintf(out, "offline:    %s (factory deploys a proxy, using its answer)\n", local.Hex())
		}
		fmt.Fprintf(out, "chain id:   %s\n", a.cfg.ChainID)
		fmt.Fprintf(out, "deployed:   %v\n", deployed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addressCmd)
}
