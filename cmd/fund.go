package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/reconciler"
)

var (
	fundDeposit bool

	fundCmd = &cobra.Command{
		Use:   "fund <amount-in-ether>",
		Short: "send ether from the owner EOA to the smart account",
		Long: `Send a plain transaction from the owner key to the (possibly undeployed)
account address. With --deposit the ether goes to EntryPoint.depositTo(account)
instead, prefunding gas.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			amount, err := reconciler.FromDecimal(args[0], reconciler.NativeDecimals)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}
			if amount.Sign() <= 0 {
				return fmt.Errorf("amount must be positive")
			}

			a, err := loadApp(ctx, needs{chain: true})
			if err != nil {
				return err
			}
			defer a.Close()

			account, err := a.cfg.Account.Address()
			if err != nil {
				return err
			}
			opts, err := a.cfg.Signer.TransactOpts(a.cfg.ChainID)
			if err != nil {
				return err
			}
			opts.Context = ctx
			opts.Value = amount

			var tx *types.Transaction
			if fundDeposit {
				ep := bind.NewBoundContract(a.cfg.Account.EntryPoint, aa.EntryPointABI, a.eth, a.eth, a.eth)
				tx, err = ep.Transact(opts, "depositTo", account)
			} else {
				// empty calldata, plain value transfer
				target := bind.NewBoundContract(account, abi.ABI{}, a.eth, a.eth, a.eth)
				tx, err = target.RawTransact(opts, nil)
			}
			if err != nil {
				return err
			}

			a.cfg.Logger.Info("funding transaction sent", "tx", tx.Hash().Hex(), "to", account.Hex(), "wei", amount.String(), "deposit", fundDeposit)
			receipt, err := bind.WaitMined(ctx, a.eth, tx)
			if err != nil {
				return err
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("funding transaction %s reverted", tx.Hash().Hex())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "funded %s with %s ETH in block %s (tx %s)\n",
				account.Hex(), args[0], receipt.BlockNumber, tx.Hash().Hex())
			return nil
		},
	}
)

func init() {
	fundCmd.Flags().BoolVar(&fundDeposit, "deposit", false, "deposit into the EntryPoint for the account instead of sending to it")
	rootCmd.AddCommand(fundCmd)
}
