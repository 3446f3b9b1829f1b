package cmd

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/storage"
)

var (
	inspectSession string
	inspectRefresh bool

	inspectCmd = &cobra.Command{
		Use:   "inspect [userOpHash]",
		Short: "show a submitted user operation or a journaled session",
		Long: `With a hash, fetch the operation and its receipt from the bundler and decode
its calls. With --session, list the journal entries of that run; --refresh asks
the bundler about entries still marked submitted or pending. Without arguments,
list the known sessions.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case len(args) == 1:
				return inspectHash(cmd, common.HexToHash(args[0]))
			case inspectSession != "":
				return inspectSessionEntries(cmd, inspectSession)
			}
			return listSessions(cmd)
		},
	}
)

func init() {
	inspectCmd.Flags().StringVar(&inspectSession, "session", "", "session id to list")
	inspectCmd.Flags().BoolVar(&inspectRefresh, "refresh", false, "update unresolved journal entries from the bundler")
	rootCmd.AddCommand(inspectCmd)
}

func inspectHash(cmd *cobra.Command, hash common.Hash) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, needs{bundler: true})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openJournal(false); err != nil {
		return err
	}

	printer := newPrinter(cmd.OutOrStdout())

	if a.journal != nil {
		entry, err := a.journal.Get(hash.Hex())
		switch {
		case err == nil:
			printer.Println(entry)
		case errors.Is(err, storage.ErrNotFound):
			fmt.Fprintf(cmd.OutOrStdout(), "%s is not in the journal\n", hash.Hex())
		default:
			return err
		}
	}

	lookup, err := a.bundler.GetOperationByHash(ctx, hash)
	if errors.Is(err, bundler.ErrOperationNotFound) {
		fmt.Fprintf(cmd.OutOrStdout(), "the bundler does not know %s\n", hash.Hex())
		return nil
	}
	if err != nil {
		return err
	}
	printer.Println(lookup)

	calls, err := aa.UnpackCalls(a.cfg.Account.Version, lookup.Operation.CallData)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "callData is not an execute/executeBatch call: %v\n", err)
	} else {
		printer.Println(calls)
	}

	receipt, err := a.bundler.GetReceipt(ctx, hash)
	if err != nil {
		return err
	}
	if receipt == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "receipt: pending")
		return nil
	}
	printer.Println(receipt)
	return nil
}

func inspectSessionEntries(cmd *cobra.Command, session string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, needs{bundler: inspectRefresh})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openJournal(true); err != nil {
		return err
	}

	entries, err := a.journal.Session(session)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no journal entries for session %s", session)
	}

	if inspectRefresh {
		for _, e := range entries {
			if e.Status != storage.StatusSubmitted && e.Status != storage.StatusPending {
				continue
			}
			receipt, err := a.bundler.GetReceipt(ctx, common.HexToHash(e.Hash))
			if err != nil {
				return err
			}
			if receipt == nil {
				continue
			}
			status := storage.StatusIncluded
			if !receipt.Success {
				status = storage.StatusReverted
			}
			if err := a.journal.Resolve(e.Hash, status, receipt.ActualGasCost.String(), receipt.TransactionHash.Hex(), receipt.Reason); err != nil {
				return err
			}
		}
		if entries, err = a.journal.Session(session); err != nil {
			return err
		}
	}

	newPrinter(cmd.OutOrStdout()).Println(entries)
	return nil
}

func listSessions(cmd *cobra.Command) error {
	a, err := loadApp(cmd.Context(), needs{})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openJournal(true); err != nil {
		return err
	}

	sessions, err := a.journal.Sessions()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Fprintln(cmd.OutOrStdout(), s)
	}
	return nil
}
