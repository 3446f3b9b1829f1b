package cmd

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/k0kubun/pp/v3"

	"github.com/AvaProtocol/ap-userops/core/orchestrator"
	"github.com/AvaProtocol/ap-userops/core/reconciler"
)

func newPrinter(w io.Writer) *pp.PrettyPrinter {
	printer := pp.New()
	printer.SetOutput(w)
	printer.SetColoringEnabled(false)
	printer.SetExportedOnly(true)
	return printer
}

func printSnapshot(w io.Writer, label string, s *reconciler.Snapshot, tokenDecimals int32) {
	if s == nil {
		return
	}
	fmt.Fprintf(w, "%s (%s)\n", label, s.TakenAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "   native:     %s ETH\n", reconciler.ToDecimal(s.Native, reconciler.NativeDecimals))
	fmt.Fprintf(w, "   entrypoint: %s ETH\n", reconciler.ToDecimal(s.Deposit, reconciler.NativeDecimals))
	fmt.Fprintf(w, "   token:      %s\n", reconciler.ToDecimal(s.Token, tokenDecimals))
	fmt.Fprintf(w, "   deployed:   %v\n", s.Deployed)
}

func printResult(w io.Writer, r *orchestrator.OperationResult) {
	if r == nil {
		return
	}
	status := string(r.Status)
	if status == "" {
		status = "not submitted"
	}
	fmt.Fprintf(w, "   %-20s %-13s", r.Name, status)
	if r.Nonce != nil {
		fmt.Fprintf(w, " nonce=%s", r.Nonce)
	}
	if r.Hash != (common.Hash{}) {
		fmt.Fprintf(w, " hash=%s", r.Hash.Hex())
	}
	if r.Receipt != nil {
		fmt.Fprintf(w, " tx=%s gas=%s", r.Receipt.TransactionHash.Hex(), r.Receipt.ActualGasCost)
	}
	if r.Error != "" {
		fmt.Fprintf(w, " error=%q", r.Error)
	}
	fmt.Fprintln(w)
}

func printReport(w io.Writer, report *orchestrator.Report, tokenDecimals int32) {
	fmt.Fprintf(w, "📋 Session %s\n", report.Session)
	fmt.Fprintf(w, "   account: %s (deployed before run: %v)\n\n", report.Account.Hex(), report.WasDeployed)

	printSnapshot(w, "💰 Before", report.Before, tokenDecimals)

	if report.Quote != nil {
		fmt.Fprintf(w, "\n🎟  Sponsorship: paymaster %s, token %s, rate %s\n",
			report.Quote.Paymaster.Hex(), report.Quote.Token.Hex(), report.Quote.ExchangeRate)
	}
	if report.Fees != nil {
		fmt.Fprintf(w, "⛽ Fees: maxFeePerGas=%s maxPriorityFeePerGas=%s\n", report.Fees.MaxFeePerGas, report.Fees.MaxPriorityFeePerGas)
	}

	fmt.Fprintf(w, "\n📨 Operations:\n")
	printResult(w, report.Deploy)
	for _, op := range report.Operations {
		printResult(w, op)
	}
	fmt.Fprintln(w)

	printSnapshot(w, "💰 After", report.After, tokenDecimals)

	if report.Cost != nil {
		f := report.Cost.Format(tokenDecimals)
		fmt.Fprintf(w, "\n🧾 Cost:\n")
		fmt.Fprintf(w, "   native:     %s ETH\n", f.Native)
		fmt.Fprintf(w, "   entrypoint: %s ETH\n", f.EntryPoint)
		fmt.Fprintf(w, "   token:      %s\n", f.Token)
		for _, warning := range report.Cost.Warnings {
			fmt.Fprintf(w, "   ⚠️  %v\n", warning)
		}
	}

	fmt.Fprintf(w, "\nCompleted stages: %v\n", report.Completed)
}
