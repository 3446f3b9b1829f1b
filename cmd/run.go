package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userops/core/orchestrator"
	"github.com/AvaProtocol/ap-userops/metrics"
)

var (
	runJSON    bool
	runSession string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the configured operations end to end",
		Long: `Discover the account, quote sponsorship, estimate gas, deploy when needed,
submit every configured operation in order and print the cost report.

Every submitted hash is journaled in db_path when it is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOperations(ctx, cmd)
		},
	}
)

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full report as JSON")
	runCmd.Flags().StringVar(&runSession, "session", "", "session id for the journal, generated when empty")
	rootCmd.AddCommand(runCmd)
}

func runOperations(ctx context.Context, cmd *cobra.Command) error {
	a, err := loadApp(ctx, needs{chain: true, bundler: true})
	if err != nil {
		return err
	}
	defer a.Close()

	lgr := a.cfg.Logger
	opts := []orchestrator.Option{}

	if err := a.openJournal(false); err != nil {
		return err
	}
	if a.journal != nil {
		opts = append(opts, orchestrator.WithJournal(a.journal))
	}

	if a.cfg.MetricsBindAddress != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, orchestrator.WithMetrics(metrics.NewOrchestratorMetrics(reg)))

		server := metrics.NewServer(a.cfg.MetricsBindAddress, reg, lgr)
		server.Start(ctx)
		server.SetReady(true)
	}

	orch := orchestrator.New(a.reader, a.bundler, a.cfg.Signer, a.cfg.Orchestrator, lgr, opts...)
	report, runErr := orch.Run(ctx, a.cfg.Plan(runSession))

	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(out, report, a.cfg.TokenDecimals)
	}

	return runErr
}
