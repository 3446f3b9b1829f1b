package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/reconciler"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "take balance snapshots periodically and report drift",
	Long: `Snapshot the account every watch.interval and print the cost accumulated
since the first snapshot. Stops on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := loadApp(ctx, needs{chain: true})
		if err != nil {
			return err
		}
		defer a.Close()

		w := &watcher{
			reconciler: reconciler.New(a.reader, a.cfg.Token, a.cfg.Logger),
			account:    a.cfg.Account,
			decimals:   a.cfg.TokenDecimals,
		}

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("failed to initialize scheduler: %w", err)
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(a.cfg.WatchInterval),
			gocron.NewTask(func() {
				if err := w.tick(ctx, cmd.OutOrStdout()); err != nil {
					a.cfg.Logger.Error("snapshot failed", "error", err)
				}
			}),
			gocron.WithStartAt(gocron.WithStartImmediately()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule snapshots: %w", err)
		}

		a.cfg.Logger.Info("watching account", "account", a.cfg.Account.MustAddress().Hex(), "interval", a.cfg.WatchInterval.String())
		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	},
}

type watcher struct {
	reconciler *reconciler.Reconciler
	account    *aa.SmartAccount
	decimals   int32

	mu    sync.Mutex
	first *reconciler.Snapshot
	last  *reconciler.Snapshot
}

func (w *watcher) tick(ctx context.Context, out io.Writer) error {
	snap, err := w.reconciler.Snapshot(ctx, w.account)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.first == nil {
		w.first, w.last = snap, snap
		printSnapshot(out, "💰 Initial", snap, w.decimals)
		return nil
	}
	if snap.Equal(w.last) {
		return nil
	}

	w.last = snap
	cost := reconciler.Diff(w.first, snap)
	fmt.Fprintf(out, "%s changed since start: %s\n", snap.TakenAt.Format("15:04:05"), cost.Format(w.decimals))
	for _, warning := range cost.Warnings {
		fmt.Fprintf(out, "   %v\n", warning)
	}
	return nil
}
