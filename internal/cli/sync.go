package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcliao/memory-cloud/internal/syncer"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate local changes to the cloud mirror",
		Long: `Push local changes to the cloud mirror. Deletions are appended to the cloud
deletion ledger before their records are tombstoned, and the sync cursor
only advances after the mirror confirms every write.

Exits 2 when the mirror stays unreachable after every retry (degraded).`,
		Run: runSync,
	}

	cmd.Flags().Bool("once", false, "Run a single pass (default)")
	cmd.Flags().Bool("daemon", false, "Sync on MEMORY_CLOUD_SYNC_INTERVAL until interrupted")
	cmd.MarkFlagsMutuallyExclusive("once", "daemon")

	RootCmd.AddCommand(cmd)
}

func runSync(cmd *cobra.Command, args []string) {
	daemon, _ := cmd.Flags().GetBool("daemon")

	if !cfg.SyncEnabled {
		exitErr("sync", errors.New("sync is disabled (MEMORY_CLOUD_SYNC_ENABLED=false)"))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	m, err := openMirror(ctx)
	if err != nil {
		exitErr("open cloud mirror", err)
	}
	defer m.Close()

	eng := syncer.New(s, m, syncer.Options{
		DeviceName: cfg.DeviceName,
		BatchSize:  cfg.BatchSize,
		RunTimeout: cfg.SyncTimeout,
		Retry:      retryPolicy(),
		Logger:     logger,
	})

	if daemon {
		err := eng.Run(ctx, cfg.SyncInterval)
		if err != nil && !errors.Is(err, context.Canceled) {
			exitErr("sync", err)
		}
		return
	}

	rep, err := eng.SyncOnce(ctx)
	if rep != nil {
		b, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Println(string(b))
	}
	if err != nil {
		exitErr("sync", err)
	}
}
