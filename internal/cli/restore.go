package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rcliao/memory-cloud/internal/cloud"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/restore"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore memories from the cloud mirror or the deletion ledger",
		Long: `Restore memories into the local store.

  --all       every live cloud record missing locally (recovery after loss)
  --deleted   every deleted record, bit-for-bit from its ledger payload
  --hash      specific content hashes (comma-separated)
  --search    cloud records matching a query, tombstoned ones included

--deleted works offline from the local ledger when no mirror is configured.
Memories already present locally are skipped.`,
		Run: runRestore,
	}

	cmd.Flags().Bool("all", false, "Restore every live cloud record")
	cmd.Flags().Bool("deleted", false, "Restore every deleted record")
	cmd.Flags().String("hash", "", "Comma-separated content hashes")
	cmd.Flags().String("search", "", "Restore cloud records matching this query")
	cmd.Flags().IntP("limit", "l", 20, "Max records for --search")
	cmd.MarkFlagsMutuallyExclusive("all", "deleted", "hash", "search")
	cmd.MarkFlagsOneRequired("all", "deleted", "hash", "search")

	RootCmd.AddCommand(cmd)
}

func runRestore(cmd *cobra.Command, args []string) {
	all, _ := cmd.Flags().GetBool("all")
	deleted, _ := cmd.Flags().GetBool("deleted")
	hashes, _ := cmd.Flags().GetString("hash")
	query, _ := cmd.Flags().GetString("search")
	limit, _ := cmd.Flags().GetInt("limit")
	ctx := cmd.Context()

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	var mirror cloud.Mirror
	m, err := openMirror(ctx)
	switch {
	case err == nil:
		mirror = m
		defer m.Close()
	case errors.Is(err, cloud.ErrNotConfigured):
	case deleted:
		logger.Warn("cloud mirror unavailable, restoring from the local ledger only", "error", err)
	default:
		exitErr("open cloud mirror", err)
	}

	eng := restore.New(s, mirror, retryPolicy(), logger)

	var rep *restore.Report
	switch {
	case all:
		rep, err = eng.Restore(ctx, restore.ModeAll)
	case deleted:
		rep, err = eng.Restore(ctx, restore.ModeDeleted)
	case hashes != "":
		rep, err = eng.RestoreHashes(ctx, model.SplitTags(hashes))
	default:
		rep, err = eng.RestoreSearch(ctx, query, limit)
	}
	if rep != nil {
		b, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Println(string(b))
	}
	if err != nil {
		exitErr("restore", err)
	}
}
