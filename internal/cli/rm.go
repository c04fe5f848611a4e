package cli

import (
	"encoding/json"
	"fmt"

	"github.com/rcliao/memory-cloud/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm <hash>",
		Short: "Delete a memory",
		Long: `Delete a memory from the local store. Its full payload is written to the
deletion ledger in the same transaction and pushed to the cloud on the next
sync, where the record is tombstoned rather than removed.`,
		Args: cobra.ExactArgs(1),
		Run:  runRm,
	}

	cmd.Flags().StringP("reason", "r", "manual", "Why the memory was removed")

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	reason, _ := cmd.Flags().GetString("reason")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	entry, err := s.Delete(cmd.Context(), store.DeleteParams{
		Hash:       args[0],
		Reason:     reason,
		DeviceName: cfg.DeviceName,
	})
	if err != nil {
		exitErr("rm", err)
	}

	b, _ := json.Marshal(map[string]any{
		"ok":           true,
		"content_hash": entry.ContentHash,
		"ledger_id":    entry.ID,
	})
	fmt.Println(string(b))
}
