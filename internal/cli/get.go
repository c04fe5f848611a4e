package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <hash>",
		Short: "Retrieve a memory by content hash or unique prefix",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().Bool("edges", false, "Include graph edges")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	withEdges, _ := cmd.Flags().GetBool("edges")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	rec, err := s.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}

	if !withEdges {
		b, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Println(string(b))
		return
	}

	edges, err := s.Edges(cmd.Context(), rec.ContentHash)
	if err != nil {
		exitErr("edges", err)
	}
	b, _ := json.MarshalIndent(map[string]any{"record": rec, "edges": edges}, "", "  ")
	fmt.Println(string(b))
}
