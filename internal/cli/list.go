package cli

import (
	"encoding/json"
	"fmt"

	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories",
		Run:   runList,
	}

	cmd.Flags().String("type", "", "Filter by memory type")
	cmd.Flags().StringP("tags", "t", "", "Filter by tags (comma-separated)")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Bool("summaries", false, "Only summaries")
	cmd.Flags().Bool("no-summaries", false, "Exclude summaries")
	cmd.Flags().Bool("hashes-only", false, "Only output content hashes")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	typeStr, _ := cmd.Flags().GetString("type")
	tagsStr, _ := cmd.Flags().GetString("tags")
	limit, _ := cmd.Flags().GetInt("limit")
	summaries, _ := cmd.Flags().GetBool("summaries")
	noSummaries, _ := cmd.Flags().GetBool("no-summaries")
	hashesOnly, _ := cmd.Flags().GetBool("hashes-only")

	memType, err := parseType(typeStr)
	if err != nil {
		exitErr("list", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	records, err := s.List(cmd.Context(), store.ListParams{
		MemoryType:       memType,
		Tags:             model.SplitTags(tagsStr),
		Limit:            limit,
		SummariesOnly:    summaries,
		ExcludeSummaries: noSummaries,
	})
	if err != nil {
		exitErr("list", err)
	}

	if hashesOnly {
		for _, r := range records {
			fmt.Println(r.ContentHash)
		}
		return
	}

	b, _ := json.MarshalIndent(records, "", "  ")
	fmt.Println(string(b))
}
