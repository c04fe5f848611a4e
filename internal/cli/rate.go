package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/spf13/cobra"
)

func init() {
	rate := &cobra.Command{
		Use:   "rate <hash> <1-5>",
		Short: "Record quality feedback for a memory",
		Args:  cobra.ExactArgs(2),
		Run:   runRate,
	}
	reclassify := &cobra.Command{
		Use:   "reclassify <hash> <type>",
		Short: "Change a memory's type",
		Args:  cobra.ExactArgs(2),
		Run:   runReclassify,
	}
	tag := &cobra.Command{
		Use:   "tag <hash> <tags>",
		Short: "Add comma-separated tags to a memory",
		Args:  cobra.ExactArgs(2),
		Run:   runTag,
	}

	RootCmd.AddCommand(rate, reclassify, tag)
}

func runRate(cmd *cobra.Command, args []string) {
	rating, err := strconv.Atoi(args[1])
	if err != nil {
		exitErr("rate", model.Invalid("rating", "must be a number between 1 and 5, got %q", args[1]))
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	rec, err := s.Rate(cmd.Context(), args[0], rating)
	if err != nil {
		exitErr("rate", err)
	}
	printRecord(rec)
}

func runReclassify(cmd *cobra.Command, args []string) {
	memType, err := parseType(args[1])
	if err != nil {
		exitErr("reclassify", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	rec, err := s.Reclassify(cmd.Context(), args[0], memType)
	if err != nil {
		exitErr("reclassify", err)
	}
	printRecord(rec)
}

func runTag(cmd *cobra.Command, args []string) {
	tags := model.SplitTags(args[1])
	if len(tags) == 0 {
		exitErr("tag", model.Invalid("tags", "at least one tag is required"))
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	rec, err := s.AddTags(cmd.Context(), args[0], tags)
	if err != nil {
		exitErr("tag", err)
	}
	printRecord(rec)
}

func printRecord(rec *model.MemoryRecord) {
	b, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(b))
}
