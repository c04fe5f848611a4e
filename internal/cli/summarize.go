package cli

import (
	"encoding/json"
	"fmt"

	"github.com/rcliao/memory-cloud/internal/cloud"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/summarize"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Cluster similar memories and write summaries",
		Long: `Group embedded memories by similarity and write one summary per cluster.
Originals are never modified or removed. --dry-run reports what would be
created without writing anything.`,
		Run: runSummarize,
	}

	cmd.Flags().Bool("dry-run", false, "Report clusters without writing")
	cmd.Flags().Float64("threshold", 0, "Cluster similarity threshold (default $MEMORY_CLOUD_SUMMARY_THRESHOLD or 0.75)")
	cmd.Flags().Int("min-cluster", 0, "Minimum cluster size (default $MEMORY_CLOUD_SUMMARY_MIN_CLUSTER or 3)")
	cmd.Flags().String("source", string(summarize.SourceLocal), "Records to cluster: local or cloud")
	cmd.Flags().String("type", "", "Only cluster memories of this type")

	RootCmd.AddCommand(cmd)
}

func runSummarize(cmd *cobra.Command, args []string) {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	threshold, _ := cmd.Flags().GetFloat64("threshold")
	minCluster, _ := cmd.Flags().GetInt("min-cluster")
	source, _ := cmd.Flags().GetString("source")
	typeStr, _ := cmd.Flags().GetString("type")

	memType, err := parseType(typeStr)
	if err != nil {
		exitErr("summarize", err)
	}
	src := summarize.Source(source)
	if src != summarize.SourceLocal && src != summarize.SourceCloud {
		exitErr("summarize", model.Invalid("source", "must be local or cloud, got %q", source))
	}
	if threshold == 0 {
		threshold = cfg.SummaryThreshold
	}
	if minCluster == 0 {
		minCluster = cfg.SummaryMinCluster
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	var mirror cloud.Mirror
	if src == summarize.SourceCloud {
		m, err := openMirror(cmd.Context())
		if err != nil {
			exitErr("open cloud mirror", err)
		}
		defer m.Close()
		mirror = m
	}

	rep, err := summarize.New(s, mirror, cfg.DeviceName, logger).Summarize(cmd.Context(),
		summarize.Scope{Source: src, MemoryType: memType},
		summarize.Options{Threshold: threshold, MinCluster: minCluster, DryRun: dryRun})
	if rep != nil {
		b, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Println(string(b))
	}
	if err != nil {
		exitErr("summarize", err)
	}
}
