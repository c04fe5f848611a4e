package cli

import (
	"encoding/json"
	"fmt"

	"github.com/rcliao/memory-cloud/internal/embedding"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Create or update a relation between two memories",
		Run:   runLink,
	}

	cmd.Flags().String("from", "", "Source content hash (or prefix)")
	cmd.Flags().String("to", "", "Target content hash (or prefix)")
	cmd.Flags().StringP("rel", "r", store.RelRelatesTo, "Relation: semantic, relates_to, contradicts, depends_on, refines, summarizes")
	cmd.Flags().Float64("similarity", 0, "Edge similarity (computed from embeddings when 0)")

	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")

	RootCmd.AddCommand(cmd)
}

func runLink(cmd *cobra.Command, args []string) {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	rel, _ := cmd.Flags().GetString("rel")
	similarity, _ := cmd.Flags().GetFloat64("similarity")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	src, err := s.Get(cmd.Context(), from)
	if err != nil {
		exitErr("link: from", err)
	}
	dst, err := s.Get(cmd.Context(), to)
	if err != nil {
		exitErr("link: to", err)
	}
	if similarity == 0 && len(src.Embedding) > 0 && len(src.Embedding) == len(dst.Embedding) {
		similarity = embedding.CosineSimilarity(src.Embedding, dst.Embedding)
	}

	edge, err := s.UpsertEdge(cmd.Context(), model.GraphEdge{
		SourceHash:       src.ContentHash,
		TargetHash:       dst.ContentHash,
		Similarity:       similarity,
		RelationshipType: rel,
		Metadata:         map[string]any{"created_by": cfg.DeviceName},
	})
	if err != nil {
		exitErr("link", err)
	}

	b, _ := json.MarshalIndent(edge, "", "  ")
	fmt.Println(string(b))
}
