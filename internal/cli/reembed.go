package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "reembed",
		Short: "Compute embeddings for memories stored without one",
		Run:   runReembed,
	}

	cmd.Flags().IntP("limit", "l", 100, "Max memories to embed")

	RootCmd.AddCommand(cmd)
}

func runReembed(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	e, err := newEmbedder()
	if err != nil {
		exitErr("embedder", err)
	}
	if e == nil {
		exitErr("reembed", model.Invalid("embed_provider", "no embedding provider configured (set MEMORY_CLOUD_EMBED_PROVIDER)"))
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	recs, err := s.MissingEmbeddings(cmd.Context(), limit)
	if err != nil {
		exitErr("reembed", err)
	}

	var embedded, failed int
	for _, r := range recs {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.EmbedTimeout)
		vec, err := e.Embed(ctx, r.Content)
		cancel()
		if err == nil && len(vec) != e.Dims() {
			err = fmt.Errorf("expected %d dimensions, got %d", e.Dims(), len(vec))
		}
		if err != nil {
			logger.Warn("embedding failed", "hash", r.ContentHash, "error", err)
			failed++
			continue
		}
		if _, err := s.SetEmbedding(cmd.Context(), r.ContentHash, vec); err != nil {
			exitErr("reembed", err)
		}
		embedded++
	}

	b, _ := json.Marshal(map[string]int{
		"considered": len(recs),
		"embedded":   embedded,
		"failed":     failed,
	})
	fmt.Println(string(b))
}
