package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rcliao/memory-cloud/internal/cloud"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories by keyword or meaning",
		Long: `Search memory content and tags for matching text. --semantic ranks by
embedding similarity instead. --cloud searches the cloud mirror, where
--include-deleted also returns tombstoned records.`,
		Args: cobra.MinimumNArgs(1),
		Run:  runSearch,
	}

	cmd.Flags().String("type", "", "Filter by memory type (local only)")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Bool("semantic", false, "Rank by embedding similarity")
	cmd.Flags().Bool("cloud", false, "Search the cloud mirror")
	cmd.Flags().Bool("include-deleted", false, "Include tombstoned records (with --cloud)")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	typeStr, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")
	semantic, _ := cmd.Flags().GetBool("semantic")
	useCloud, _ := cmd.Flags().GetBool("cloud")
	includeDeleted, _ := cmd.Flags().GetBool("include-deleted")
	query := strings.Join(args, " ")

	memType, err := parseType(typeStr)
	if err != nil {
		exitErr("search", err)
	}
	if includeDeleted && !useCloud {
		exitErr("search", model.Invalid("include-deleted", "requires --cloud"))
	}

	var vec []float32
	if semantic {
		if vec, err = embedQuery(cmd.Context(), query); err != nil {
			exitErr("embed query", err)
		}
	}

	var results any
	if useCloud {
		results, err = searchCloud(cmd.Context(), query, vec, includeDeleted, limit)
	} else {
		results, err = searchLocal(cmd.Context(), query, vec, memType, limit)
	}
	if err != nil {
		exitErr("search", err)
	}

	b, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(b))
}

func searchLocal(ctx context.Context, query string, vec []float32, memType model.MemoryType, limit int) (any, error) {
	s, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	if vec != nil {
		res, err := s.SearchVector(ctx, vec, memType, limit)
		if res == nil {
			res = []store.ScoredRecord{}
		}
		return res, err
	}
	res, err := s.Search(ctx, store.SearchParams{Query: query, MemoryType: memType, Limit: limit})
	if res == nil {
		res = []model.MemoryRecord{}
	}
	return res, err
}

func searchCloud(ctx context.Context, query string, vec []float32, includeDeleted bool, limit int) (any, error) {
	m, err := openMirror(ctx)
	if err != nil {
		return nil, fmt.Errorf("open cloud mirror: %w", err)
	}
	defer m.Close()

	if vec != nil {
		res, err := m.SearchVector(ctx, vec, includeDeleted, limit)
		if res == nil {
			res = []cloud.Match{}
		}
		return res, err
	}
	res, err := m.SearchText(ctx, query, includeDeleted, limit)
	if res == nil {
		res = []model.MemoryRecord{}
	}
	return res, err
}

func embedQuery(ctx context.Context, query string) ([]float32, error) {
	e, err := newEmbedder()
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, model.Invalid("semantic", "no embedding provider configured (set MEMORY_CLOUD_EMBED_PROVIDER)")
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.EmbedTimeout)
	defer cancel()
	return e.Embed(ctx, query)
}
