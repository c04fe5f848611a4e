// Package cli implements the memory-cloud CLI commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/rcliao/memory-cloud/internal/cloud"
	"github.com/rcliao/memory-cloud/internal/config"
	"github.com/rcliao/memory-cloud/internal/contextutil"
	"github.com/rcliao/memory-cloud/internal/embedding"
	"github.com/rcliao/memory-cloud/internal/gate"
	"github.com/rcliao/memory-cloud/internal/ingest"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/retry"
	"github.com/rcliao/memory-cloud/internal/store"
	"github.com/rcliao/memory-cloud/internal/syncer"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitFatal    = 1
	exitDegraded = 2
)

var (
	dbPath string
	cfg    *config.Config
	logger *slog.Logger
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memory-cloud",
	Short: "Retention-safe agent memory with a never-delete cloud mirror",
	Long: `memory-cloud keeps agent memories in a local SQLite store and replicates
them to a cloud mirror that never deletes. Removed memories are preserved
in a deletion ledger and can be restored bit-for-bit.`,
	PersistentPreRun: loadConfig,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $MEMORY_CLOUD_DB or ~/.memory-cloud/local.db)")
}

func loadConfig(cmd *cobra.Command, args []string) {
	c, err := config.Load()
	if err != nil {
		exitErr("config", err)
	}
	if dbPath != "" {
		c.DBPath = dbPath
	}
	cfg = c
	logger = newLogger(c)
	slog.SetDefault(logger)
	cmd.SetContext(contextutil.WithLogger(cmd.Context(), logger))
	logger.Debug("configuration loaded", "db", c.DBPath, "device", c.DeviceName, "cloud", c.CloudEnabled())
}

// newLogger writes to stderr so stdout stays machine-readable.
func newLogger(c *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.DBPath)
}

func openMirror(ctx context.Context) (cloud.Mirror, error) {
	return cloud.Open(ctx, cfg.CloudURL, cfg.EmbedDims)
}

// newEmbedder returns nil when no provider is configured.
func newEmbedder() (embedding.Embedder, error) {
	return embedding.New(embedding.Config{
		Provider: cfg.EmbedProvider,
		Model:    cfg.EmbedModel,
		URL:      cfg.EmbedURL,
		APIKey:   cfg.OpenAIKey,
		Dims:     cfg.EmbedDims,
	})
}

func newGate() (*gate.Gate, error) {
	if cfg.RulesPath == "" {
		return gate.NewDefault(), nil
	}
	t, err := gate.LoadRuleTable(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	return gate.New(t)
}

func newIngestor(s *store.SQLiteStore) (*ingest.Ingestor, error) {
	g, err := newGate()
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	e, err := newEmbedder()
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return ingest.New(g, e, s, ingest.Options{
		DeviceName:       cfg.DeviceName,
		NearDupThreshold: cfg.NearDupThreshold,
		EmbedTimeout:     cfg.EmbedTimeout,
		Logger:           logger,
	}), nil
}

func retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryDelay,
		CallTimeout: cfg.CallTimeout,
	}
}

func parseType(s string) (model.MemoryType, error) {
	if s == "" {
		return "", nil
	}
	t := model.MemoryType(strings.ToLower(strings.TrimSpace(s)))
	if !model.ValidTypes[t] {
		return "", model.Invalid("type", "unknown memory type %q", s)
	}
	return t, nil
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	if hint := hintFor(err); hint != "" {
		fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
	}
	os.Exit(exitCode(err))
}

// exitCode separates failures that clear on their own (cloud unreachable
// after every retry) from those that need an operator.
func exitCode(err error) int {
	if errors.Is(err, syncer.ErrDegraded) || cloud.IsTransient(err) {
		return exitDegraded
	}
	return exitFatal
}

func hintFor(err error) string {
	switch {
	case errors.Is(err, syncer.ErrDegraded):
		return "local writes are safe; the next sync retries the same window"
	case errors.Is(err, model.ErrIntegrity):
		return "integrity violations are never resolved automatically; inspect the record and ledger with get/search --cloud --include-deleted"
	case errors.Is(err, cloud.ErrNotConfigured):
		return "set MEMORY_CLOUD_URL to a postgres:// URL or an SQLite mirror path"
	case errors.Is(err, syncer.ErrSyncInProgress):
		return "wait for the running sync to finish"
	case cloud.IsTransient(err):
		return "the cloud mirror is unreachable; local data is safe, run the command again later"
	}
	return ""
}
