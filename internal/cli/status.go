package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rcliao/memory-cloud/internal/cloud"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/store"
	"github.com/spf13/cobra"
)

type statusConfig struct {
	Device        string  `json:"device"`
	DBPath        string  `json:"db_path"`
	CloudEnabled  bool    `json:"cloud_enabled"`
	SyncEnabled   bool    `json:"sync_enabled"`
	SyncInterval  string  `json:"sync_interval"`
	EmbedProvider string  `json:"embed_provider,omitempty"`
	EmbedDims     int     `json:"embed_dims"`
	NearDup       float64 `json:"near_duplicate_threshold"`
	Threshold     int     `json:"capture_threshold"`
}

type statusReport struct {
	Config     statusConfig      `json:"config"`
	Local      *store.Stats      `json:"local"`
	Cloud      *cloud.Stats      `json:"cloud,omitempty"`
	Cursor     *model.SyncCursor `json:"cursor,omitempty"`
	CloudError string            `json:"cloud_error,omitempty"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, local and cloud statistics, and the sync cursor",
		Run:   runStatus,
	}

	RootCmd.AddCommand(cmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	g, err := newGate()
	if err != nil {
		exitErr("load rules", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	local, err := s.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}

	rep := statusReport{
		Config: statusConfig{
			Device:        cfg.DeviceName,
			DBPath:        cfg.DBPath,
			CloudEnabled:  cfg.CloudEnabled(),
			SyncEnabled:   cfg.SyncEnabled,
			SyncInterval:  cfg.SyncInterval.String(),
			EmbedProvider: cfg.EmbedProvider,
			EmbedDims:     cfg.EmbedDims,
			NearDup:       cfg.NearDupThreshold,
			Threshold:     g.Threshold(),
		},
		Local: local,
	}

	if cfg.CloudEnabled() {
		if err := cloudStatus(cmd.Context(), &rep); err != nil {
			logger.Warn("cloud mirror unavailable", "error", err)
			rep.CloudError = err.Error()
		}
	}

	b, _ := json.MarshalIndent(rep, "", "  ")
	fmt.Println(string(b))
}

func cloudStatus(ctx context.Context, rep *statusReport) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()

	m, err := openMirror(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	if rep.Cloud, err = m.Stats(ctx); err != nil {
		return err
	}
	cur, err := m.Cursor(ctx, cfg.DeviceName)
	if err != nil {
		return err
	}
	rep.Cursor = &cur
	return nil
}
