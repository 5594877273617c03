package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	statsRunID   string
	statsPersist bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show frame counts and cache hit-rate statistics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsRunID, "run", "", "Restrict frame counts to a run id")
	statsCmd.Flags().BoolVar(&statsPersist, "persisted", false, "Also report persisted row counts from the store")
}

func runStats(cmd *cobra.Command, args []string) error {
	cacheStats := eng.CacheStats()
	fmt.Printf("cache: hits=%d misses=%d hit_rate=%.2f evictions=%d avg_access=%s\n",
		cacheStats.Hits, cacheStats.Misses, cacheStats.HitRate, cacheStats.Evictions, cacheStats.AvgAccessTimeEMA)

	if statsRunID != "" {
		frames := eng.ListFrames(statsRunID)
		byState := map[string]int{}
		for _, f := range frames {
			byState[string(f.State)]++
		}
		fmt.Printf("run %s: %d frames", statsRunID, len(frames))
		for state, n := range byState {
			fmt.Printf(" %s=%d", state, n)
		}
		fmt.Println()
	}

	if statsPersist {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		persisted, err := eng.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("persisted: runs=%d frames=%d events=%d anchors=%d archived_anchors=%d traces=%d\n",
			persisted.Runs, persisted.Frames, persisted.Events, persisted.Anchors, persisted.ArchivedAnchors, persisted.Traces)
	}
	return nil
}

var maintOlderThan time.Duration

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Archive anchors untouched since before the given age",
	RunE:  runMaintenance,
}

func init() {
	maintenanceCmd.Flags().DurationVar(&maintOlderThan, "older-than", 30*24*time.Hour, "Archive anchors created before this age that were never accessed")
}

func runMaintenance(cmd *cobra.Command, args []string) error {
	ctx, cancel := cmdContext(cmd)
	defer cancel()

	n, err := eng.RunMaintenance(ctx, time.Now().Add(-maintOlderThan))
	if err != nil {
		return err
	}
	fmt.Printf("archived %d anchor(s)\n", n)
	return nil
}

var reembedRunID string

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Backfill embeddings for closed frames whose digest has none",
	RunE:  runReembed,
}

func init() {
	reembedCmd.Flags().StringVar(&reembedRunID, "run", "", "Run id (required)")
	reembedCmd.MarkFlagRequired("run")
}

func runReembed(cmd *cobra.Command, args []string) error {
	ctx, cancel := cmdContext(cmd)
	defer cancel()

	n, err := eng.ReembedDigests(ctx, reembedRunID)
	if err != nil {
		return err
	}
	fmt.Printf("re-embedded %d frame(s)\n", n)
	return nil
}
