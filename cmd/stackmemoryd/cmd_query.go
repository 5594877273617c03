package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stackmemoryai/stackmemory-sub002/internal/assembler"
)

var assembleBudget int

var queryCmd = &cobra.Command{
	Use:   "query <run-id> <query text>",
	Short: "Run a retrieval query against a run's recorded frames",
	Long: `Runs free-text (with optional +modifiers, e.g. +last:7d +owner:alice)
against a run's frame history and prints the ranked hits.

Example:
  stackmemoryd query run1 "oauth redirect +last:7d"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runQuery,
}

var assembleCmd = &cobra.Command{
	Use:   "assemble <run-id> [query text]",
	Short: "Assemble a token-budgeted context bundle for a run",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAssemble,
}

func init() {
	assembleCmd.Flags().IntVar(&assembleBudget, "budget", 4000, "Token budget")
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := cmdContext(cmd)
	defer cancel()

	runID := args[0]
	text := strings.Join(args[1:], " ")

	result, parsed, err := eng.Query(ctx, runID, text)
	if err != nil {
		return err
	}
	if len(parsed.ValidationErrors) > 0 {
		for _, ve := range parsed.ValidationErrors {
			fmt.Printf("warning: %s: %s\n", ve.Field, ve.Message)
		}
	}

	fmt.Printf("strategy=%s degraded=%v time_ms=%d hits=%d\n", result.Strategy, result.DegradedSemantic, result.RetrievalTimeMS, len(result.Hits))
	for _, hit := range result.Hits {
		fmt.Printf("%.3f\t%s\t%s\t%s\t(%s)\n", hit.Score, hit.Frame.ID, hit.Frame.Type, hit.Frame.Name, hit.Reason)
	}
	return nil
}

func runAssemble(cmd *cobra.Command, args []string) error {
	ctx, cancel := cmdContext(cmd)
	defer cancel()

	runID := args[0]
	query := ""
	if len(args) > 1 {
		query = strings.Join(args[1:], " ")
	}

	bundle := eng.AssembleContext(ctx, runID, query, assembleBudget, nil)
	printBundle(bundle)
	return nil
}

func printBundle(b assembler.Bundle) {
	fmt.Printf("tokens_used=%d/%d sources=%d degraded=%v\n\n",
		b.Usage.TokensUsed, b.Usage.TokenBudget, b.Usage.SourcesCount, b.Usage.DegradedIncomplete)

	fmt.Println("== hot stack ==")
	for _, fb := range b.HotStack {
		fmt.Printf("- %s [%s] %s\n", fb.FrameID, fb.Type, fb.Name)
		for _, a := range fb.Anchors {
			fmt.Printf("    %s(%d): %s\n", a.Type, a.Priority, a.Text)
		}
		for _, ev := range fb.RecentEvents {
			fmt.Printf("    event %s %s\n", ev.Type, ev.Timestamp.Format("15:04:05"))
		}
	}

	fmt.Println("\n== relevant digests ==")
	for _, d := range b.RelevantDigests {
		result := ""
		if d.Digest != nil {
			result = d.Digest.Result
		}
		fmt.Printf("- %.3f %s %s: %s\n", d.Score, d.FrameID, d.Name, result)
	}

	if len(b.Pointers) > 0 {
		fmt.Println("\n== pointers ==")
		for _, p := range b.Pointers {
			fmt.Printf("- %s (%s)\n", p.URI, p.Kind)
		}
	}
}
