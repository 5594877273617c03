package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stackmemoryai/stackmemory-sub002/internal/anchorindex"
)

var (
	anchorRunID    string
	anchorFrameID  string
	anchorType     string
	anchorText     string
	anchorPriority int
)

var anchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Pin facts, decisions, and constraints to a frame",
}

var anchorAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Pin a new anchor to a frame",
	RunE:  runAnchorAdd,
}

func init() {
	anchorAddCmd.Flags().StringVar(&anchorRunID, "run", "", "Run id (required)")
	anchorAddCmd.Flags().StringVar(&anchorFrameID, "frame", "", "Frame id (required)")
	anchorAddCmd.Flags().StringVar(&anchorType, "type", string(anchorindex.TypeFact), "Anchor type")
	anchorAddCmd.Flags().StringVar(&anchorText, "text", "", "Anchor text (required)")
	anchorAddCmd.Flags().IntVar(&anchorPriority, "priority", 5, "Priority [0,10]")
	anchorAddCmd.MarkFlagRequired("run")
	anchorAddCmd.MarkFlagRequired("frame")
	anchorAddCmd.MarkFlagRequired("text")
}

func runAnchorAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := cmdContext(cmd)
	defer cancel()

	a, err := eng.AddAnchor(ctx, anchorRunID, anchorFrameID, anchorindex.Type(anchorType), anchorText, anchorPriority)
	if err != nil {
		return err
	}
	logger.Info("added anchor", zap.String("id", a.ID), zap.String("type", string(a.Type)))
	fmt.Println(a.ID)
	return nil
}
