package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stackmemoryai/stackmemory-sub002/internal/framestore"
)

var (
	frameRunID    string
	frameParentID string
	frameType     string
	frameName     string
	frameInputs   string
	frameOutputs  string
	frameDigest   string
)

var frameCmd = &cobra.Command{
	Use:   "frame",
	Short: "Create, close, and list frames",
}

var frameCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new frame (a root if --parent is empty)",
	RunE:  runFrameCreate,
}

var frameCloseCmd = &cobra.Command{
	Use:   "close <frame-id>",
	Short: "Close a frame, attaching outputs and a digest",
	Args:  cobra.ExactArgs(1),
	RunE:  runFrameClose,
}

var frameListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every frame for a run",
	RunE:  runFrameList,
}

func init() {
	frameCreateCmd.Flags().StringVar(&frameRunID, "run", "", "Run id (required)")
	frameCreateCmd.Flags().StringVar(&frameParentID, "parent", "", "Parent frame id (empty for a root)")
	frameCreateCmd.Flags().StringVar(&frameType, "type", string(framestore.TypeTask), "Frame type")
	frameCreateCmd.Flags().StringVar(&frameName, "name", "", "Frame name")
	frameCreateCmd.Flags().StringVar(&frameInputs, "inputs", "{}", "Inputs as a JSON object")
	frameCreateCmd.MarkFlagRequired("run")

	frameCloseCmd.Flags().StringVar(&frameRunID, "run", "", "Run id (required)")
	frameCloseCmd.Flags().StringVar(&frameOutputs, "outputs", "{}", "Outputs as a JSON object")
	frameCloseCmd.Flags().StringVar(&frameDigest, "digest-result", "", "Digest result summary")
	frameCloseCmd.MarkFlagRequired("run")

	frameListCmd.Flags().StringVar(&frameRunID, "run", "", "Run id (required)")
	frameListCmd.MarkFlagRequired("run")
}

func runFrameCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := cmdContext(cmd)
	defer cancel()

	var inputs map[string]interface{}
	if err := json.Unmarshal([]byte(frameInputs), &inputs); err != nil {
		return fmt.Errorf("invalid --inputs JSON: %w", err)
	}

	f, err := eng.CreateFrame(ctx, frameRunID, frameParentID, framestore.FrameType(frameType), frameName, inputs)
	if err != nil {
		return err
	}
	logger.Info("created frame", zap.String("id", f.ID), zap.String("run", f.RunID), zap.Int("depth", f.Depth))
	fmt.Println(f.ID)
	return nil
}

func runFrameClose(cmd *cobra.Command, args []string) error {
	ctx, cancel := cmdContext(cmd)
	defer cancel()

	var outputs map[string]interface{}
	if err := json.Unmarshal([]byte(frameOutputs), &outputs); err != nil {
		return fmt.Errorf("invalid --outputs JSON: %w", err)
	}

	var digest *framestore.Digest
	if frameDigest != "" {
		digest = &framestore.Digest{Result: frameDigest}
	}

	if err := eng.CloseFrame(ctx, frameRunID, args[0], outputs, digest); err != nil {
		return err
	}
	logger.Info("closed frame", zap.String("id", args[0]))
	return nil
}

func runFrameList(cmd *cobra.Command, args []string) error {
	frames := eng.ListFrames(frameRunID)
	for _, f := range frames {
		fmt.Printf("%s\t%s\t%s\t%s\tdepth=%d\n", f.ID, f.Type, f.Name, f.State, f.Depth)
	}
	return nil
}
