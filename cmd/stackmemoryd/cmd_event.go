package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stackmemoryai/stackmemory-sub002/internal/eventlog"
)

var (
	eventRunID   string
	eventFrameID string
	eventType    string
	eventPayload string
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Append events to a frame's log",
}

var eventAppendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append one event to a frame",
	RunE:  runEventAppend,
}

func init() {
	eventAppendCmd.Flags().StringVar(&eventRunID, "run", "", "Run id (required)")
	eventAppendCmd.Flags().StringVar(&eventFrameID, "frame", "", "Frame id (required)")
	eventAppendCmd.Flags().StringVar(&eventType, "type", string(eventlog.EventObservation), "Event type")
	eventAppendCmd.Flags().StringVar(&eventPayload, "payload", "{}", "Payload as a JSON object")
	eventAppendCmd.MarkFlagRequired("run")
	eventAppendCmd.MarkFlagRequired("frame")
}

func runEventAppend(cmd *cobra.Command, args []string) error {
	ctx, cancel := cmdContext(cmd)
	defer cancel()

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(eventPayload), &payload); err != nil {
		return fmt.Errorf("invalid --payload JSON: %w", err)
	}

	ev, trace, err := eng.AppendEvent(ctx, eventRunID, eventFrameID, eventlog.EventType(eventType), payload)
	if err != nil {
		return err
	}
	logger.Info("appended event", zap.String("id", ev.ID), zap.String("type", string(ev.Type)))
	if trace != nil {
		logger.Info("closed tool-call trace", zap.String("id", trace.ID), zap.String("type", string(trace.Type)))
	}
	fmt.Println(ev.ID)
	return nil
}
