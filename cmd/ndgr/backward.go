package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mujurin/ndgrclient-go/pkg/watch"
)

func newBackwardCmd() *cobra.Command {
	var snapshot bool

	cmd := &cobra.Command{
		Use:   "backward live-id",
		Short: "Connect, wait for the historic segment pointer, and print one page walk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackward(cmd.Context(), args[0], snapshot)
		},
	}

	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "Walk the snapshot chain instead of the segment chain")
	return cmd
}

func runBackward(ctx context.Context, liveID string, snapshot bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, _, err := connectSupervisor(ctx, liveID, watch.QualityABR)
	if err != nil {
		return err
	}
	defer sup.Close()

	// Give the entry fetch a moment to surface the first backward
	// pointer before asking for it; GetBackwardMessages returns nil,
	// nil until one is discovered.
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		result, err := sup.GetBackwardMessages(ctx, cfg.backwardDelay(), cfg.BackwardPageSize, snapshot)
		if err != nil {
			return fmt.Errorf("ndgr: walking backward segments: %w", err)
		}
		if result != nil {
			fmt.Fprintf(stdout, "%s fetched %d backward messages\n", connectedGlyph, len(result.Messages))
			for _, msg := range result.Messages {
				fmt.Fprintf(stdout, "[%d] payload=%v meta-id=%s\n", msg.Meta.AtSec, msg.Payload, msg.Meta.ID)
			}
			return nil
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("ndgr: no backward pointer discovered within %s", 5*time.Second)
		case <-time.After(200 * time.Millisecond):
		}
	}
}
