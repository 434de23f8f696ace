package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mujurin/ndgrclient-go/pkg/nicolive"
	"github.com/mujurin/ndgrclient-go/pkg/supervisor"
	"github.com/mujurin/ndgrclient-go/pkg/watch"
)

func newWatchCmd() *cobra.Command {
	var quality string

	cmd := &cobra.Command{
		Use:   "watch live-id",
		Short: "Open a live chat stream and print each message as it arrives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), args[0], watch.StreamQuality(quality))
		},
	}

	cmd.Flags().StringVar(&quality, "quality", string(watch.QualityABR), "Requested stream quality")
	return cmd
}

func runWatch(ctx context.Context, liveID string, quality watch.StreamQuality) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, page, err := connectSupervisor(ctx, liveID, quality)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s %s (%s)\n", connectedGlyph, page.Program.Title, page.Program.Status)

	go printStates(sup.States())
	return printMessages(ctx, sup)
}

// connectSupervisor fetches the bootstrap page for liveID and starts a
// Supervisor against it; watch and backward share this.
func connectSupervisor(ctx context.Context, rawLiveID string, quality watch.StreamQuality) (*supervisor.Supervisor, *nicolive.NicolivePageData, error) {
	httpClient := http.DefaultClient

	liveID, err := nicolive.ParseLiveID(rawLiveID)
	if err != nil {
		return nil, nil, err
	}

	page, err := nicolive.FetchPageData(ctx, httpClient, liveID)
	if err != nil {
		return nil, nil, fmt.Errorf("ndgr: fetching bootstrap page: %w", err)
	}

	sup := supervisor.Start(ctx, supervisor.Config{
		Dial:     watch.DialGorilla,
		WatchURL: page.WebSocketURL,
		StartOptions: watch.Options{
			Stream: &watch.StreamOption{Quality: quality, Latency: watch.LatencyLow},
		},
		HTTPClient:  httpClient,
		UseNow:      true,
		RetryDelays: cfg.retryDelays(),
	})
	return sup, page, nil
}

func printStates(states interface{ Next(context.Context) (supervisor.State, error) }) {
	ctx := context.Background()
	for {
		st, err := states.Next(ctx)
		if err != nil {
			return
		}
		switch st {
		case supervisor.StateOpened:
			fmt.Fprintf(stdout, "%s connected\n", connectedGlyph)
		case supervisor.StateReconnecting:
			fmt.Fprintf(stdout, "%s reconnecting\n", reconnectingGlyph)
		case supervisor.StateReconnectFailed:
			fmt.Fprintf(stderr, "%s reconnect ladder exhausted\n", failedGlyph)
		case supervisor.StateDisconnected:
			fmt.Fprintf(stdout, "%s disconnected\n", connectedGlyph)
		}
		log.WithField("state", st).Debug("ndgr: state transition")
	}
}

func printMessages(ctx context.Context, sup *supervisor.Supervisor) error {
	for {
		msg, err := sup.Iterator().Next(ctx)
		if err != nil {
			return nil
		}
		fmt.Fprintf(stdout, "[%d] payload=%v meta-id=%s\n", msg.Meta.AtSec, msg.Payload, msg.Meta.ID)
	}
}
