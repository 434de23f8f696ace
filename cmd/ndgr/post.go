package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/mujurin/ndgrclient-go/pkg/broadcomment"
	"github.com/mujurin/ndgrclient-go/pkg/nicolive"
)

func newPostCmd() *cobra.Command {
	var name string
	var permanent bool
	var commentColor string

	cmd := &cobra.Command{
		Use:   "post live-id text",
		Short: "Set the pinned broadcaster comment for a program",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPost(cmd.Context(), args[0], args[1], name, permanent, commentColor)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name for the pinned comment")
	cmd.Flags().BoolVar(&permanent, "permanent", false, "Keep the comment pinned across program state changes")
	cmd.Flags().StringVar(&commentColor, "color", "", "Pinned comment command/color string")
	return cmd
}

func runPost(ctx context.Context, rawLiveID, text, name string, permanent bool, color string) error {
	httpClient := http.DefaultClient

	liveID, err := nicolive.ParseLiveID(rawLiveID)
	if err != nil {
		return err
	}

	page, err := nicolive.FetchPageData(ctx, httpClient, liveID)
	if err != nil {
		return fmt.Errorf("ndgr: fetching bootstrap page: %w", err)
	}
	if page.BroadcasterCommentToken == "" {
		return fmt.Errorf("ndgr: bootstrap page carried no broadcaster comment token")
	}

	client := broadcomment.New(httpClient, liveID, page.BroadcasterCommentToken)
	if err := client.Put(ctx, text, broadcomment.PutOptions{Name: name, IsPermanent: permanent, Color: color}); err != nil {
		return fmt.Errorf("ndgr: posting broadcaster comment: %w", err)
	}
	fmt.Fprintf(stdout, "%s posted\n", connectedGlyph)
	return nil
}
