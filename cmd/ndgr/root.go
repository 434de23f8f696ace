package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// special handling for Windows, on all other platforms these resolve to
// os.Stdout and os.Stderr, thanks to https://github.com/mattn/go-colorable
var (
	stdout = color.Output
	stderr = color.Error

	connectedGlyph    = color.New(color.FgGreen, color.Bold).SprintFunc()("√")  // √
	reconnectingGlyph = color.New(color.FgYellow, color.Bold).SprintFunc()("‼") // ‼
	failedGlyph       = color.New(color.FgRed, color.Bold).SprintFunc()("×")    // ×
)

var (
	configPath string
	verbose    bool
	cfg        = defaultConfig()
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ndgr",
		Short: "ndgr drives the niconico live chat client engine from a terminal",
		Long:  `ndgr drives the niconico live chat client engine from a terminal.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.WarnLevel)
			}
			if configPath == "" {
				return nil
			}
			loaded, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("ndgr: loading config %s: %w", configPath, err)
			}
			cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file overriding connection tuning")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Turn on debug logging")

	root.AddCommand(newWatchCmd())
	root.AddCommand(newBackwardCmd())
	root.AddCommand(newPostCmd())

	return root
}

func fatal(err error) {
	fmt.Fprintln(stderr, failedGlyph, err)
	os.Exit(1)
}
