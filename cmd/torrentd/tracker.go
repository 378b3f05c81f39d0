package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shardhash/torrentd/metrics"
	"github.com/shardhash/torrentd/store"
	"github.com/shardhash/torrentd/trackerserver"
)

var trackerAddr string

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "run the tracker's TCP listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		if trackerAddr != "" {
			config.Tracker.Addr = trackerAddr
		}

		log := newLogger(config.LogLevel)

		scope, closer, err := metrics.New(config.Metrics)
		if err != nil {
			return fmt.Errorf("init metrics: %s", err)
		}
		defer closer.Close()
		_ = scope

		s, err := store.New(config.Store)
		if err != nil {
			return fmt.Errorf("init store: %s", err)
		}
		defer s.Close()

		srv := trackerserver.New(config.Tracker, s, log)

		ctx, cancel := signalContext()
		defer cancel()

		log.Infof("tracker starting on %s", config.Tracker.Addr)
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	trackerCmd.Flags().StringVar(&trackerAddr, "addr", "", "address to listen on (overrides config)")
}
