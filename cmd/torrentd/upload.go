package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shardhash/torrentd/store"
	"github.com/shardhash/torrentd/trackerserver"
)

var (
	uploadHost string
	uploadPort int
)

var uploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "split a file into pieces, register it with the tracker's store, and seed it locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		log := newLogger(config.LogLevel)

		s, err := store.New(config.Store)
		if err != nil {
			return fmt.Errorf("init store: %s", err)
		}
		defer s.Close()

		peerID, err := generatePeerID(uploadHost, uploadPort)
		if err != nil {
			return fmt.Errorf("generate peer id: %s", err)
		}

		srv := trackerserver.New(config.Tracker, s, log)
		h, err := srv.UploadFile(args[0], peerID, uploadHost, uploadPort)
		if err != nil {
			return fmt.Errorf("upload: %s", err)
		}

		fmt.Printf("info_hash: %s\npeer_id:   %s\n", h.Hex(), peerID.String())
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadHost, "host", "127.0.0.1", "this uploader's advertised host")
	uploadCmd.Flags().IntVar(&uploadPort, "port", 6881, "this uploader's advertised peer-server port")
}
