package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shardhash/torrentd/metainfo"
)

var getCmd = &cobra.Command{
	Use:   "get <torrent-file>",
	Short: "print the metadata encoded in a torrent file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read torrent file: %s", err)
		}
		info, err := metainfo.Decode(data)
		if err != nil {
			return fmt.Errorf("decode torrent file: %s", err)
		}
		h, err := info.InfoHash()
		if err != nil {
			return fmt.Errorf("compute info hash: %s", err)
		}

		fmt.Printf("name:         %s\n", info.Name)
		fmt.Printf("info_hash:    %s\n", h.Hex())
		fmt.Printf("total_length: %d\n", info.TotalLength)
		fmt.Printf("piece_length: %d\n", info.PieceLength)
		fmt.Printf("num_pieces:   %d\n", info.NumPieces())
		return nil
	},
}
