package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Start mirroring the server's backing file to a peer",
	RunE:  runMirror,
}

func init() {
	mirrorCmd.Flags().String("sock", "", "Control socket path (required)")
	mirrorCmd.Flags().String("addr", "", "Peer address (required)")
	mirrorCmd.Flags().Int("port", 0, "Peer port (required)")
	mirrorCmd.Flags().String("bind", "", "Local address to connect from")
	mirrorCmd.Flags().String("action", "nothing", "Completion action: exit, unlink, or nothing")
	mirrorCmd.Flags().Uint64("max-bps", 0, "Bandwidth cap in bytes/sec (0 = unlimited)")
	rootCmd.AddCommand(mirrorCmd)
}

func runMirror(cmd *cobra.Command, args []string) error {
	sock, _ := cmd.Flags().GetString("sock")
	addr, _ := cmd.Flags().GetString("addr")
	port, _ := cmd.Flags().GetInt("port")
	bind, _ := cmd.Flags().GetString("bind")
	action, _ := cmd.Flags().GetString("action")
	maxBps, _ := cmd.Flags().GetUint64("max-bps")

	if sock == "" || addr == "" || port == 0 {
		return fmt.Errorf("--sock, --addr, and --port are required")
	}

	mirrorArgs := []string{addr, strconv.Itoa(port), action}
	if bind != "" || maxBps != 0 {
		mirrorArgs = append(mirrorArgs, bind)
	}
	if maxBps != 0 {
		mirrorArgs = append(mirrorArgs, strconv.FormatUint(maxBps, 10))
	}

	reply, err := sendControlCommand(sock, "mirror", mirrorArgs...)
	if err != nil {
		return err
	}
	return printControlReply(reply)
}
