package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var breakCmd = &cobra.Command{
	Use:   "break",
	Short: "Abandon a running mirror attempt",
	RunE:  runBreak,
}

func init() {
	breakCmd.Flags().String("sock", "", "Control socket path (required)")
	rootCmd.AddCommand(breakCmd)
}

func runBreak(cmd *cobra.Command, args []string) error {
	sock, _ := cmd.Flags().GetString("sock")
	if sock == "" {
		return fmt.Errorf("--sock is required")
	}
	reply, err := sendControlCommand(sock, "break")
	if err != nil {
		return err
	}
	return printControlReply(reply)
}
