package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the server's status line",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("sock", "", "Control socket path (required)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	sock, _ := cmd.Flags().GetString("sock")
	if sock == "" {
		return fmt.Errorf("--sock is required")
	}
	reply, err := sendControlCommand(sock, "status")
	if err != nil {
		return err
	}
	return printControlReply(reply)
}
