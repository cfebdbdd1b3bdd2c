package main

import "github.com/spf13/cobra"

var listenCmd = &cobra.Command{
	Use:   "listen [acl...]",
	Short: "Serve a backing file, starting without control of it",
	RunE:  runListen,
}

func init() {
	addServeFlags(listenCmd)
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	return runServeOrListen(cmd, args, false)
}
