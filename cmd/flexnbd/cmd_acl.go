package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var aclCmd = &cobra.Command{
	Use:   "acl [acl...]",
	Short: "Replace the running server's ACL",
	RunE:  runACL,
}

func init() {
	aclCmd.Flags().String("sock", "", "Control socket path (required)")
	rootCmd.AddCommand(aclCmd)
}

func runACL(cmd *cobra.Command, args []string) error {
	sock, _ := cmd.Flags().GetString("sock")
	if sock == "" {
		return fmt.Errorf("--sock is required")
	}
	reply, err := sendControlCommand(sock, "acl", args...)
	if err != nil {
		return err
	}
	return printControlReply(reply)
}

// printControlReply renders a control-socket response line to
// stdout/stderr and sets the process exit code from its leading
// <exit_code>, matching original_source/src/remote.c's print_response.
func printControlReply(reply string) error {
	reply = strings.TrimSuffix(reply, "\n")
	code, rest, ok := strings.Cut(reply, ": ")
	if !ok {
		fmt.Println(reply)
		return nil
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		n = 1
	}
	if n > 0 {
		fmt.Fprintln(os.Stderr, rest)
	} else {
		fmt.Println(rest)
	}
	if n != 0 {
		os.Exit(n)
	}
	return nil
}
