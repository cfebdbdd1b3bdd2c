package main

import (
	"bufio"
	"fmt"
	"net"
)

// sendControlCommand dials sockPath, sends cmd followed by one line per
// arg then a blank line, and returns the single response line, per
// spec.md §4.6/§6 (grounded on original_source/src/remote.c's
// do_remote_command).
func sendControlCommand(sockPath, cmd string, args ...string) (string, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return "", fmt.Errorf("connecting to %s: %w", sockPath, err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "%s\n", cmd)
	for _, a := range args {
		fmt.Fprintf(conn, "%s\n", a)
	}
	fmt.Fprint(conn, "\n")

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading response from %s: %w", sockPath, err)
	}
	return reply, nil
}
