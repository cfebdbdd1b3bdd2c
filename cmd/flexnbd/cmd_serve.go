package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flexnbd/flexnbd/pkg/control"
	"github.com/flexnbd/flexnbd/pkg/logging"
	"github.com/flexnbd/flexnbd/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve [acl...]",
	Short: "Serve a backing file, starting with control of it",
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "0.0.0.0", "Address to listen on")
	cmd.Flags().Int("port", 0, "Port to listen on (required)")
	cmd.Flags().String("file", "", "Backing file path (required)")
	cmd.Flags().String("sock", "", "Control socket path")
	cmd.Flags().Bool("default-deny", false, "Deny addresses not matched by an ACL entry")
	cmd.Flags().String("log-file", "", "Append structured JSONL events to this file")
}

func runServe(cmd *cobra.Command, args []string) error {
	return runServeOrListen(cmd, args, true)
}

// runServeOrListen is shared by `serve` and `listen`: the two commands
// differ only in whether the process starts holding control of the
// backing file (spec.md §4.4's has_control / .INCOMPLETE flag file).
func runServeOrListen(cmd *cobra.Command, aclArgs []string, hasControlAtStart bool) error {
	addr, _ := cmd.Flags().GetString("addr")
	port, _ := cmd.Flags().GetInt("port")
	file, _ := cmd.Flags().GetString("file")
	sock, _ := cmd.Flags().GetString("sock")
	defaultDeny, _ := cmd.Flags().GetBool("default-deny")
	logFile, _ := cmd.Flags().GetString("log-file")

	if port == 0 || file == "" {
		return fmt.Errorf("--port and --file are required")
	}

	var emitter *logging.Emitter
	if logFile != "" {
		sink, err := logging.NewJSONLWriter(logFile)
		if err != nil {
			return err
		}
		emitter = logging.NewEmitter("flexnbd", sink)
	}

	srv, err := server.New(server.Config{
		Addr:              addr,
		Port:              port,
		FilePath:          file,
		SockPath:          sock,
		ACLEntries:        aclArgs,
		DefaultDeny:       defaultDeny,
		HasControlAtStart: hasControlAtStart,
		Emitter:           emitter,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := srv.Listen(ctx); err != nil {
		return err
	}

	var ctl *control.Socket
	if sock != "" {
		ctl = control.New(srv, sock)
		if err := ctl.Listen(); err != nil {
			return err
		}
		go func() {
			_ = ctl.Serve()
		}()
	}

	err = srv.Serve(ctx)
	if ctl != nil {
		ctl.Stop()
	}
	if emitter != nil {
		_ = emitter.Close()
	}

	// Exit status reflects mission success: 0 iff this process held
	// control of the backing file at shutdown (spec.md §6).
	if !srv.HasControl() {
		os.Exit(2)
	}
	return err
}
