package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/flexnbd/flexnbd/pkg/nbdproto"
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Read a byte range from stdin and write it to a server",
	RunE:  runWrite,
}

func init() {
	writeCmd.Flags().String("addr", "", "Server address (required)")
	writeCmd.Flags().Int("port", 0, "Server port (required)")
	writeCmd.Flags().Uint64("from", 0, "Byte offset")
	writeCmd.Flags().Uint64("size", 0, "Byte length (required)")
	writeCmd.Flags().String("bind", "", "Local address to connect from")
	rootCmd.AddCommand(writeCmd)
}

func runWrite(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	port, _ := cmd.Flags().GetInt("port")
	from, _ := cmd.Flags().GetUint64("from")
	size, _ := cmd.Flags().GetUint64("size")
	bind, _ := cmd.Flags().GetString("bind")

	if addr == "" || port == 0 || size == 0 {
		return fmt.Errorf("--addr, --port, and --size are required")
	}

	conn, _, err := dialAndHello(addr, port, bind)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := nbdproto.Request{Type: nbdproto.CmdWrite, Handle: 1, From: from, Len: uint32(size)}
	if _, err := conn.Write(req.Encode()); err != nil {
		return err
	}
	if _, err := io.CopyN(conn, os.Stdin, int64(size)); err != nil {
		return err
	}

	replyBuf := make([]byte, nbdproto.ReplySize)
	if _, err := io.ReadFull(conn, replyBuf); err != nil {
		return err
	}
	reply, err := nbdproto.DecodeReply(replyBuf)
	if err != nil {
		return err
	}
	if reply.Error != nbdproto.ErrNone {
		return fmt.Errorf("server returned error %d", reply.Error)
	}
	return nil
}
