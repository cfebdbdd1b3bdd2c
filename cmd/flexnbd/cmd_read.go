package main

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/flexnbd/flexnbd/pkg/nbdproto"
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a byte range from a server and write it to stdout",
	RunE:  runRead,
}

func init() {
	readCmd.Flags().String("addr", "", "Server address (required)")
	readCmd.Flags().Int("port", 0, "Server port (required)")
	readCmd.Flags().Uint64("from", 0, "Byte offset")
	readCmd.Flags().Uint64("size", 0, "Byte length (required)")
	readCmd.Flags().String("bind", "", "Local address to connect from")
	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
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

	req := nbdproto.Request{Type: nbdproto.CmdRead, Handle: 1, From: from, Len: uint32(size)}
	if _, err := conn.Write(req.Encode()); err != nil {
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

	_, err = io.CopyN(os.Stdout, conn, int64(size))
	return err
}

func dialAndHello(addr string, port int, bind string) (net.Conn, nbdproto.Init, error) {
	dialer := net.Dialer{}
	if bind != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(bind)}
	}
	conn, err := dialer.Dial("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, nbdproto.Init{}, err
	}
	buf := make([]byte, nbdproto.InitSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		_ = conn.Close()
		return nil, nbdproto.Init{}, err
	}
	hello, err := nbdproto.DecodeInit(buf)
	if err != nil {
		_ = conn.Close()
		return nil, nbdproto.Init{}, err
	}
	return conn, hello, nil
}
