package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/flexnbd/flexnbd/pkg/concurrency"
	"github.com/flexnbd/flexnbd/pkg/nbdproto"
	"golang.org/x/sys/unix"
)

// DefaultKillSwitchTimeout is spec.md §4.3's default per-request budget.
const DefaultKillSwitchTimeout = 120 * time.Second

const allocResolution = 4096

// Client is the per-connection NBD state machine described in spec.md
// §4.3: hello, read/write/flush/disconnect, sparse-preserving writes, and
// a kill-switch. Each Client is exclusively owned by its handler
// goroutine; the server's client table keeps a reference to it, with its
// peer address, only to call Stop (spec.md §3 Ownership).
type Client struct {
	conn   net.Conn
	server *Server
	peer   net.IP

	stop *concurrency.SelfPipe
	kill *killSwitch

	disconnected bool
}

func newClient(conn net.Conn, srv *Server, peer net.IP) *Client {
	c := &Client{
		conn:   conn,
		server: srv,
		peer:   peer,
		stop:   concurrency.NewSelfPipe(),
	}
	c.kill = newKillSwitch(srv.killSwitchTimeout, c.fireKillSwitch)
	return c
}

// Stop asynchronously signals this client's handler goroutine to exit and
// shuts down its socket, so a handler blocked reading the next request
// returns promptly (used by ACL replacement and server shutdown). A
// request whose payload is still being read is cut short without a reply.
func (c *Client) Stop() {
	c.stop.Signal()
	shutdownBoth(c.conn)
}

func (c *Client) fireKillSwitch() {
	shutdownBoth(c.conn)
}

// shutdownBoth issues shutdown(fd, SHUT_RDWR) on the raw socket so any
// thread blocked in read/write fails promptly, per spec.md §4.3/§9. Falls
// back to Close for non-TCP connections (e.g. in tests).
func shutdownBoth(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		raw, err := tc.SyscallConn()
		if err == nil {
			_ = raw.Control(func(fd uintptr) {
				_ = unix.Shutdown(int(fd), unix.SHUT_RDWR)
			})
			return
		}
	}
	_ = conn.Close()
}

// serve runs the client's request/reply loop until the peer disconnects,
// a stop signal arrives, the server closes, or a fatal I/O error occurs.
// A nil return means a clean exit (no further action needed by the
// caller); a non-nil return is a per-connection-fatal error (spec.md §7.2)
// the caller logs and discards.
func (c *Client) serve() error {
	defer c.cleanup()

	for {
		select {
		case <-c.stop.C():
			return nil
		case <-c.server.closeSignal.C():
			return nil
		default:
		}

		c.kill.Arm()
		hdr := make([]byte, nbdproto.RequestSize)
		_, err := io.ReadFull(c.conn, hdr)
		c.kill.Disarm()

		if err != nil {
			if c.stop.Signalled() || c.server.closeSignal.Signalled() {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}

		req, err := nbdproto.DecodeRequest(hdr)
		if err != nil {
			if nbdproto.IsBadMagic(err) {
				c.reply(nbdproto.ErrEBADMSG, req.Handle)
				return nil
			}
			return err
		}

		if c.server.closeSignal.Signalled() {
			return nil
		}

		if done, err := c.dispatch(req); err != nil {
			return err
		} else if done {
			return nil
		}
	}
}

// dispatch handles one decoded request. It returns done=true when the
// client requested disconnect.
func (c *Client) dispatch(req nbdproto.Request) (done bool, err error) {
	size := c.server.file.Size()

	needsRange := req.Type == nbdproto.CmdRead || req.Type == nbdproto.CmdWrite
	if needsRange && (req.From > size || req.Len > size-req.From) {
		if req.Type == nbdproto.CmdWrite {
			if _, discardErr := io.CopyN(io.Discard, c.conn, int64(req.Len)); discardErr != nil {
				return false, discardErr
			}
		}
		c.reply(nbdproto.ErrENOSPC, req.Handle)
		return false, nil
	}

	switch req.Type {
	case nbdproto.CmdRead:
		return false, c.handleRead(req)
	case nbdproto.CmdWrite:
		return false, c.handleWrite(req)
	case nbdproto.CmdFlush:
		_ = c.server.file.Msync(0, 0)
		c.reply(nbdproto.ErrNone, req.Handle)
		return false, nil
	case nbdproto.CmdDisconnect:
		c.disconnected = true
		return true, nil
	default:
		c.reply(nbdproto.ErrEINVAL, req.Handle)
		return false, nil
	}
}

func (c *Client) handleRead(req nbdproto.Request) error {
	setCork(c.conn, true)
	c.reply(nbdproto.ErrNone, req.Handle)

	tc, ok := c.conn.(*net.TCPConn)
	if !ok {
		// Non-TCP connection (tests): copy via the mmap directly.
		data := c.server.file.Bytes()
		_, err := c.conn.Write(data[req.From : req.From+uint64(req.Len)])
		setCork(c.conn, false)
		return err
	}

	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	offset := int64(req.From)
	remaining := int(req.Len)
	var sendErr error
	ctlErr := raw.Control(func(fd uintptr) {
		for remaining > 0 {
			n, err := unix.Sendfile(int(fd), c.server.file.Fd(), &offset, remaining)
			if err != nil {
				if err == unix.EAGAIN || err == unix.EINTR {
					continue
				}
				sendErr = err
				return
			}
			if n == 0 {
				sendErr = io.ErrUnexpectedEOF
				return
			}
			remaining -= n
		}
	})
	setCork(c.conn, false)
	if ctlErr != nil {
		return ctlErr
	}
	return sendErr
}

func (c *Client) handleWrite(req nbdproto.Request) error {
	alloc := c.server.allocBitset
	if alloc != nil {
		if err := c.writeSparse(req); err != nil {
			return err
		}
	} else {
		data := c.server.file.Bytes()
		if _, err := io.ReadFull(c.conn, data[req.From:req.From+uint64(req.Len)]); err != nil {
			return err
		}
	}

	if req.Flags&nbdproto.FlagFUA != 0 {
		if err := c.server.file.Msync(req.From, uint64(req.Len)); err != nil {
			return err
		}
	}

	c.reply(nbdproto.ErrNone, req.Handle)
	return nil
}

// writeSparse implements the sparse-preserving write path of spec.md
// §4.3.1: split the write into runs via the allocation bitset's
// run-length query, and only materialise a previously-unallocated block
// when the incoming bytes are not all zero.
func (c *Client) writeSparse(req nbdproto.Request) error {
	alloc := c.server.allocBitset
	data := c.server.file.Bytes()

	from := req.From
	remaining := uint64(req.Len)

	for remaining > 0 {
		run, isSet := alloc.RunCountEx(from, remaining)
		if run == 0 || run > remaining {
			run = remaining
		}

		if isSet {
			if _, err := io.ReadFull(c.conn, data[from:from+run]); err != nil {
				return err
			}
			c.markAllocated(from, run)
			from += run
			remaining -= run
			continue
		}

		// Unallocated run: process allocResolution bytes at a time.
		left := run
		for left > 0 {
			chunk := allocResolution
			if uint64(chunk) > left {
				chunk = int(left)
			}
			buf := make([]byte, chunk)
			if _, err := io.ReadFull(c.conn, buf); err != nil {
				return err
			}
			if !isAllZero(buf) {
				copy(data[from:from+uint64(chunk)], buf)
				c.markAllocated(from, uint64(chunk))
			}
			from += uint64(chunk)
			remaining -= uint64(chunk)
			left -= uint64(chunk)
		}
	}
	return nil
}

// markAllocated marks [from, from+length) allocated. When the server's
// allocation bitset stream is enabled (i.e. a mirror is active), this
// enqueues the SET event the mirror engine consumes as a dirty
// notification — the dirty bitset is the allocation bitset's own event
// stream during mirroring, per spec.md §5.
func (c *Client) markAllocated(from, length uint64) {
	c.server.allocBitset.SetRange(from, length)
}

func isAllZero(buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	if buf[0] != 0 {
		return false
	}
	for i := 1; i < len(buf); i++ {
		if buf[i] != buf[0] {
			return false
		}
	}
	return true
}

func (c *Client) reply(errno uint32, handle uint64) {
	if c.server.closeSignal.Signalled() {
		return
	}
	rep := nbdproto.Reply{Error: errno, Handle: handle}
	_, _ = c.conn.Write(rep.Encode())
}

func setCork(conn net.Conn, on bool) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	val := 0
	if on {
		val = 1
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_CORK, val)
	})
}

func (c *Client) cleanup() {
	c.kill.Disarm()
	_ = c.conn.Close()
}
