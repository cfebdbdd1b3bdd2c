// Package nbdproto encodes and decodes the fixed-layout, big-endian NBD
// wire structures described in spec.md §4.2/§6.
package nbdproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic numbers, per spec.md §4.2 and cross-checked against the magic
// constants used by vgough-go-nbd / derlaft-go-nbd in the example pack.
const (
	InitPasswd = "NBDMAGIC"
	InitMagic  = 0x0004202818612253
	ReqMagic   = 0x25609513
	ReplyMagic = 0x67446698
)

// Request command types.
const (
	CmdRead       uint16 = 0
	CmdWrite      uint16 = 1
	CmdDisconnect uint16 = 2
	CmdFlush      uint16 = 3
)

// Request flags.
const (
	FlagFUA uint16 = 1 << 0
)

// Init flags advertised in the handshake.
const (
	FlagHasFlags  uint32 = 1 << 0
	FlagSendFlush uint32 = 1 << 2
	FlagSendFUA   uint32 = 1 << 3
)

// DefaultInitFlags is the minimum advertised by spec.md §4.2.
const DefaultInitFlags = FlagHasFlags | FlagSendFlush | FlagSendFUA

// Standard errno-shaped error codes used in Reply.Error (spec.md §6).
const (
	ErrNone    uint32 = 0
	ErrEINVAL  uint32 = 22
	ErrENOSPC  uint32 = 28
	ErrEBADMSG uint32 = 74
)

// Init is the handshake message a server sends immediately after accept.
type Init struct {
	Size  uint64
	Flags uint32
}

type initRaw struct {
	Passwd   [8]byte
	Magic    uint64
	Size     uint64
	Flags    uint32
	Reserved [124]byte
}

// InitSize is the on-wire size of the handshake message: 8-byte passwd +
// 8-byte magic + 8-byte size + 4-byte flags + 124-byte reserved.
const InitSize = 152

// Encode returns the wire representation of i.
func (i Init) Encode() []byte {
	var raw initRaw
	copy(raw.Passwd[:], InitPasswd)
	raw.Magic = InitMagic
	raw.Size = i.Size
	raw.Flags = i.Flags

	buf := new(bytes.Buffer)
	buf.Grow(InitSize)
	_ = binary.Write(buf, binary.BigEndian, &raw)
	return buf.Bytes()
}

// DecodeInit parses a InitSize-byte handshake message.
func DecodeInit(b []byte) (Init, error) {
	if len(b) != InitSize {
		return Init{}, fmt.Errorf("nbdproto: init message must be %d bytes, got %d", InitSize, len(b))
	}
	var raw initRaw
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &raw); err != nil {
		return Init{}, err
	}
	if string(raw.Passwd[:]) != InitPasswd {
		return Init{}, fmt.Errorf("nbdproto: bad init passwd %q", raw.Passwd)
	}
	if raw.Magic != InitMagic {
		return Init{}, fmt.Errorf("nbdproto: bad init magic %#x", raw.Magic)
	}
	return Init{Size: raw.Size, Flags: raw.Flags}, nil
}

// Request is an inbound NBD request header.
type Request struct {
	Flags  uint16
	Type   uint16
	Handle uint64
	From   uint64
	Len    uint32
}

type requestRaw struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Handle uint64
	From   uint64
	Len    uint32
}

const RequestSize = 28

// Encode writes the wire representation of a request header.
func (r Request) Encode() []byte {
	raw := requestRaw{
		Magic:  ReqMagic,
		Flags:  r.Flags,
		Type:   r.Type,
		Handle: r.Handle,
		From:   r.From,
		Len:    r.Len,
	}
	buf := new(bytes.Buffer)
	buf.Grow(RequestSize)
	_ = binary.Write(buf, binary.BigEndian, &raw)
	return buf.Bytes()
}

// DecodeRequest parses a 28-byte request header.
func DecodeRequest(b []byte) (Request, error) {
	if len(b) != RequestSize {
		return Request{}, fmt.Errorf("nbdproto: request header must be %d bytes, got %d", RequestSize, len(b))
	}
	var raw requestRaw
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &raw); err != nil {
		return Request{}, err
	}
	req := Request{
		Flags:  raw.Flags,
		Type:   raw.Type,
		Handle: raw.Handle,
		From:   raw.From,
		Len:    raw.Len,
	}
	if raw.Magic != ReqMagic {
		// Fields (notably Handle) are still populated so callers can echo
		// the handle back in an EBADMSG reply before disconnecting.
		return req, errBadMagic{raw.Magic}
	}
	return req, nil
}

// errBadMagic is returned by DecodeRequest when the magic field does not
// match ReqMagic, so callers can distinguish "bad magic" (disconnect, per
// spec.md §4.3 step 3) from other decode failures.
type errBadMagic struct {
	got uint32
}

func (e errBadMagic) Error() string {
	return fmt.Sprintf("nbdproto: bad request magic %#x", e.got)
}

// IsBadMagic reports whether err was returned because of a bad request magic.
func IsBadMagic(err error) bool {
	_, ok := err.(errBadMagic)
	return ok
}

// Reply is an outbound NBD reply header.
type Reply struct {
	Error  uint32
	Handle uint64
}

type replyRaw struct {
	Magic  uint32
	Error  uint32
	Handle uint64
}

const ReplySize = 16

// Encode writes the wire representation of a reply header.
func (r Reply) Encode() []byte {
	raw := replyRaw{Magic: ReplyMagic, Error: r.Error, Handle: r.Handle}
	buf := new(bytes.Buffer)
	buf.Grow(ReplySize)
	_ = binary.Write(buf, binary.BigEndian, &raw)
	return buf.Bytes()
}

// DecodeReply parses a 16-byte reply header.
func DecodeReply(b []byte) (Reply, error) {
	if len(b) != ReplySize {
		return Reply{}, fmt.Errorf("nbdproto: reply header must be %d bytes, got %d", ReplySize, len(b))
	}
	var raw replyRaw
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &raw); err != nil {
		return Reply{}, err
	}
	if raw.Magic != ReplyMagic {
		return Reply{}, fmt.Errorf("nbdproto: bad reply magic %#x", raw.Magic)
	}
	return Reply{Error: raw.Error, Handle: raw.Handle}, nil
}

// MirrorHandle is the fixed handle string the mirror engine uses for
// reply correlation, per spec.md §4.5.
const MirrorHandle = ".MIRROR."

// HandleFromString packs an 8-byte ASCII handle (e.g. MirrorHandle) into
// the opaque uint64 handle field.
func HandleFromString(s string) uint64 {
	var b [8]byte
	copy(b[:], s)
	return binary.BigEndian.Uint64(b[:])
}
