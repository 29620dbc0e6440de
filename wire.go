package matching

// Wire framing for the matching protocol.
//
// Invariants:
//   - Every message starts with a 4-byte header: {one=1 : u8, type : u8,
//     length : u16 big-endian}. The length field excludes the header.
//   - A datagram whose first byte is not 1 is dropped at input, as is any
//     datagram shorter than header+length.
//   - HELLO carries two 4-byte intervals and the hello opt inside the
//     declared length, then a 16-byte tail (u32=1 followed by 12 zero
//     bytes) *outside* the declared length. The tail's meaning is unknown;
//     it is preserved byte-for-byte for compatibility.
//   - HELLO_ACK and ACCEPT carry the opt inside the declared length, then
//     a 16-byte trailer (session nonce : i32 big-endian, 12 zero bytes)
//     outside it. The nonce is the sender's per-target counter; a change
//     signals a remote restart.
//   - MEMBER_LIST's payload is the sender's own address followed by the
//     member addresses, 4 bytes each, big-endian.
//   - DATA is {nonce : i32, seq : i32, payload}; DATA_ACK is {nonce : i32,
//     acked-seq : i32} with an empty payload.
//   - CONFIRM, MEMBER_LIST_ACK, BYE and KEEPALIVE are header-only.
//   - encode(parse(b)) == b for every valid message.

import (
	"encoding/binary"
	"errors"
)

const (
	packetHello         uint8 = 1
	packetHelloAck      uint8 = 2
	packetAccept        uint8 = 3
	packetConfirm       uint8 = 4
	packetCancel        uint8 = 5
	packetMemberList    uint8 = 6
	packetMemberListAck uint8 = 7
	packetBye           uint8 = 8
	packetKeepalive     uint8 = 9
	packetData          uint8 = 10
	packetDataAck       uint8 = 11
)

const (
	wireHeaderLen   = 4
	helloTailLen    = 16
	nonceTrailerLen = 16
	helloFixedLen   = 8 // two 4-byte intervals inside the declared length
	dataFixedLen    = 8 // nonce + seq inside the declared length
)

var (
	errShortPacket    = errors.New("wire: short packet")
	errBadMagic       = errors.New("wire: first byte is not 1")
	errTruncated      = errors.New("wire: declared length exceeds datagram")
	errReservedType   = errors.New("wire: reserved packet type")
	errMalformedList  = errors.New("wire: malformed member list")
	errMissingTrailer = errors.New("wire: missing trailer")
)

// message is one parsed (or to-be-encoded) wire message. Only the fields
// relevant to Type are meaningful.
type message struct {
	Type uint8

	// HELLO
	HelloInterval uint32 // microseconds
	RexmtInterval uint32 // microseconds
	Tail          [helloTailLen]byte

	// HELLO_ACK / ACCEPT / CANCEL / HELLO opt bytes
	Opt []byte

	// HELLO_ACK / ACCEPT trailer, DATA / DATA_ACK leading field
	Nonce    int32
	HasNonce bool

	// MEMBER_LIST
	Parent  Addr
	Members []Addr

	// DATA / DATA_ACK
	Seq  int32
	Data []byte
}

// helloTail returns the fixed 16-byte tail appended to HELLO beacons.
func helloTail() (t [helloTailLen]byte) {
	binary.BigEndian.PutUint32(t[:4], 1)
	return t
}

func putHeader(b []byte, ptype uint8, length int) {
	b[0] = 1
	b[1] = ptype
	binary.BigEndian.PutUint16(b[2:4], uint16(length))
}

// encode serializes the message. The caller is responsible for field/type
// consistency; encode never fails.
func (m *message) encode() []byte {
	switch m.Type {
	case packetHello:
		plen := helloFixedLen + len(m.Opt)
		b := make([]byte, wireHeaderLen+plen+helloTailLen)
		putHeader(b, packetHello, plen)
		binary.BigEndian.PutUint32(b[4:8], m.HelloInterval)
		binary.BigEndian.PutUint32(b[8:12], m.RexmtInterval)
		copy(b[12:], m.Opt)
		copy(b[wireHeaderLen+plen:], m.Tail[:])
		return b

	case packetHelloAck, packetAccept:
		plen := len(m.Opt)
		b := make([]byte, wireHeaderLen+plen+nonceTrailerLen)
		putHeader(b, m.Type, plen)
		copy(b[wireHeaderLen:], m.Opt)
		binary.BigEndian.PutUint32(b[wireHeaderLen+plen:], uint32(m.Nonce))
		return b

	case packetCancel:
		plen := len(m.Opt)
		b := make([]byte, wireHeaderLen+plen)
		putHeader(b, packetCancel, plen)
		copy(b[wireHeaderLen:], m.Opt)
		return b

	case packetMemberList:
		plen := 4 * (1 + len(m.Members))
		b := make([]byte, wireHeaderLen+plen)
		putHeader(b, packetMemberList, plen)
		binary.BigEndian.PutUint32(b[4:8], uint32(m.Parent))
		for i, a := range m.Members {
			binary.BigEndian.PutUint32(b[8+4*i:], uint32(a))
		}
		return b

	case packetData:
		plen := dataFixedLen + len(m.Data)
		b := make([]byte, wireHeaderLen+plen)
		putHeader(b, packetData, plen)
		binary.BigEndian.PutUint32(b[4:8], uint32(m.Nonce))
		binary.BigEndian.PutUint32(b[8:12], uint32(m.Seq))
		copy(b[12:], m.Data)
		return b

	case packetDataAck:
		b := make([]byte, wireHeaderLen+dataFixedLen)
		putHeader(b, packetDataAck, dataFixedLen)
		binary.BigEndian.PutUint32(b[4:8], uint32(m.Nonce))
		binary.BigEndian.PutUint32(b[8:12], uint32(m.Seq))
		return b

	default: // CONFIRM, MEMBER_LIST_ACK, BYE, KEEPALIVE
		b := make([]byte, wireHeaderLen)
		putHeader(b, m.Type, 0)
		return b
	}
}

// parseMessage validates and decodes one datagram. Datagrams that fail here
// are dropped silently by the caller.
func parseMessage(raw []byte) (*message, error) {
	if len(raw) < wireHeaderLen {
		return nil, errShortPacket
	}
	if raw[0] != 1 {
		return nil, errBadMagic
	}
	ptype := raw[1]
	plen := int(binary.BigEndian.Uint16(raw[2:4]))
	if len(raw) < wireHeaderLen+plen {
		return nil, errTruncated
	}
	payload := raw[wireHeaderLen : wireHeaderLen+plen]

	m := &message{Type: ptype}
	switch ptype {
	case packetHello:
		if plen < helloFixedLen {
			return nil, errShortPacket
		}
		if len(raw) < wireHeaderLen+plen+helloTailLen {
			return nil, errMissingTrailer
		}
		m.HelloInterval = binary.BigEndian.Uint32(payload[0:4])
		m.RexmtInterval = binary.BigEndian.Uint32(payload[4:8])
		m.Opt = payload[helloFixedLen:]
		copy(m.Tail[:], raw[wireHeaderLen+plen:])

	case packetHelloAck, packetAccept:
		m.Opt = payload
		if len(raw) >= wireHeaderLen+plen+nonceTrailerLen {
			m.Nonce = int32(binary.BigEndian.Uint32(raw[wireHeaderLen+plen:]))
			m.HasNonce = true
		}

	case packetCancel:
		m.Opt = payload

	case packetMemberList:
		if plen < 4 || plen%4 != 0 {
			return nil, errMalformedList
		}
		m.Parent = Addr(binary.BigEndian.Uint32(payload[0:4]))
		n := plen/4 - 1
		if n > 0 {
			m.Members = make([]Addr, n)
			for i := range m.Members {
				m.Members[i] = Addr(binary.BigEndian.Uint32(payload[4+4*i:]))
			}
		}

	case packetData:
		if plen < dataFixedLen {
			return nil, errShortPacket
		}
		m.Nonce = int32(binary.BigEndian.Uint32(payload[0:4]))
		m.HasNonce = true
		m.Seq = int32(binary.BigEndian.Uint32(payload[4:8]))
		m.Data = payload[dataFixedLen:]

	case packetDataAck:
		if plen < dataFixedLen {
			return nil, errShortPacket
		}
		m.Nonce = int32(binary.BigEndian.Uint32(payload[0:4]))
		m.HasNonce = true
		m.Seq = int32(binary.BigEndian.Uint32(payload[4:8]))

	case packetConfirm, packetMemberListAck, packetBye, packetKeepalive:
		// Header-only.

	default:
		return nil, errReservedType
	}
	return m, nil
}
