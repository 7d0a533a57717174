package ibud

import "encoding/binary"

// PacketType identifies the kind of datagram carried in a packet header.
// Control types carry bit 0x80; DATA does not.
type PacketType uint8

const (
	PacketConnect    PacketType = 0x80
	PacketAccept     PacketType = 0x81
	PacketDisconnect PacketType = 0x82
	PacketAck        PacketType = 0x83
	PacketData       PacketType = 0x04

	packetControlBit PacketType = 0x80
)

// IsControl reports whether the packet type has the control bit set.
func (t PacketType) IsControl() bool { return t&packetControlBit != 0 }

func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "CONNECT"
	case PacketAccept:
		return "ACCEPT"
	case PacketDisconnect:
		return "DISCONNECT"
	case PacketAck:
		return "ACK"
	case PacketData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

const (
	// HeaderSize is the fixed wire size of a packet header, in bytes.
	HeaderSize = 14
	// UDMTU is the maximum size of a single UD datagram, header included.
	UDMTU = 2048
	// MaxPayload is the largest payload a single packet can carry.
	MaxPayload = UDMTU - HeaderSize
	// Rail is the only supported rail id in this core.
	Rail uint8 = 0
)

// Header is the 14-octet wire header stamped on every UD datagram. Both
// peers are assumed same-endian; the wire representation is little-endian.
type Header struct {
	Type   PacketType
	SrcID  uint64
	SeqNum Seq
	AckNum Seq
	Rail   uint8
}

// Put encodes h into buf[:HeaderSize]. Panics if buf is too short.
func (h Header) Put(buf []byte) {
	_ = buf[HeaderSize-1]
	buf[0] = byte(h.Type)
	binary.LittleEndian.PutUint64(buf[1:9], h.SrcID)
	binary.LittleEndian.PutUint16(buf[9:11], uint16(h.SeqNum))
	binary.LittleEndian.PutUint16(buf[11:13], uint16(h.AckNum))
	buf[13] = h.Rail
}

// ParseHeader decodes a Header from buf[:HeaderSize]. Returns false if buf is
// too short to hold a header.
func ParseHeader(buf []byte) (Header, bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	return Header{
		Type:   PacketType(buf[0]),
		SrcID:  binary.LittleEndian.Uint64(buf[1:9]),
		SeqNum: Seq(binary.LittleEndian.Uint16(buf[9:11])),
		AckNum: Seq(binary.LittleEndian.Uint16(buf[11:13])),
		Rail:   buf[13],
	}, true
}
