// Package wire implements the SRTLA control-packet codec and the minimal
// SRT header probes the dispatcher needs. It treats SRT payloads as opaque
// bytes except for the handful of header fields called out below.
package wire

import "encoding/binary"

// SRTLA opcodes, inherited bit-for-bit from the reference SRTLA client.
const (
	TypeKeepalive uint16 = 0x0001
	TypeAck       uint16 = 0x0002
	TypeReg1      uint16 = 0x0003
	TypeReg2      uint16 = 0x0004
	TypeReg3      uint16 = 0x0005
	TypeRegErr    uint16 = 0x0006
	TypeRegNGP    uint16 = 0x0007
)

// SRT control subtypes, read out of the low 15 bits of octet 0-1 when the
// control bit is set. Only ACK is relevant to the dispatcher.
const (
	srtTypeAck uint16 = 0x0002
)

// SRTHandshakeType is the SRT control subtype used to probe for a
// reachable downstream SRT server during startup.
const SRTHandshakeType uint16 = 0x0000

// Wire-format sizes.
const (
	IDLen      = 32 // SRTLA_ID_LEN
	RecvACKInt = 10  // RECV_ACK_INT
	MTU        = 1500

	reg1Len      = 34
	reg2Len      = 34
	keepaliveLen = 2

	// SRTMinHeaderLen is the minimum length of an SRT header the
	// dispatcher will inspect; anything shorter is dropped.
	SRTMinHeaderLen = 16
)

// IsSRTLAReg1 reports whether buf is a REG1 packet: 34 bytes, opcode REG1.
func IsSRTLAReg1(buf []byte) bool {
	return len(buf) == reg1Len && opcode(buf) == TypeReg1
}

// IsSRTLAReg2 reports whether buf is a REG2 packet: 34 bytes, opcode REG2.
func IsSRTLAReg2(buf []byte) bool {
	return len(buf) == reg2Len && opcode(buf) == TypeReg2
}

// IsSRTLAKeepalive reports whether buf is a 2-byte KEEPALIVE packet.
func IsSRTLAKeepalive(buf []byte) bool {
	return len(buf) == keepaliveLen && opcode(buf) == TypeKeepalive
}

// IsSRTControl reports whether buf looks like an SRT control packet: at
// least 16 bytes with the high bit of octet 0 set.
func IsSRTControl(buf []byte) bool {
	return len(buf) >= SRTMinHeaderLen && buf[0]&0x80 != 0
}

// IsSRTData reports whether buf looks like an SRT data packet: at least
// 16 bytes with the high bit of octet 0 clear.
func IsSRTData(buf []byte) bool {
	return len(buf) >= SRTMinHeaderLen && buf[0]&0x80 == 0
}

// IsSRTAck reports whether buf is an SRT control packet whose subtype is ACK.
func IsSRTAck(buf []byte) bool {
	if !IsSRTControl(buf) {
		return false
	}
	return controlType(buf) == srtTypeAck
}

// SRTSeqNo returns the 31-bit SRT sequence number from the first four
// octets of buf, or -1 if buf is shorter than those four octets. It does
// not inspect the control bit.
func SRTSeqNo(buf []byte) int32 {
	if len(buf) < 4 {
		return -1
	}
	return int32(binary.BigEndian.Uint32(buf) &^ (1 << 31))
}

// SRTDstSocketID reads the destination socket id from octets [12:16) of an
// SRT header.
func SRTDstSocketID(buf []byte) uint32 {
	if len(buf) < 16 {
		return 0
	}
	return binary.BigEndian.Uint32(buf[12:16])
}

func opcode(buf []byte) uint16 {
	if len(buf) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(buf[:2])
}

// controlType extracts the 15-bit control subtype following the SRT
// control bit in octets [0:2).
func controlType(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf[:2]) &^ (1 << 15)
}

// Reg1Nonce extracts the 16-byte client nonce from a REG1 payload at offset 2.
// The caller must have validated len(buf) == 34 with IsSRTLAReg1.
func Reg1Nonce(buf []byte) []byte {
	return buf[2:18]
}

// Reg2ID extracts the 32-byte group id from a REG2 payload at offset 2.
// The caller must have validated len(buf) == 34 with IsSRTLAReg2.
func Reg2ID(buf []byte) []byte {
	return buf[2:34]
}

// BuildReg2 builds a REG2 reply: opcode followed by the full 32-byte group id.
func BuildReg2(id [IDLen]byte) []byte {
	out := make([]byte, 2+IDLen)
	binary.BigEndian.PutUint16(out, TypeReg2)
	copy(out[2:], id[:])
	return out
}

// BuildReg3 builds a REG3 reply: opcode only.
func BuildReg3() []byte {
	return build2ByteOpcode(TypeReg3)
}

// BuildRegErr builds a REG_ERR reply: opcode only.
func BuildRegErr() []byte {
	return build2ByteOpcode(TypeRegErr)
}

// BuildRegNGP builds a REG_NGP reply: opcode only.
func BuildRegNGP() []byte {
	return build2ByteOpcode(TypeRegNGP)
}

// BuildKeepalive builds a KEEPALIVE packet: opcode only.
func BuildKeepalive() []byte {
	return build2ByteOpcode(TypeKeepalive)
}

func build2ByteOpcode(t uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, t)
	return out
}

// BuildAck builds an SRTLA-ACK: a 4-byte type field (TypeAck<<16, big
// endian) followed by the RecvACKInt sequence numbers of log, each
// written in network byte order.
func BuildAck(log [RecvACKInt]uint32) []byte {
	out := make([]byte, 4+4*RecvACKInt)
	binary.BigEndian.PutUint32(out, uint32(TypeAck)<<16)
	for i, sn := range log {
		binary.BigEndian.PutUint32(out[4+4*i:], sn)
	}
	return out
}
