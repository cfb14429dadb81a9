package peerio

import (
	"encoding/binary"
	"io"
)

// PutUint8 appends a single byte. Provided alongside the wider encoders for
// symmetry with the peer wire protocol's length-prefixed fields.
func PutUint8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

// PutUint16 appends v in network byte order.
func PutUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

// PutUint32 appends v in network byte order.
func PutUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// PutUint64 appends v in network byte order.
func PutUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// GetUint8 reads a byte from the front of buf.
func GetUint8(buf []byte) (v uint8, rest []byte) {
	return buf[0], buf[1:]
}

// GetUint16 reads a big-endian uint16 from the front of buf.
func GetUint16(buf []byte) (v uint16, rest []byte) {
	return binary.BigEndian.Uint16(buf), buf[2:]
}

// GetUint32 reads a big-endian uint32 from the front of buf.
func GetUint32(buf []byte) (v uint32, rest []byte) {
	return binary.BigEndian.Uint32(buf), buf[4:]
}

// GetUint64 reads a big-endian uint64 from the front of buf.
func GetUint64(buf []byte) (v uint64, rest []byte) {
	return binary.BigEndian.Uint64(buf), buf[8:]
}

// DrainN blockingly discards the next n bytes from r, used to skip unknown
// messages when a caller has a direct io.Reader rather than a PeerIo's
// inbound buffer (e.g. during handshake, before a PeerIo exists).
func DrainN(r io.Reader, n int64) error {
	_, err := io.CopyN(io.Discard, r, n)
	return err
}
