// Package digest defines the header/data digest negotiation surface
// (spec.md §5 "Supplemented features": ddigest_type/hdigest_type).
// Digest *algorithms* are out of core scope per spec.md §1 ("assumed
// provided as a pure function digest_*_data(cmd)"); this package
// supplies the enum, the Digester interface the connection's receive
// and transmit paths compute data digests through, and one concrete
// CRC32C implementation.
package digest

import "hash/crc32"

// Type is the negotiated digest algorithm for a connection (header or
// data, negotiated independently).
type Type int

const (
	// None disables the digest.
	None Type = iota
	// CRC32C is the only algorithm RFC 3720 defines (Castagnoli
	// polynomial).
	CRC32C
)

// String names a Type for logging/config round-tripping.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case CRC32C:
		return "crc32c"
	default:
		return "unknown"
	}
}

// ParseType maps a config string ("none"/"crc32c") to a Type.
func ParseType(s string) Type {
	if s == "crc32c" {
		return CRC32C
	}
	return None
}

// Digester computes a digest over a byte sequence. Computation is
// stateless per call; the receive path calls Sum once per incoming data
// segment as it arrives, and the transmit path once per outgoing one.
type Digester interface {
	// Sum returns the 4-byte digest trailer for b.
	Sum(b []byte) [4]byte
}

// crc32cTable is the Castagnoli polynomial table RFC 3720 mandates.
// Built with hash/crc32's MakeTable from the Castagnoli polynomial, justified
// on the standard library since no pack dependency supplies iSCSI's
// specific CRC32C framing (DESIGN.md).
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

type crc32cDigester struct{}

// NewCRC32C returns the RFC 3720 CRC32C digester.
func NewCRC32C() Digester { return crc32cDigester{} }

func (crc32cDigester) Sum(b []byte) [4]byte {
	sum := crc32.Checksum(b, crc32cTable)
	return [4]byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)}
}

// ForType returns the Digester for a negotiated Type, or nil for None.
func ForType(t Type) Digester {
	if t == CRC32C {
		return NewCRC32C()
	}
	return nil
}
