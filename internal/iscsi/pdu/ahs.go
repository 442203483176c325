package pdu

// AHS types (RFC 3720 §10.2.1.1). Only the extended CDB and the
// bidirectional expected read data length AHS are decoded by this
// core; entries of any other type are skipped.
const (
	ahsTypeExtendedCDB      = 1
	ahsTypeExpectedBidiRead = 2
)

// AHS is a parsed Additional Header Segment list attached to a SCSI-Cmd
// PDU. Only the fields this core consumes are decoded.
type AHS struct {
	// BidiReadLength is the expected bidirectional read data transfer
	// length, carried by an AHS of type ExpectedBidiReadDataLength.
	// Zero if the command is not bidirectional (spec.md §5 "Supplemented
	// features": ISCSI_AHS_RDATA_LENGTH).
	BidiReadLength uint32
	HasBidiRead    bool

	// ExtendedCDB holds CDB bytes beyond the first 16 (carried by an AHS
	// of type ExtendedCDB), for CDBs longer than the fixed field in the
	// BHS can hold (RFC 3720 §10.2.2.1). Nil for a 16-byte-or-shorter
	// CDB.
	ExtendedCDB []byte
}

// ParseAHS decodes a concatenated AHS byte sequence. Each entry is:
//
//	2 bytes length (of AHS-specific field, not including the 4-byte
//	common header), 1 byte type, 1 byte reserved/type-specific,
//	then `length` bytes of payload, padded to a 4-byte boundary.
func ParseAHS(b []byte) AHS {
	var out AHS
	for len(b) >= 4 {
		segLen := int(b[0])<<8 | int(b[1])
		ahsType := b[2]
		total := 4 + segLen
		if total > len(b) {
			break
		}
		switch {
		case ahsType == ahsTypeExpectedBidiRead && segLen >= 4:
			out.BidiReadLength = uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])
			out.HasBidiRead = true
		case ahsType == ahsTypeExtendedCDB && segLen > 0:
			out.ExtendedCDB = append([]byte(nil), b[4:4+segLen]...)
		}
		// Pad to 4-byte multiple.
		advance := total
		if pad := advance % 4; pad != 0 {
			advance += 4 - pad
		}
		if advance > len(b) {
			break
		}
		b = b[advance:]
	}
	return out
}
