package pdu

// PadLen returns the number of zero-fill padding bytes needed to round n
// up to a 4-byte multiple (spec.md §4.5 "padded to 4-byte multiple",
// §4.7 "pad payload to 4-byte alignment").
func PadLen(n int) int {
	if r := n % 4; r != 0 {
		return 4 - r
	}
	return 0
}

// PaddedLen returns n rounded up to a 4-byte multiple.
func PaddedLen(n int) int {
	return n + PadLen(n)
}
