package cmnd

// SGL is a scatter/gather list: a sequence of fixed-size pages plus the
// logical length in use (spec.md §3 "Scatter buffer"). Pages come from
// pkg/bufpool; OwnSG indicates whether releasing the command also
// returns the pages to the pool (set false when BACKEND supplied the
// buffer and retains ownership, e.g. a read response aliasing backend
// storage).
type SGL struct {
	Pages  [][]byte
	Buflen int
	OwnSG  bool
}

// At returns the byte at logical offset off across the page boundaries.
// Used by small helpers (digest verification, copy-in/out); bulk copies
// should use CopyTo/CopyFrom instead of looping over At.
func (s *SGL) At(off int) byte {
	for _, p := range s.Pages {
		if off < len(p) {
			return p[off]
		}
		off -= len(p)
	}
	return 0
}

// CopyFrom copies src into the scatter list starting at logical offset
// off, across page boundaries. It does not grow the SGL; src must fit
// within Buflen-off.
func (s *SGL) CopyFrom(off int, src []byte) int {
	written := 0
	pos := 0
	for _, p := range s.Pages {
		if len(src) == 0 {
			break
		}
		if off >= pos+len(p) {
			pos += len(p)
			continue
		}
		start := 0
		if off > pos {
			start = off - pos
		}
		n := copy(p[start:], src)
		src = src[n:]
		written += n
		pos += len(p)
	}
	return written
}

// CopyTo copies the scatter list's logical range [off, off+n) into dst.
func (s *SGL) CopyTo(dst []byte, off, n int) int {
	copied := 0
	pos := 0
	for _, p := range s.Pages {
		if n <= 0 {
			break
		}
		if off >= pos+len(p) {
			pos += len(p)
			continue
		}
		start := 0
		if off > pos {
			start = off - pos
		}
		avail := p[start:]
		want := len(avail)
		if want > n {
			want = n
		}
		c := copy(dst[copied:], avail[:want])
		copied += c
		n -= c
		pos += len(p)
	}
	return copied
}
