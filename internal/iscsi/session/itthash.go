package session

import (
	"sync"

	"github.com/blocktier/iscsit/internal/iscsi/cmnd"
	"github.com/blocktier/iscsit/internal/iscsi/ierrors"
	"github.com/blocktier/iscsit/internal/iscsi/pdu"
)

// ittHashBuckets is the bucket count for the ITT hash; must be a power
// of two (spec.md §4.2 "Bucket count is a power of two", grounded on
// the source's `cmnd_hashfn`/`__cmnd_find_hash`).
const ittHashBuckets = 256

// ITTHash is a per-session map from initiator task tag to the in-flight
// request command (spec.md C2 "ITT hash"). Buckets hold a slice of
// commands instead of the source's intrusive doubly-linked list; Go's
// slice append/remove is adequate at this bucket width and avoids
// unsafe intrusive pointers.
type ITTHash struct {
	mu      sync.Mutex
	buckets [ittHashBuckets][]*cmnd.Command

	// sess is the owning Session, wired by session.New. Same package, so
	// no import cycle; used to validate CmdSN ordering before a command
	// is hashed (spec.md §4.2).
	sess *Session
}

// hashITT mixes the 32-bit ITT down to a bucket index. Any
// avalanching mix is sufficient; this is Thomas Wang's 32-bit mix,
// cheap and well distributed for sequential ITT allocation patterns.
func hashITT(itt uint32) uint32 {
	itt = (itt ^ 61) ^ (itt >> 16)
	itt = itt + (itt << 3)
	itt = itt ^ (itt >> 4)
	itt = itt * 0x27d4eb2d
	itt = itt ^ (itt >> 15)
	return itt
}

func bucketOf(itt uint32) uint32 {
	return hashITT(itt) & (ittHashBuckets - 1)
}

// Insert adds a request command to the hash, keyed by its BHS ITT.
// Returns ProtocolError if CmdSN is behind the session's expected
// window (spec.md §4.2 "validate CmdSN ≥ session.exp_cmd_sn") or if
// ITT is the reserved tag, and TaskInProgress if an entry with the
// same ITT already exists.
func (h *ITTHash) Insert(c *cmnd.Command) error {
	if h.sess != nil {
		if err := h.sess.ValidateCmdSN(c.BHS.CmdSN()); err != nil {
			return err
		}
	}

	itt := c.BHS.ITT()
	if itt == pdu.ReservedTag {
		return ierrors.NewProtocolError("ITT must not be the reserved tag", byte(pdu.RejectProtocolError))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b := bucketOf(itt)
	for _, existing := range h.buckets[b] {
		if existing.BHS.ITT() == itt {
			return ierrors.NewTaskInProgress("duplicate ITT")
		}
	}
	h.buckets[b] = append(h.buckets[b], c)
	c.ITTHashed = true
	return nil
}

// Find looks up (ITT, TTT) where TTT = ReservedTag means "any" (spec.md
// §4.2).
func (h *ITTHash) Find(itt, ttt uint32) *cmnd.Command {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := bucketOf(itt)
	for _, existing := range h.buckets[b] {
		if existing.BHS.ITT() != itt {
			continue
		}
		if ttt == pdu.ReservedTag || existing.TargetTaskTag == ttt {
			return existing
		}
	}
	return nil
}

// Remove unhashes c, a no-op if it is not present. Safe to call more
// than once (e.g. both transmit-path unhash and abort race benignly).
func (h *ITTHash) Remove(c *cmnd.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()

	itt := c.BHS.ITT()
	b := bucketOf(itt)
	bucket := h.buckets[b]
	for i, existing := range bucket {
		if existing == c {
			h.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			c.ITTHashed = false
			return
		}
	}
}

// Snapshot returns every currently-hashed command, for abort fan-out
// (spec.md §4.8 "abort every command in the session").
func (h *ITTHash) Snapshot() []*cmnd.Command {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*cmnd.Command
	for _, bucket := range h.buckets {
		out = append(out, bucket...)
	}
	return out
}
