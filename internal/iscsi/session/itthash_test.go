package session

import (
	"testing"

	"github.com/blocktier/iscsit/internal/iscsi/cmnd"
	"github.com/blocktier/iscsit/internal/iscsi/ierrors"
	"github.com/blocktier/iscsit/internal/iscsi/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reqWithITT(itt uint32) *cmnd.Command {
	c := cmnd.New(pdu.OpSCSICmd, nil)
	c.BHS.SetITT(itt)
	return c
}

func TestITTHashRejectsDuplicateITT(t *testing.T) {
	var h ITTHash
	first := reqWithITT(7)
	require.NoError(t, h.Insert(first))

	dup := reqWithITT(7)
	err := h.Insert(dup)
	require.Error(t, err)

	ce, ok := err.(*ierrors.CoreError)
	require.True(t, ok)
	assert.Equal(t, ierrors.KindTaskInProgress, ce.Kind)
}

func TestITTHashRejectsReservedTag(t *testing.T) {
	var h ITTHash
	err := h.Insert(reqWithITT(pdu.ReservedTag))
	require.Error(t, err)
}

func TestITTHashFindByTTT(t *testing.T) {
	var h ITTHash
	req := reqWithITT(42)
	req.TargetTaskTag = 1001
	require.NoError(t, h.Insert(req))

	assert.Same(t, req, h.Find(42, pdu.ReservedTag), "TTT=ReservedTag means any")
	assert.Same(t, req, h.Find(42, 1001))
	assert.Nil(t, h.Find(42, 999), "wrong TTT must not match")
	assert.Nil(t, h.Find(99, pdu.ReservedTag), "unknown ITT must not match")
}

func TestITTHashRemoveAndSnapshot(t *testing.T) {
	var h ITTHash
	a := reqWithITT(1)
	b := reqWithITT(2)
	require.NoError(t, h.Insert(a))
	require.NoError(t, h.Insert(b))

	assert.Len(t, h.Snapshot(), 2)

	h.Remove(a)
	assert.False(t, a.ITTHashed)
	assert.Len(t, h.Snapshot(), 1)

	// Removing twice is benign (spec.md §9 "unhash race").
	h.Remove(a)
	assert.Len(t, h.Snapshot(), 1)
}

func TestITTHashInsertRejectsBehindWindowCmdSN(t *testing.T) {
	s := New("sess", Params{MaxQueuedCmnds: 16}, 10)

	req := reqWithITT(1)
	req.BHS.SetCmdSN(3)

	err := s.ITTHash.Insert(req)
	require.Error(t, err)

	ce, ok := err.(*ierrors.CoreError)
	require.True(t, ok)
	assert.Equal(t, ierrors.KindProtocolError, ce.Kind)
	assert.False(t, req.ITTHashed, "a rejected command must not be hashed")
}
