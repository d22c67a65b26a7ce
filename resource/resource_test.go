package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestXIDCloneIsDeep(t *testing.T) {
	x := XID{FormatID: 1, GlobalTxnID: []byte{1, 2}, BranchQualifier: []byte{3}}
	c := x.Clone()
	c.GlobalTxnID[0] = 9

	assert.Equal(t, byte(1), x.GlobalTxnID[0])
	assert.False(t, x.Equal(c))
	assert.True(t, x.Equal(x.Clone()))
}

func TestXIDKeyAndZero(t *testing.T) {
	assert.True(t, XID{}.IsZero())

	a := XID{FormatID: 1, GlobalTxnID: []byte{0xab}, BranchQualifier: []byte{0x01}}
	b := XID{FormatID: 1, GlobalTxnID: []byte{0xab}, BranchQualifier: []byte{0x02}}
	assert.False(t, a.IsZero())
	assert.Equal(t, "1:ab:01", a.Key())
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "TMJOIN", TMJoin.String())
	assert.Equal(t, "read-only", VoteReadOnly.String())
	assert.Equal(t, "two-phase", TwoPhase.String())
	assert.Equal(t, "Flag(0x1)", Flag(1).String())
}
