package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
)

const testTS = int64(1700000000000)

func v(s string) fixedpoint.Value { return fixedpoint.MustParse(s) }

// Reference vectors computed independently over the canonical JSON text.
func TestComputeLogHash_Vectors(t *testing.T) {
	empty := New("corr-1", testTS)
	h, err := empty.ComputeLogHash()
	require.NoError(t, err)
	assert.Equal(t, "694238d9b4a6d83b2502c38259ae6b5c7b8138ff699b69631008102b60f5ac64", h)

	c := New("corr-1", testTS)
	_, err = c.Append("add", []fixedpoint.Value{v("1.50"), v("2")}, v("3.5"), nil)
	require.NoError(t, err)
	h, err = c.ComputeLogHash()
	require.NoError(t, err)
	assert.Equal(t, "b33e483f7c751e61b684f46d664c5d4839be66489232b6aefe29deae24cf4c40", h)
}

func TestAppend_Sequencing(t *testing.T) {
	c := New("corr-2", testTS)
	md := map[string]string{"asset": "principal"}

	e0, err := c.Append("mul", []fixedpoint.Value{v("2"), v("3")}, v("6"), md)
	require.NoError(t, err)
	e1, err := c.Append("sub", []fixedpoint.Value{v("6"), v("1")}, v("5"), nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), e0.Seq)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, "corr-2", e1.CorrelationID)
	assert.Equal(t, testTS, e1.Timestamp)
	assert.Nil(t, e1.Metadata)

	md["asset"] = "mutated"
	assert.Equal(t, "principal", c.Entries()[0].Metadata["asset"], "metadata must be copied")

	require.NoError(t, Verify(c.Entries(), "corr-2"))
}

func TestAppendAll(t *testing.T) {
	c := New("corr-3", testTS)
	entries, err := c.AppendAll([]Pending{
		{Op: "ln", Inputs: []fixedpoint.Value{v("1")}, Output: fixedpoint.Zero},
		{Op: "exp", Inputs: []fixedpoint.Value{fixedpoint.Zero}, Output: v("1")},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[1].Seq)
	assert.Equal(t, 2, c.Len())
}

func TestAppendRejectsInvalidUTF8Metadata(t *testing.T) {
	c := New("corr-5", testTS)
	_, err := c.Append("observe", nil, v("1"), map[string]string{"name": "guid\xffance"})
	assert.ErrorIs(t, err, canonicalize.ErrInvalidUTF8)

	_, err = c.AppendAll([]Pending{
		{Op: "add", Output: v("1")},
		{Op: "add", Output: v("2"), Metadata: map[string]string{"\xfe": "x"}},
	})
	assert.ErrorIs(t, err, canonicalize.ErrInvalidUTF8)
	assert.Equal(t, 0, c.Len(), "nothing is appended")
}

func TestFreeze(t *testing.T) {
	c := New("corr-4", testTS)
	c.Freeze()
	_, err := c.Append("add", nil, fixedpoint.Zero, nil)
	assert.ErrorIs(t, err, ErrFrozen)
	_, err = c.AppendAll([]Pending{{Op: "add"}})
	assert.ErrorIs(t, err, ErrFrozen)
	assert.Equal(t, 0, c.Len())
}

func TestIdenticalSequencesHashEqual(t *testing.T) {
	build := func() string {
		c := New("same", testTS)
		_, _ = c.Append("div", []fixedpoint.Value{v("1"), v("3")}, v("0.333333333333333333"), map[string]string{"b": "2", "a": "1"})
		_, _ = c.Append("sqrt", []fixedpoint.Value{v("4")}, v("2"), nil)
		h, err := c.ComputeLogHash()
		require.NoError(t, err)
		return h
	}
	assert.Equal(t, build(), build())

	other := New("different", testTS)
	_, _ = other.Append("sqrt", []fixedpoint.Value{v("4")}, v("2"), nil)
	h, err := other.ComputeLogHash()
	require.NoError(t, err)
	assert.NotEqual(t, build(), h)
}

func TestVerify_Rejects(t *testing.T) {
	c := New("corr-5", testTS)
	_, _ = c.Append("add", nil, fixedpoint.Zero, nil)
	_, _ = c.Append("add", nil, fixedpoint.Zero, nil)

	entries := c.Entries()
	entries[1].Seq = 5
	assert.Error(t, Verify(entries, "corr-5"))
	assert.Error(t, Verify(c.Entries(), "other"))
}
