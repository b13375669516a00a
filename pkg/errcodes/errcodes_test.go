package errcodes

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The golden file pins every published code. Appending a code requires
// regenerating it with -update; renumbering or renaming breaks this test.
func TestTable_Golden(t *testing.T) {
	data, err := json.MarshalIndent(Table(), "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "code_table", data)
}

func TestTable_UniqueAndOrdered(t *testing.T) {
	seenCode := map[Code]bool{}
	seenName := map[string]bool{}
	prev := Code(0)
	for _, d := range Table() {
		assert.False(t, seenCode[d.Code], "duplicate code %d", d.Code)
		assert.False(t, seenName[d.Name], "duplicate name %s", d.Name)
		assert.Greater(t, d.Code, prev)
		seenCode[d.Code] = true
		seenName[d.Name] = true
		prev = d.Code
	}
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 10, ArithOverflow.ExitCode())
	assert.Equal(t, 11, ArithSerialization.ExitCode())
	assert.Equal(t, 20, InvOrdering.ExitCode())
	assert.Equal(t, 30, GateSurvival.ExitCode())
	assert.Equal(t, 40, ProvSignatureInvalid.ExitCode())
	assert.Equal(t, 50, CommitApplyFailed.ExitCode())
	assert.Equal(t, 60, BindSignerFailed.ExitCode())
	assert.Equal(t, 70, Halted.ExitCode())
	assert.Equal(t, 70, Code(42).ExitCode())
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "GATE_SURVIVAL", GateSurvival.String())
	assert.Equal(t, "UNKNOWN(42)", Code(42).String())
	assert.Equal(t, unknownDescription, Code(42).Description())

	d, ok := Lookup(EconDailyCap)
	require.True(t, ok)
	assert.Equal(t, CategoryGuard, d.Category)
}

func TestCompatible(t *testing.T) {
	ok, err := Compatible("^1.0.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Compatible(">=2.0.0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Compatible("not a constraint")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "# error code table v"+TableVersion, lines[0])
	assert.Len(t, lines, len(Table())+2)
	assert.Contains(t, buf.String(), "9001  HALTED")
}
