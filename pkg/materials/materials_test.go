package materials_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/materials"
)

func TestLookup_CaseInsensitive(t *testing.T) {
	p, err := materials.Lookup("pla")
	require.NoError(t, err)
	assert.Equal(t, "PLA", p.Name)
	assert.Equal(t, 210.0, p.HotendTargetC)

	_, err = materials.Lookup("unobtainium")
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestSubstitutes_FilteredBySupport(t *testing.T) {
	subs, err := materials.Substitutes("ABS", []string{"PETG", "PLA"})
	require.NoError(t, err)
	require.Len(t, subs, 1, "ASA ranked first but unsupported here")
	assert.Equal(t, "PETG", subs[0].Name)

	subs, err = materials.Substitutes("ABS", nil)
	require.NoError(t, err)
	assert.Equal(t, "ASA", subs[0].Name, "unfiltered keeps ranking")

	subs, err = materials.Substitutes("TPU", nil)
	require.NoError(t, err)
	assert.Empty(t, subs, "no safe substitute for flexibles")
}

func TestWithinTolerance(t *testing.T) {
	assert.True(t, materials.WithinTolerance(207.5, 210, 5))
	assert.True(t, materials.WithinTolerance(215, 210, 5))
	assert.False(t, materials.WithinTolerance(204.9, 210, 5))
}
