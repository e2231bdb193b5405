package policy

import (
	"testing"

	"creditledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCostOf(t *testing.T) {
	table, err := New(DefaultCosts())
	require.NoError(t, err)

	cost, err := table.CostOf(ImageGeneration)
	require.NoError(t, err)
	assert.Equal(t, model.Credits(100), cost)

	cost, err = table.CostOf(CaptionGeneration)
	require.NoError(t, err)
	assert.Equal(t, model.Credits(30), cost)

	_, err = table.CostOf("video_generation")
	require.ErrorIs(t, err, ErrUnknownOperationKind)
}

func TestParse(t *testing.T) {
	table, err := Parse("image_generation=1.5, background_removal=0.25,")
	require.NoError(t, err)
	assert.Equal(t, []string{"background_removal", "image_generation"}, table.Kinds())

	cost, err := table.CostOf("image_generation")
	require.NoError(t, err)
	assert.Equal(t, model.Credits(150), cost)
}

func TestParseRejects(t *testing.T) {
	for _, spec := range []string{
		"",
		"image_generation",
		"image_generation=0",
		"image_generation=-1",
		"image_generation=0.001",
		"Image-Gen=1",
		"a=1,a=2",
	} {
		t.Run(spec, func(t *testing.T) {
			_, err := Parse(spec)
			assert.Error(t, err)
		})
	}
}

func TestTableIsolatedFromInput(t *testing.T) {
	costs := DefaultCosts()
	table, err := New(costs)
	require.NoError(t, err)

	costs[ImageGeneration] = 1
	delete(costs, CaptionGeneration)

	cost, err := table.CostOf(ImageGeneration)
	require.NoError(t, err)
	assert.Equal(t, model.Credits(100), cost)

	out := table.Costs()
	out[BackgroundRemoval] = 7
	cost, _ = table.CostOf(BackgroundRemoval)
	assert.Equal(t, model.Credits(50), cost)
}
