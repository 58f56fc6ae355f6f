package mcl

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMosaicRenderer_EmptyMap(t *testing.T) {
	f := newMapFixture(t)
	r := NewMosaicRenderer(f.newMap(t, MapConfig{}))
	assert.Nil(t, r.Render())

	err := r.SavePNG(filepath.Join(t.TempDir(), "map.png"))
	assert.ErrorContains(t, err, "no captured patches")
}

func TestMosaicRenderer_PlacesPatches(t *testing.T) {
	f := newMapFixture(t)
	m := f.newMap(t, MapConfig{})
	pose := Pose{X: 1, Y: 1}
	require.NoError(t, m.Update(f.frame(pose), pose, f.cam))

	r := NewMosaicRenderer(m)
	r.Label = " "
	img := r.Render()
	require.NotNil(t, img)
	assert.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds())

	// The patch centre lies under the ground centre (1.3, 1)
	piece, _ := m.Piece(2, 2)
	v := piece.Patch.GrayAt(4, 3).Y
	require.NotZero(t, v)
	assert.Equal(t, color.RGBA{v, v, v, 255}, img.RGBAAt(10, 8))

	// Pixels away from any patch show the background or the grid
	assert.Equal(t, mosaicGrid, img.RGBAAt(0, 15))
	assert.Equal(t, mosaicBackground, img.RGBAAt(1, 14))
}

func TestMosaicRenderer_SavePNGWithEstimate(t *testing.T) {
	f := newMapFixture(t)
	m := f.newMap(t, MapConfig{})
	pose := Pose{X: 1, Y: 1}
	require.NoError(t, m.Update(f.frame(pose), pose, f.cam))

	r := NewMosaicRenderer(m)
	r.Estimate = &Pose{X: 1.5, Y: 0.25}
	r.Label = " "
	path := filepath.Join(t.TempDir(), "map.png")
	require.NoError(t, r.SavePNG(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, mosaicEstimate, img.At(12, 14))
}

func TestUpscalePatch(t *testing.T) {
	p := image.NewGray(image.Rect(0, 0, 2, 1))
	p.Pix[0], p.Pix[1] = 10, 200
	up := UpscalePatch(p, 3)
	assert.Equal(t, image.Rect(0, 0, 6, 3), up.Bounds())
	assert.Equal(t, uint8(10), up.GrayAt(2, 2).Y)
	assert.Equal(t, uint8(200), up.GrayAt(3, 0).Y)

	assert.Equal(t, p.Bounds(), UpscalePatch(p, 0).Bounds())
}

func TestParticleRenderer_SVG(t *testing.T) {
	f := newMapFixture(t)
	m := f.newMap(t, MapConfig{})
	pose := Pose{X: 1, Y: 1}
	require.NoError(t, m.Update(f.frame(pose), pose, f.cam))

	particles := []Particle{
		{Pose: Pose{X: 0.5, Y: 0.5}, Belief: 0.2},
		{Pose: Pose{X: 1.5, Y: 1, Theta: 1}, Belief: 0.9},
	}
	r := NewParticleRenderer(m.Bound(), particles).WithMap(m)
	r.Estimate = &Pose{X: 1.5, Y: 1, Theta: 1}
	r.Trajectory = orb.LineString{{0.5, 0.5}, {1, 1}, {1.5, 1}}
	require.Len(t, r.Cells, 1)

	var buf bytes.Buffer
	require.NoError(t, r.RenderToSVG(&buf))
	out := buf.String()
	assert.True(t, strings.Contains(out, "<svg"), "output does not contain <svg")
	assert.True(t, strings.Contains(out, "path"), "output does not contain path elements")
}

func TestParticleRenderer_PNG(t *testing.T) {
	b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 1}}
	r := NewParticleRenderer(b, []Particle{{Pose: Pose{X: 1, Y: 0.5}, Belief: 1}})

	var buf bytes.Buffer
	require.NoError(t, r.RenderToPNG(&buf))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), img.Bounds().Dy(), "wider bound renders wider")
}

func TestBeliefColor(t *testing.T) {
	low := beliefColor(0, 1)
	high := beliefColor(1, 1)
	assert.NotEqual(t, low, high)
	assert.Equal(t, high, beliefColor(5, 1), "clamped")
	assert.Equal(t, uint8(255), beliefColor(0.3, 0).A)
}
