package clip

import (
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexrig/internal/rig"
)

// writeVRMA saves a one second animation: a head rotation about X by a
// quarter turn, hips rising from 1 to 2, and the aa expression going 0 to 1.
func writeVRMA(t *testing.T, path string) {
	t.Helper()

	s := math.Sin(math.Pi / 4)
	c := math.Cos(math.Pi / 4)
	data := rig.EncodeFloats([]float32{
		0, 1, // times
		0, 0, 0, 1, float32(s), 0, 0, float32(c), // head rotation
		0, 1, 0, 0, 2, 0, // hips translation
		0, 0, 0, 1, 0, 0, // aa expression
	})
	uri := "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(data)

	doc := fmt.Sprintf(`{
	"asset": {"version": "2.0"},
	"extensionsUsed": ["VRMC_vrm_animation"],
	"extensions": {"VRMC_vrm_animation": {
		"specVersion": "1.0",
		"humanoid": {"humanBones": {"hips": {"node": 1}, "head": {"node": 2}}},
		"expressions": {"preset": {"aa": {"node": 3}}}
	}},
	"scene": 0,
	"scenes": [{"nodes": [0]}],
	"nodes": [
		{"name": "root", "children": [1, 3]},
		{"name": "hips", "translation": [0, 1, 0], "children": [2]},
		{"name": "head", "translation": [0, 0.5, 0]},
		{"name": "aa"}
	],
	"buffers": [{"byteLength": %d, "uri": %q}],
	"bufferViews": [
		{"buffer": 0, "byteOffset": 0, "byteLength": 8},
		{"buffer": 0, "byteOffset": 8, "byteLength": 32},
		{"buffer": 0, "byteOffset": 40, "byteLength": 24},
		{"buffer": 0, "byteOffset": 64, "byteLength": 24}
	],
	"accessors": [
		{"bufferView": 0, "componentType": 5126, "count": 2, "type": "SCALAR", "min": [0], "max": [1]},
		{"bufferView": 1, "componentType": 5126, "count": 2, "type": "VEC4"},
		{"bufferView": 2, "componentType": 5126, "count": 2, "type": "VEC3"},
		{"bufferView": 3, "componentType": 5126, "count": 2, "type": "VEC3"}
	],
	"animations": [{
		"name": "nod",
		"channels": [
			{"sampler": 0, "target": {"node": 2, "path": "rotation"}},
			{"sampler": 1, "target": {"node": 1, "path": "translation"}},
			{"sampler": 2, "target": {"node": 3, "path": "translation"}}
		],
		"samplers": [
			{"input": 0, "output": 1, "interpolation": "LINEAR"},
			{"input": 0, "output": 2, "interpolation": "LINEAR"},
			{"input": 0, "output": 3, "interpolation": "STEP"}
		]
	}]
}`, len(data), uri)

	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
}

func trackByName(c *Clip, name string) *Track {
	for i := range c.Tracks {
		if c.Tracks[i].Name == name {
			return &c.Tracks[i]
		}
	}
	return nil
}

func TestLoadVRMA_Build(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nod.vrma")
	writeVRMA(t, path)

	anim, err := LoadVRMA(path)
	require.NoError(t, err)
	assert.Equal(t, "nod", anim.Name)

	m := newAvatar(rig.Version1)
	c, err := anim.Build(m)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, c.Duration, 1e-9)
	require.Len(t, c.Tracks, 3)

	rot := trackByName(c, "Normalized_J_Head.quaternion")
	require.NotNil(t, rot)
	out := make([]float64, 4)
	rot.Sample(1, out)
	assert.InDelta(t, math.Sin(math.Pi/4), out[0], 1e-6)
	assert.InDelta(t, math.Cos(math.Pi/4), out[3], 1e-6)

	// authoring hips rest at 1, avatar hips rest at 1
	pos := trackByName(c, "Normalized_J_Hips.position")
	require.NotNil(t, pos)
	p := make([]float64, 3)
	pos.Sample(1, p)
	assert.InDelta(t, 2.0, p[1], 1e-6)

	w := trackByName(c, "aa.weight")
	require.NotNil(t, w)
	assert.Equal(t, InterpolateStep, w.Interpolation)
	assert.Equal(t, []float64{0, 1}, w.Values)
}

func TestAnimationBuild_HipsScale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nod.vrma")
	writeVRMA(t, path)
	anim, err := LoadVRMA(path)
	require.NoError(t, err)

	m := newAvatar(rig.Version1)
	hips := m.Humanoid.RawBone(rig.BoneHips)
	hips.Position = mgl64.Vec3{0, 0.5, 0}
	m.Humanoid = rig.NewHumanoid(map[rig.BoneRole]*rig.Node{
		rig.BoneHips: hips,
		rig.BoneHead: m.Scene.FindByName("J_Head"),
	})

	c, err := anim.Build(m)
	require.NoError(t, err)
	p := make([]float64, 3)
	trackByName(c, "Normalized_J_Hips.position").Sample(1, p)
	assert.InDelta(t, 1.0, p[1], 1e-6)
}

func TestAnimationBuild_MirrorsForVersion0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nod.vrma")
	writeVRMA(t, path)
	anim, err := LoadVRMA(path)
	require.NoError(t, err)

	c, err := anim.Build(newAvatar(rig.Version0))
	require.NoError(t, err)

	out := make([]float64, 4)
	trackByName(c, "Normalized_J_Head.quaternion").Sample(1, out)
	assert.InDelta(t, -math.Sin(math.Pi/4), out[0], 1e-6)
	assert.InDelta(t, math.Cos(math.Pi/4), out[3], 1e-6)
}

func TestAnimationBuild_Errors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nod.vrma")
	writeVRMA(t, path)
	anim, err := LoadVRMA(path)
	require.NoError(t, err)

	_, err = anim.Build(nil)
	assert.ErrorIs(t, err, ErrNoModel)

	_, err = anim.Build(rig.NewPuppet("puppet", nil))
	assert.ErrorIs(t, err, ErrNoTracks)
}

func TestLoadVRMA_NotAnAnimation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.gltf")
	require.NoError(t, os.WriteFile(path, []byte(`{"asset": {"version": "2.0"}}`), 0o644))

	_, err := LoadVRMA(path)
	assert.ErrorIs(t, err, ErrNoAnimations)

	_, err = LoadVRMA(filepath.Join(t.TempDir(), "missing.vrma"))
	assert.Error(t, err)
}
