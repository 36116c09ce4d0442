package rig

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/qmuntal/gltf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vrmDocument(ext string, payload string) *gltf.Document {
	zero, one, two := 0, 1, 2
	doc := &gltf.Document{
		Asset:  gltf.Asset{Version: "2.0"},
		Scene:  &zero,
		Scenes: []*gltf.Scene{{Nodes: []int{0}}},
		Nodes: []*gltf.Node{
			{Name: "Root", Children: []int{one}},
			{Name: "J_Bip_C_Hips", Translation: [3]float64{0, 1, 0}, Children: []int{two}},
			{Name: "J_Bip_C_Head", Translation: [3]float64{0, 0.5, 0}},
		},
		ExtensionsUsed: []string{ext},
		Extensions:     gltf.Extensions{ext: json.RawMessage(payload)},
	}
	return doc
}

const vrm1Payload = `{
	"specVersion": "1.0",
	"meta": {"name": "Sample", "version": "1", "authors": ["a"]},
	"humanoid": {"humanBones": {"hips": {"node": 1}, "head": {"node": 2}}},
	"expressions": {"preset": {"aa": {}, "happy": {}}, "custom": {"wink": {}}}
}`

const vrm0Payload = `{
	"exporterVersion": "UniVRM-0.61",
	"meta": {"title": "Old", "version": "0.1", "author": "b"},
	"humanoid": {"humanBones": [{"bone": "hips", "node": 1}, {"bone": "head", "node": 2}]},
	"blendShapeMaster": {"blendShapeGroups": [
		{"name": "A", "presetName": "a"},
		{"name": "Joy", "presetName": "joy"},
		{"name": "Smirk", "presetName": "unknown"}
	]}
}`

func TestModelFromDocument_VRM1(t *testing.T) {
	m, err := ModelFromDocument("sample", vrmDocument("VRMC_vrm", vrm1Payload))
	require.NoError(t, err)

	assert.Equal(t, Version1, m.Version)
	assert.Equal(t, "Sample", m.Meta.Name)
	assert.Equal(t, []string{"aa", "happy", "wink"}, m.Controls.Names())

	head := m.Humanoid.RawBone(BoneHead)
	require.NotNil(t, head)
	assert.Equal(t, "J_Bip_C_Head", head.Name)
	assert.InDelta(t, 1.5, m.HeadPosition().Y(), 1e-9)
	assert.Same(t, head, m.Scene.FindByName("J_Bip_C_Head"))
}

func TestModelFromDocument_VRM0(t *testing.T) {
	m, err := ModelFromDocument("old", vrmDocument("VRM", vrm0Payload))
	require.NoError(t, err)

	assert.Equal(t, Version0, m.Version)
	assert.Equal(t, "b", m.Meta.Author)
	assert.Equal(t, []string{"aa", "happy", "Smirk"}, m.Controls.Names())
	assert.NotNil(t, m.Humanoid.NormalizedBone(BoneHips))
}

func TestModelFromDocument_NotVRM(t *testing.T) {
	doc := &gltf.Document{Nodes: []*gltf.Node{{Name: "mesh"}}}
	_, err := ModelFromDocument("plain", doc)
	assert.ErrorIs(t, err, ErrNotVRM)
}

func TestLoadModel_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.gltf")
	require.NoError(t, gltf.Save(vrmDocument("VRMC_vrm", vrm1Payload), path))

	m, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, "sample", m.Name)
	assert.Equal(t, Version1, m.Version)
	assert.NotNil(t, m.Humanoid.RawBone(BoneHips))
}

func TestModelHeadPositionFallback(t *testing.T) {
	m := NewPuppet("puppet", nil)
	assert.InDelta(t, 1.4, m.HeadPosition().Y(), 1e-9)
}
