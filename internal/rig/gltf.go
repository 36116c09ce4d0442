package rig

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/qmuntal/gltf"
)

const (
	extVRM1 = "VRMC_vrm"
	extVRM0 = "VRM"
)

type vrm1Extension struct {
	Meta struct {
		Name    string   `json:"name"`
		Version string   `json:"version"`
		Authors []string `json:"authors"`
	} `json:"meta"`
	Humanoid struct {
		HumanBones map[string]struct {
			Node int `json:"node"`
		} `json:"humanBones"`
	} `json:"humanoid"`
	Expressions struct {
		Preset map[string]json.RawMessage `json:"preset"`
		Custom map[string]json.RawMessage `json:"custom"`
	} `json:"expressions"`
}

type vrm0Extension struct {
	ExporterVersion string `json:"exporterVersion"`
	Meta            struct {
		Title   string `json:"title"`
		Version string `json:"version"`
		Author  string `json:"author"`
	} `json:"meta"`
	Humanoid struct {
		HumanBones []struct {
			Bone string `json:"bone"`
			Node int    `json:"node"`
		} `json:"humanBones"`
	} `json:"humanoid"`
	BlendShapeMaster struct {
		BlendShapeGroups []struct {
			Name       string `json:"name"`
			PresetName string `json:"presetName"`
		} `json:"blendShapeGroups"`
	} `json:"blendShapeMaster"`
}

// vrm0Presets maps 0.x blend shape presets onto 1.0 expression names
var vrm0Presets = map[string]string{
	"a":         "aa",
	"i":         "ih",
	"u":         "ou",
	"e":         "ee",
	"o":         "oh",
	"joy":       "happy",
	"angry":     "angry",
	"sorrow":    "sad",
	"fun":       "relaxed",
	"blink":     "blink",
	"blink_l":   "blinkLeft",
	"blink_r":   "blinkRight",
	"lookup":    "lookUp",
	"lookdown":  "lookDown",
	"lookleft":  "lookLeft",
	"lookright": "lookRight",
	"neutral":   "neutral",
}

// LoadModel opens a VRM (glTF or GLB) file
func LoadModel(path string) (*Model, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ModelFromDocument(name, doc)
}

// ModelFromDocument builds a model from a decoded glTF document
func ModelFromDocument(name string, doc *gltf.Document) (*Model, error) {
	nodes := NodesFromDocument(doc)

	scene := NewNode(name)
	for _, root := range sceneRoots(doc) {
		scene.Add(nodes[root])
	}
	// orphans not listed in the scene still belong to the avatar
	for _, n := range nodes {
		if n.parent == nil {
			scene.Add(n)
		}
	}

	if err := bindSkins(doc, nodes); err != nil {
		return nil, err
	}

	m := &Model{Name: name, Scene: scene}

	var bones map[BoneRole]*Node
	var expressions []string

	switch {
	case doc.Extensions[extVRM1] != nil:
		var ext vrm1Extension
		if err := DecodeExtension(doc.Extensions, extVRM1, &ext); err != nil {
			return nil, err
		}
		m.Meta = Meta{Name: ext.Meta.Name, MetaVersion: "1", Authors: ext.Meta.Authors}
		if m.Meta.Authors == nil {
			m.Meta.Authors = []string{}
		}
		bones = make(map[BoneRole]*Node, len(ext.Humanoid.HumanBones))
		for role, b := range ext.Humanoid.HumanBones {
			if b.Node >= 0 && b.Node < len(nodes) {
				bones[BoneRole(role)] = nodes[b.Node]
			}
		}
		expressions = append(sortedKeys(ext.Expressions.Preset), sortedKeys(ext.Expressions.Custom)...)

	case doc.Extensions[extVRM0] != nil:
		var ext vrm0Extension
		if err := DecodeExtension(doc.Extensions, extVRM0, &ext); err != nil {
			return nil, err
		}
		m.Meta = Meta{
			Name:            ext.Meta.Title,
			MetaVersion:     "0",
			Author:          ext.Meta.Author,
			ExporterVersion: ext.ExporterVersion,
		}
		bones = make(map[BoneRole]*Node, len(ext.Humanoid.HumanBones))
		for _, b := range ext.Humanoid.HumanBones {
			if b.Node >= 0 && b.Node < len(nodes) {
				bones[BoneRole(b.Bone)] = nodes[b.Node]
			}
		}
		seen := make(map[string]bool)
		for _, g := range ext.BlendShapeMaster.BlendShapeGroups {
			exprName := g.Name
			if mapped, ok := vrm0Presets[strings.ToLower(g.PresetName)]; ok {
				exprName = mapped
			}
			if exprName != "" && !seen[exprName] {
				seen[exprName] = true
				expressions = append(expressions, exprName)
			}
		}

	default:
		return nil, ErrNotVRM
	}

	m.Version = DetectVersion(doc.ExtensionsUsed, &m.Meta)
	m.Humanoid = NewHumanoid(bones)

	specs := make([]ControlSpec, len(expressions))
	for i, e := range expressions {
		specs[i] = ControlSpec{ID: e, Default: 0, Min: 0, Max: 1}
	}
	m.Controls = NewControls(specs)

	return m, nil
}

// NodesFromDocument converts every glTF node into a rig node, wiring the
// child lists. The result is indexed like doc.Nodes.
func NodesFromDocument(doc *gltf.Document) []*Node {
	nodes := make([]*Node, len(doc.Nodes))
	for i, gn := range doc.Nodes {
		name := gn.Name
		if name == "" {
			name = fmt.Sprintf("node_%d", i)
		}
		n := NewNode(name)
		t := gn.TranslationOrDefault()
		r := gn.RotationOrDefault()
		s := gn.ScaleOrDefault()
		n.Position = mgl64.Vec3{t[0], t[1], t[2]}
		n.Rotation = mgl64.Quat{W: r[3], V: mgl64.Vec3{r[0], r[1], r[2]}}
		n.Scale = mgl64.Vec3{s[0], s[1], s[2]}
		nodes[i] = n
	}
	for i, gn := range doc.Nodes {
		for _, c := range gn.Children {
			if int(c) < len(nodes) {
				nodes[i].Add(nodes[c])
			}
		}
	}
	return nodes
}

func sceneRoots(doc *gltf.Document) []int {
	if len(doc.Scenes) == 0 {
		return nil
	}
	idx := 0
	if doc.Scene != nil {
		idx = int(*doc.Scene)
	}
	if idx >= len(doc.Scenes) {
		return nil
	}
	roots := make([]int, 0, len(doc.Scenes[idx].Nodes))
	for _, r := range doc.Scenes[idx].Nodes {
		if int(r) < len(doc.Nodes) {
			roots = append(roots, int(r))
		}
	}
	return roots
}

func bindSkins(doc *gltf.Document, nodes []*Node) error {
	for i, gn := range doc.Nodes {
		if gn.Skin == nil || gn.Mesh == nil {
			continue
		}
		gs := doc.Skins[*gn.Skin]
		skin := &Skin{Joints: make([]*Node, 0, len(gs.Joints))}
		for _, j := range gs.Joints {
			skin.Joints = append(skin.Joints, nodes[j])
		}
		if gs.InverseBindMatrices != nil {
			floats, comps, err := ReadFloats(doc, int(*gs.InverseBindMatrices))
			if err != nil {
				return fmt.Errorf("skin %d inverse bind: %w", *gn.Skin, err)
			}
			if comps == 16 {
				for k := 0; k+16 <= len(floats); k += 16 {
					var m mgl64.Mat4
					copy(m[:], floats[k:k+16])
					skin.InverseBind = append(skin.InverseBind, m)
				}
			}
		}
		nodes[i].Skin = skin
	}
	return nil
}

// DecodeExtension decodes the extension stored under key into v
func DecodeExtension(ext gltf.Extensions, key string, v any) error {
	raw, err := json.Marshal(ext[key])
	if err != nil {
		return fmt.Errorf("encode %s extension: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s extension: %w", key, err)
	}
	return nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
