package clip

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/qmuntal/gltf"

	"github.com/normanking/cortexrig/internal/rig"
)

const extVRMAnimation = "VRMC_vrm_animation"

type vrmaExtension struct {
	SpecVersion string `json:"specVersion"`
	Humanoid    struct {
		HumanBones map[string]struct {
			Node int `json:"node"`
		} `json:"humanBones"`
	} `json:"humanoid"`
	Expressions struct {
		Preset map[string]struct {
			Node int `json:"node"`
		} `json:"preset"`
		Custom map[string]struct {
			Node int `json:"node"`
		} `json:"custom"`
	} `json:"expressions"`
}

// gltfAnimation mirrors the glTF JSON form of an animation
type gltfAnimation struct {
	Name     string `json:"name"`
	Channels []struct {
		Sampler int `json:"sampler"`
		Target  struct {
			Node *int   `json:"node"`
			Path string `json:"path"`
		} `json:"target"`
	} `json:"channels"`
	Samplers []struct {
		Input         int    `json:"input"`
		Output        int    `json:"output"`
		Interpolation string `json:"interpolation"`
	} `json:"samplers"`
}

// nodeChannel is a keyframed transform of one animation node
type nodeChannel struct {
	node          int
	path          string
	times         []float64
	values        []float64
	interpolation Interpolation
}

// Animation is a parsed VRM animation file. Its tracks are still expressed
// against the rest pose of the rig the file was authored with; Build
// retargets them onto a loaded avatar.
type Animation struct {
	Name string

	nodes       []*rig.Node
	bones       map[int]rig.BoneRole
	expressions map[int]string
	channels    []nodeChannel
}

// LoadVRMA opens a .vrma file
func LoadVRMA(path string) (*Animation, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open animation: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return AnimationFromDocument(name, doc)
}

// AnimationFromDocument reads the first animation of doc together with its
// VRMC_vrm_animation humanoid and expression maps
func AnimationFromDocument(name string, doc *gltf.Document) (*Animation, error) {
	if doc.Extensions[extVRMAnimation] == nil || len(doc.Animations) == 0 {
		return nil, ErrNoAnimations
	}
	var ext vrmaExtension
	if err := rig.DecodeExtension(doc.Extensions, extVRMAnimation, &ext); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(doc.Animations[0])
	if err != nil {
		return nil, fmt.Errorf("encode animation: %w", err)
	}
	var ga gltfAnimation
	if err := json.Unmarshal(raw, &ga); err != nil {
		return nil, fmt.Errorf("decode animation: %w", err)
	}

	a := &Animation{
		Name:        name,
		nodes:       rig.NodesFromDocument(doc),
		bones:       make(map[int]rig.BoneRole, len(ext.Humanoid.HumanBones)),
		expressions: make(map[int]string),
	}
	if ga.Name != "" {
		a.Name = ga.Name
	}
	for role, b := range ext.Humanoid.HumanBones {
		a.bones[b.Node] = rig.BoneRole(role)
	}
	for exprName, e := range ext.Expressions.Preset {
		a.expressions[e.Node] = exprName
	}
	for exprName, e := range ext.Expressions.Custom {
		a.expressions[e.Node] = exprName
	}

	for i, ch := range ga.Channels {
		if ch.Target.Node == nil || ch.Sampler < 0 || ch.Sampler >= len(ga.Samplers) {
			continue
		}
		if ch.Target.Path != "rotation" && ch.Target.Path != "translation" {
			continue
		}
		s := ga.Samplers[ch.Sampler]
		times, _, err := rig.ReadFloats(doc, s.Input)
		if err != nil {
			return nil, fmt.Errorf("channel %d input: %w", i, err)
		}
		values, _, err := rig.ReadFloats(doc, s.Output)
		if err != nil {
			return nil, fmt.Errorf("channel %d output: %w", i, err)
		}
		a.channels = append(a.channels, nodeChannel{
			node:          *ch.Target.Node,
			path:          ch.Target.Path,
			times:         times,
			values:        values,
			interpolation: parseInterpolation(s.Interpolation),
		})
	}

	if len(a.channels) == 0 {
		return nil, ErrNoAnimations
	}
	return a, nil
}

func parseInterpolation(s string) Interpolation {
	switch strings.ToUpper(s) {
	case "STEP":
		return InterpolateStep
	case "CUBICSPLINE":
		return InterpolateCubicSpline
	default:
		return InterpolateLinear
	}
}

// Build retargets the animation onto m. Bone rotations are rebased from the
// authoring rest pose onto the normalized rig, hips translation is scaled by
// the ratio of rest hip heights, and expression node translations become
// control weight tracks. 0.x avatars face the other way, so x and z are
// mirrored for them.
func (a *Animation) Build(m *rig.Model) (*Clip, error) {
	if m == nil {
		return nil, ErrNoModel
	}

	hipsScale := 1.0
	if m.Humanoid != nil {
		if rest, ok := m.Humanoid.RestPosition(rig.BoneHips); ok {
			for node, role := range a.bones {
				if role == rig.BoneHips && node < len(a.nodes) {
					if animY := a.nodes[node].WorldPosition().Y(); animY != 0 {
						hipsScale = rest.Y() / animY
					}
				}
			}
		}
	}
	mirror := m.Version == rig.Version0

	var tracks []Track
	for _, ch := range a.channels {
		if ch.node < 0 || ch.node >= len(a.nodes) {
			continue
		}
		if exprName, ok := a.expressions[ch.node]; ok {
			if ch.path == "translation" {
				if tr, ok := a.expressionTrack(m, exprName, ch); ok {
					tracks = append(tracks, tr)
				}
			}
			continue
		}

		role, ok := a.bones[ch.node]
		if !ok || m.Humanoid == nil {
			continue
		}
		bone := m.Humanoid.RawBone(role)
		if bone == nil {
			continue
		}
		target := rig.NormalizedPrefix + bone.Name
		node := a.nodes[ch.node]

		switch {
		case ch.path == "rotation":
			tracks = append(tracks, Track{
				Name:          target + "." + PropQuaternion,
				Times:         ch.times,
				Values:        rebaseRotations(node, ch.values, mirror),
				Interpolation: ch.interpolation,
			})
		case ch.path == "translation" && role == rig.BoneHips:
			tracks = append(tracks, Track{
				Name:          target + "." + PropPosition,
				Times:         ch.times,
				Values:        rebaseHips(node, ch, hipsScale, mirror),
				Interpolation: ch.interpolation,
			})
		}
	}

	c := NewClip(a.Name, tracks)
	if len(c.Tracks) == 0 {
		return nil, ErrNoTracks
	}
	return c, nil
}

// rebaseRotations maps each quaternion q to parentWorldRest * q * inverse(worldRest).
// The map is linear, so cubic spline tangents go through it unchanged.
func rebaseRotations(node *rig.Node, values []float64, mirror bool) []float64 {
	parent := mgl64.QuatIdent()
	if p := node.Parent(); p != nil {
		parent = p.WorldQuaternion()
	}
	invWorld := node.WorldQuaternion().Inverse()

	out := make([]float64, len(values))
	for i := 0; i+4 <= len(values); i += 4 {
		q := parent.Mul(quatFrom(values[i:])).Mul(invWorld)
		quatTo(q, out[i:])
		if mirror {
			out[i] = -out[i]
			out[i+2] = -out[i+2]
		}
	}
	return out
}

// rebaseHips moves hips translations into world space and rescales them to
// the avatar's hip height
func rebaseHips(node *rig.Node, ch nodeChannel, scale float64, mirror bool) []float64 {
	parentWorld := mgl64.Ident4()
	if p := node.Parent(); p != nil {
		parentWorld = p.WorldMatrix()
	}

	out := make([]float64, len(ch.values))
	for i := 0; i+3 <= len(ch.values); i += 3 {
		v := mgl64.Vec3{ch.values[i], ch.values[i+1], ch.values[i+2]}
		w := 1.0
		// spline tangents are directions
		if ch.interpolation == InterpolateCubicSpline && (i/3)%3 != 1 {
			w = 0
		}
		p := parentWorld.Mul4x1(v.Vec4(w)).Vec3().Mul(scale)
		out[i], out[i+1], out[i+2] = p[0], p[1], p[2]
		if mirror {
			out[i] = -out[i]
			out[i+2] = -out[i+2]
		}
	}
	return out
}

// expressionTrack turns an expression node's x translation into a weight
// track for the matching control
func (a *Animation) expressionTrack(m *rig.Model, exprName string, ch nodeChannel) (Track, bool) {
	if m.Controls == nil {
		return Track{}, false
	}
	if _, ok := m.Controls.Index(exprName); !ok {
		return Track{}, false
	}
	values := make([]float64, 0, len(ch.values)/3)
	for i := 0; i+3 <= len(ch.values); i += 3 {
		values = append(values, ch.values[i])
	}
	return Track{
		Name:          exprName + "." + PropWeight,
		Times:         ch.times,
		Values:        values,
		Interpolation: ch.interpolation,
	}, true
}
