package rig

import (
	"sort"

	"github.com/go-gl/mathgl/mgl64"
)

// BoneRole names a humanoid bone independent of the rig's node names
type BoneRole string

const (
	BoneHips          BoneRole = "hips"
	BoneSpine         BoneRole = "spine"
	BoneChest         BoneRole = "chest"
	BoneUpperChest    BoneRole = "upperChest"
	BoneNeck          BoneRole = "neck"
	BoneHead          BoneRole = "head"
	BoneLeftEye       BoneRole = "leftEye"
	BoneRightEye      BoneRole = "rightEye"
	BoneLeftUpperArm  BoneRole = "leftUpperArm"
	BoneRightUpperArm BoneRole = "rightUpperArm"
	BoneLeftUpperLeg  BoneRole = "leftUpperLeg"
	BoneRightUpperLeg BoneRole = "rightUpperLeg"
	BoneLeftFoot      BoneRole = "leftFoot"
	BoneRightFoot     BoneRole = "rightFoot"
)

const (
	// NormalizedRootName is the name of the normalized rig's root node
	NormalizedRootName = "VRMHumanoidRig"
	// NormalizedPrefix prefixes the names of normalized bone nodes
	NormalizedPrefix = "Normalized_"
)

type humanBone struct {
	raw        *Node
	normalized *Node

	restLocal         mgl64.Quat
	parentWorldRest   mgl64.Quat
	restNormalizedPos mgl64.Vec3
	restRawPos        mgl64.Vec3
}

// Humanoid binds bone roles to raw rig nodes and owns a normalized rig whose
// bones all rest at identity rotation. Animation clips authored against the
// normalized rig are transferred to the raw bones by Update.
type Humanoid struct {
	bones          map[BoneRole]*humanBone
	normalizedRoot *Node

	// AutoUpdateHumanBones lets the per-frame model update copy normalized
	// poses onto raw bones. Clip playback turns it off while it drives bones.
	AutoUpdateHumanBones bool
}

// NewHumanoid captures the rest pose of the given raw bones and builds the
// normalized rig. Nil entries are ignored.
func NewHumanoid(raw map[BoneRole]*Node) *Humanoid {
	h := &Humanoid{
		bones:                make(map[BoneRole]*humanBone, len(raw)),
		normalizedRoot:       NewNode(NormalizedRootName),
		AutoUpdateHumanBones: true,
	}

	byNode := make(map[*Node]BoneRole, len(raw))
	for role, n := range raw {
		if n != nil {
			byNode[n] = role
		}
	}

	// deterministic build order, parents before children
	roles := make([]BoneRole, 0, len(byNode))
	for _, role := range byNode {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool {
		di, dj := depth(raw[roles[i]]), depth(raw[roles[j]])
		if di != dj {
			return di < dj
		}
		return roles[i] < roles[j]
	})

	for _, role := range roles {
		n := raw[role]
		parentRole, hasParent := humanParent(n, byNode)

		hb := &humanBone{
			raw:        n,
			normalized: NewNode(NormalizedPrefix + n.Name),
			restLocal:  n.Rotation,
			restRawPos: n.Position,
		}
		if n.parent != nil {
			hb.parentWorldRest = n.parent.WorldQuaternion()
		} else {
			hb.parentWorldRest = mgl64.QuatIdent()
		}

		worldPos := n.WorldPosition()
		if pb, ok := h.bones[parentRole]; hasParent && ok {
			hb.restNormalizedPos = worldPos.Sub(pb.raw.WorldPosition())
			pb.normalized.Add(hb.normalized)
		} else {
			hb.restNormalizedPos = worldPos
			h.normalizedRoot.Add(hb.normalized)
		}
		hb.normalized.Position = hb.restNormalizedPos
		h.bones[role] = hb
	}

	return h
}

func depth(n *Node) int {
	d := 0
	for p := n.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

func humanParent(n *Node, byNode map[*Node]BoneRole) (BoneRole, bool) {
	for p := n.parent; p != nil; p = p.parent {
		if role, ok := byNode[p]; ok {
			return role, true
		}
	}
	return "", false
}

// RawBone returns the rig node bound to role, or nil
func (h *Humanoid) RawBone(role BoneRole) *Node {
	if hb, ok := h.bones[role]; ok {
		return hb.raw
	}
	return nil
}

// NormalizedBone returns the normalized rig node for role, or nil
func (h *Humanoid) NormalizedBone(role BoneRole) *Node {
	if hb, ok := h.bones[role]; ok {
		return hb.normalized
	}
	return nil
}

// NormalizedRoot returns the root of the normalized rig
func (h *Humanoid) NormalizedRoot() *Node {
	return h.normalizedRoot
}

// RestPosition returns the rest position of role's normalized bone, relative
// to its humanoid parent or to the world for top-level bones such as hips
func (h *Humanoid) RestPosition(role BoneRole) (mgl64.Vec3, bool) {
	if hb, ok := h.bones[role]; ok {
		return hb.restNormalizedPos, true
	}
	return mgl64.Vec3{}, false
}

// Roles returns the bound roles in sorted order
func (h *Humanoid) Roles() []BoneRole {
	roles := make([]BoneRole, 0, len(h.bones))
	for r := range h.bones {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Update transfers the normalized pose onto the raw bones
func (h *Humanoid) Update() {
	for role, hb := range h.bones {
		inv := hb.parentWorldRest.Inverse()
		hb.raw.Rotation = inv.Mul(hb.normalized.Rotation).Mul(hb.parentWorldRest).Mul(hb.restLocal).Normalize()

		if role == BoneHips {
			delta := hb.normalized.Position.Sub(hb.restNormalizedPos)
			hb.raw.Position = hb.restRawPos.Add(inv.Rotate(delta))
		}
	}
}

// ResetNormalizedPose returns every normalized bone to its rest transform
func (h *Humanoid) ResetNormalizedPose() {
	for _, hb := range h.bones {
		hb.normalized.Rotation = mgl64.QuatIdent()
		hb.normalized.Position = hb.restNormalizedPos
	}
}
