// Package rig models the avatar collaborator: a transform hierarchy, the
// humanoid bone roles bound onto it, and the named scalar controls
// (expression weights or puppet parameters) that animation systems write.
package rig

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Node is a named transform in the scene graph
type Node struct {
	Name     string
	UUID     string
	Position mgl64.Vec3
	Rotation mgl64.Quat
	Scale    mgl64.Vec3

	// Skin is set on nodes that carry a skinned mesh
	Skin *Skin

	parent   *Node
	children []*Node
	world    mgl64.Mat4
}

// NewNode creates a node at the origin with identity rotation and unit scale
func NewNode(name string) *Node {
	return &Node{
		Name:     name,
		UUID:     uuid.NewString(),
		Rotation: mgl64.QuatIdent(),
		Scale:    mgl64.Vec3{1, 1, 1},
		world:    mgl64.Ident4(),
	}
}

// Parent returns the parent node or nil for a root
func (n *Node) Parent() *Node {
	return n.parent
}

// Children returns the direct children
func (n *Node) Children() []*Node {
	return n.children
}

// Add attaches child under n, detaching it from any previous parent
func (n *Node) Add(child *Node) {
	if child == nil || child == n {
		return
	}
	if child.parent != nil {
		child.parent.Remove(child)
	}
	child.parent = n
	n.children = append(n.children, child)
}

// Remove detaches child from n. It is a no-op when child is not a direct child.
func (n *Node) Remove(child *Node) {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			child.parent = nil
			return
		}
	}
}

// Traverse visits n and all descendants depth-first
func (n *Node) Traverse(fn func(*Node)) {
	fn(n)
	for _, c := range n.children {
		c.Traverse(fn)
	}
}

// FindByName returns the first node named name in the subtree rooted at n,
// including n itself.
func (n *Node) FindByName(name string) *Node {
	if n.Name == name {
		return n
	}
	for _, c := range n.children {
		if found := c.FindByName(name); found != nil {
			return found
		}
	}
	return nil
}

// Contains reports whether other is n or one of its descendants
func (n *Node) Contains(other *Node) bool {
	for p := other; p != nil; p = p.parent {
		if p == n {
			return true
		}
	}
	return false
}

// LocalMatrix composes translation, rotation and scale
func (n *Node) LocalMatrix() mgl64.Mat4 {
	t := mgl64.Translate3D(n.Position[0], n.Position[1], n.Position[2])
	r := n.Rotation.Normalize().Mat4()
	s := mgl64.Scale3D(n.Scale[0], n.Scale[1], n.Scale[2])
	return t.Mul4(r).Mul4(s)
}

// WorldMatrix computes the world transform from the current local
// transforms of n and its ancestors.
func (n *Node) WorldMatrix() mgl64.Mat4 {
	if n.parent == nil {
		return n.LocalMatrix()
	}
	return n.parent.WorldMatrix().Mul4(n.LocalMatrix())
}

// WorldPosition returns the world-space origin of n
func (n *Node) WorldPosition() mgl64.Vec3 {
	return n.WorldMatrix().Col(3).Vec3()
}

// WorldQuaternion returns the accumulated world rotation of n
func (n *Node) WorldQuaternion() mgl64.Quat {
	q := n.Rotation
	for p := n.parent; p != nil; p = p.parent {
		q = p.Rotation.Mul(q)
	}
	return q.Normalize()
}

// UpdateWorld refreshes the cached world matrices of the subtree
func (n *Node) UpdateWorld() {
	if n.parent == nil {
		n.updateWorld(mgl64.Ident4())
		return
	}
	n.updateWorld(n.parent.WorldMatrix())
}

func (n *Node) updateWorld(parentWorld mgl64.Mat4) {
	n.world = parentWorld.Mul4(n.LocalMatrix())
	for _, c := range n.children {
		c.updateWorld(n.world)
	}
}

// CachedWorld returns the world matrix from the last UpdateWorld pass
func (n *Node) CachedWorld() mgl64.Mat4 {
	return n.world
}

// Skin binds a skinned mesh to its joints
type Skin struct {
	Joints      []*Node
	InverseBind []mgl64.Mat4

	// Matrices holds joint world * inverse bind after Update
	Matrices []mgl64.Mat4
}

// Update recomputes the joint matrices from cached world transforms
func (s *Skin) Update() {
	if len(s.Matrices) != len(s.Joints) {
		s.Matrices = make([]mgl64.Mat4, len(s.Joints))
	}
	for i, j := range s.Joints {
		inv := mgl64.Ident4()
		if i < len(s.InverseBind) {
			inv = s.InverseBind[i]
		}
		s.Matrices[i] = j.CachedWorld().Mul4(inv)
	}
}
