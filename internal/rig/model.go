package rig

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrNotVRM is returned when a glTF file lacks humanoid VRM data
var ErrNotVRM = errors.New("rig: file has no VRM humanoid extension")

// Driver advances part of the avatar pose for one frame. Drivers stand in
// for the underlying animation and physics systems.
type Driver interface {
	Advance(m *Model, dt float64) error
}

// DriverFunc adapts a function to the Driver interface
type DriverFunc func(m *Model, dt float64) error

// Advance calls f
func (f DriverFunc) Advance(m *Model, dt float64) error {
	return f(m, dt)
}

// Model is one loaded avatar: a scene graph, an optional humanoid, and its
// scalar controls (expression weights for 3D avatars, parameters for 2D
// puppets).
type Model struct {
	Name     string
	Version  Version
	Meta     Meta
	Scene    *Node
	Humanoid *Humanoid
	Controls *Controls

	drivers []Driver
}

// NewPuppet creates a 2D parameter-driven model without a skeleton
func NewPuppet(name string, specs []ControlSpec) *Model {
	return &Model{
		Name:     name,
		Version:  Version0,
		Scene:    NewNode(name),
		Controls: NewControls(specs),
	}
}

// AddDriver appends a driver to the per-frame update
func (m *Model) AddDriver(d Driver) {
	m.drivers = append(m.drivers, d)
}

// RemoveDriver detaches d. Drivers are compared by identity.
func (m *Model) RemoveDriver(d Driver) {
	for i, existing := range m.drivers {
		if existing == d {
			m.drivers = append(m.drivers[:i], m.drivers[i+1:]...)
			return
		}
	}
}

// Update runs every driver in order and then lets the humanoid transfer the
// normalized pose when auto update is on. The first driver error aborts the
// update.
func (m *Model) Update(dt float64) error {
	for i, d := range m.drivers {
		if err := d.Advance(m, dt); err != nil {
			return fmt.Errorf("driver %d: %w", i, err)
		}
	}
	if m.Humanoid != nil && m.Humanoid.AutoUpdateHumanBones {
		m.Humanoid.Update()
	}
	return nil
}

// Commit finalizes the frame: world matrices and skin matrices are
// recomputed from the current local transforms.
func (m *Model) Commit() {
	m.Scene.UpdateWorld()
	for _, mesh := range m.SkinnedMeshes() {
		mesh.Skin.Update()
	}
}

// SkinnedMeshes returns every node in the scene that carries a skin
func (m *Model) SkinnedMeshes() []*Node {
	var meshes []*Node
	m.Scene.Traverse(func(n *Node) {
		if n.Skin != nil {
			meshes = append(meshes, n)
		}
	})
	return meshes
}

// HeadPosition returns the world position of the head bone, falling back to
// 1.4m above the scene origin.
func (m *Model) HeadPosition() mgl64.Vec3 {
	if m.Humanoid != nil {
		if head := m.Humanoid.RawBone(BoneHead); head != nil {
			return head.WorldPosition()
		}
	}
	if m.Scene != nil {
		return m.Scene.WorldPosition().Add(mgl64.Vec3{0, 1.4, 0})
	}
	return mgl64.Vec3{0, 1.4, 0}
}
