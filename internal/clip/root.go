package clip

import "github.com/normanking/cortexrig/internal/rig"

// ProcessTracksForVersion adapts track names to the avatar convention. 0.x
// avatars have their clips resolved against raw bone names, so the
// normalized prefix is removed.
func ProcessTracksForVersion(c *Clip, v rig.Version) {
	if v == rig.Version0 {
		c.StripTrackPrefix(rig.NormalizedPrefix)
	}
}

// EnsureNormalizedRoot attaches the humanoid's normalized rig to the scene
// when it is not already part of it and returns it. 1.0 avatars get bone
// propagation switched back on. It returns nil for models without a humanoid.
func EnsureNormalizedRoot(m *rig.Model) *rig.Node {
	if m == nil || m.Humanoid == nil {
		return nil
	}
	root := m.Humanoid.NormalizedRoot()
	if root.Parent() == nil && m.Scene != nil {
		m.Scene.Add(root)
	}
	if m.Version == rig.Version1 {
		m.Humanoid.AutoUpdateHumanBones = true
	}
	return root
}

// CountMatches returns how many of the first sampleSize node tracks of c
// resolve to a node under root
func CountMatches(c *Clip, root *rig.Node, sampleSize int) int {
	if root == nil {
		return 0
	}
	matched, sampled := 0, 0
	for i := range c.Tracks {
		if sampled >= sampleSize {
			break
		}
		prop := c.Tracks[i].Property()
		if prop != PropQuaternion && prop != PropPosition {
			continue
		}
		sampled++
		if root.FindByName(c.Tracks[i].Target()) != nil {
			matched++
		}
	}
	return matched
}

// FindBestRoot picks the mixer root a clip's tracks resolve against. The
// candidates are the scene, the scene again once the normalized rig is
// attached, and the normalized root itself. A later candidate only wins with
// strictly more matches, so ties go to the scene.
func FindBestRoot(m *rig.Model, c *Clip, sampleSize int) *rig.Node {
	candidates := []*rig.Node{m.Scene}
	normalized := EnsureNormalizedRoot(m)
	candidates = append(candidates, m.Scene)
	if normalized != nil {
		candidates = append(candidates, normalized)
	}

	best, bestCount := m.Scene, -1
	for _, root := range candidates {
		if root == nil {
			continue
		}
		if n := CountMatches(c, root, sampleSize); n > bestCount {
			best, bestCount = root, n
		}
	}
	return best
}
