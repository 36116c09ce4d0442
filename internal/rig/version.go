package rig

import "strings"

// Version identifies the skeleton convention of a loaded avatar
type Version string

const (
	Version0 Version = "0.0"
	Version1 Version = "1.0"
)

// Meta carries the metadata fields used to tell conventions apart
type Meta struct {
	Name            string   `json:"name"`
	MetaVersion     string   `json:"metaVersion"`
	VRMVersion      string   `json:"vrmVersion"`
	Authors         []string `json:"authors"`
	Author          string   `json:"author"`
	ExporterVersion string   `json:"exporterVersion"`
}

// DetectVersion classifies the avatar from the glTF extensionsUsed list,
// falling back to metadata heuristics and finally to Version0.
func DetectVersion(extensionsUsed []string, meta *Meta) Version {
	for _, ext := range extensionsUsed {
		if ext == "VRMC_vrm" {
			return Version1
		}
	}
	for _, ext := range extensionsUsed {
		if ext == "VRM" {
			return Version0
		}
	}
	if meta == nil {
		return Version0
	}
	if v := meta.MetaVersion; v != "" {
		switch {
		case v == "1" || strings.HasPrefix(v, "1."):
			return Version1
		case v == "0" || strings.HasPrefix(v, "0."):
			return Version0
		}
	}
	if v := meta.VRMVersion; v != "" {
		if strings.HasPrefix(v, "1") || strings.Contains(v, "1.0") {
			return Version1
		}
		return Version0
	}
	if meta.Authors != nil {
		return Version1
	}
	return Version0
}

// ForwardSign is the sign of the avatar's facing axis along local Z
func (v Version) ForwardSign() float64 {
	if v == Version1 {
		return -1
	}
	return 1
}
