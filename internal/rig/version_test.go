package rig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectVersion(t *testing.T) {
	tests := []struct {
		name string
		exts []string
		meta *Meta
		want Version
	}{
		{"vrmc extension", []string{"KHR_materials_unlit", "VRMC_vrm"}, nil, Version1},
		{"vrm extension", []string{"VRM"}, &Meta{MetaVersion: "1.0"}, Version0},
		{"both extensions prefer 1.0", []string{"VRM", "VRMC_vrm"}, nil, Version1},
		{"meta version 1", nil, &Meta{MetaVersion: "1"}, Version1},
		{"meta version 1.x", nil, &Meta{MetaVersion: "1.2"}, Version1},
		{"meta version 0.x", nil, &Meta{MetaVersion: "0.99"}, Version0},
		{"vrm version 1", nil, &Meta{VRMVersion: "1.0-beta"}, Version1},
		{"vrm version 0", nil, &Meta{VRMVersion: "0.61"}, Version0},
		{"authors array", nil, &Meta{Authors: []string{}}, Version1},
		{"author string", nil, &Meta{Author: "someone"}, Version0},
		{"no meta", nil, nil, Version0},
		{"empty meta", nil, &Meta{}, Version0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectVersion(tt.exts, tt.meta))
		})
	}
}

func TestVersionForwardSign(t *testing.T) {
	assert.Equal(t, -1.0, Version1.ForwardSign())
	assert.Equal(t, 1.0, Version0.ForwardSign())
	assert.Equal(t, 1.0, Version("").ForwardSign())
}
