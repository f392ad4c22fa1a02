// Package device holds the read model of the external device-template
// collaborator: normalized device snapshots and the assignment guard that
// vetoes injection while a video assignment write is in flight.
package device

import "strings"

// Type distinguishes synthetic device kinds.
type Type string

const (
	TypeCamera     Type = "camera"
	TypeMicrophone Type = "microphone"
)

// Descriptor describes one synthetic device as the embedded context should
// see it. Owned by the external template collaborator; the engine only
// reads normalized snapshots.
type Descriptor struct {
	ID                string `json:"id"`
	Type              Type   `json:"type"`
	Name              string `json:"name"`
	SimulationEnabled bool   `json:"simulation_enabled"`
	AssignedMediaURI  string `json:"assigned_media_uri,omitempty"`
	AssignedMediaName string `json:"assigned_media_name,omitempty"`
}

// Snapshot is an immutable normalized device list.
type Snapshot struct {
	Devices []Descriptor `json:"devices"`
}

// Normalize resolves assignment URIs to a deliverable form, falling back
// to the shared default source when a device has no assignment.
func Normalize(devices []Descriptor, defaultURI, defaultName string) Snapshot {
	out := make([]Descriptor, len(devices))
	for i, d := range devices {
		if strings.TrimSpace(d.AssignedMediaURI) == "" {
			d.AssignedMediaURI = defaultURI
			d.AssignedMediaName = defaultName
		}
		out[i] = d
	}
	return Snapshot{Devices: out}
}

// AnySimulationEnabled reports whether at least one device has simulation
// turned on.
func (s Snapshot) AnySimulationEnabled() bool {
	for _, d := range s.Devices {
		if d.SimulationEnabled {
			return true
		}
	}
	return false
}

// HasAssignedVideo reports whether any camera carries a non-default
// assignment.
func (s Snapshot) HasAssignedVideo(defaultURI string) bool {
	for _, d := range s.Devices {
		if d.Type == TypeCamera && d.AssignedMediaURI != "" && d.AssignedMediaURI != defaultURI {
			return true
		}
	}
	return false
}
