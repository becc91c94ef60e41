package models

import (
	"strings"
	"time"
)

// DependencyType describes why one service depends on another.
type DependencyType string

const (
	DependencyTypeDependsOn DependencyType = "depends_on"
	DependencyTypeNetwork   DependencyType = "network"
	DependencyTypeVolume    DependencyType = "volume"
	DependencyTypeManual    DependencyType = "manual"
)

// Resource node prefixes used for network and volume membership edges.
const (
	NetworkNodePrefix = "network:"
	VolumeNodePrefix  = "volume:"
)

// NetworkNode returns the graph node name for a compose network.
func NetworkNode(name string) string { return NetworkNodePrefix + name }

// VolumeNode returns the graph node name for a named volume.
func VolumeNode(name string) string { return VolumeNodePrefix + name }

// IsResourceNode reports whether a node name refers to a network or volume
// rather than a service.
func IsResourceNode(name string) bool {
	return strings.HasPrefix(name, NetworkNodePrefix) || strings.HasPrefix(name, VolumeNodePrefix)
}

// DependencyEdge is a directed, device-scoped relationship: ServiceName
// depends on DependsOn. Edges are unique per (DeviceID, ServiceName, DependsOn).
type DependencyEdge struct {
	ID             string            `json:"id"`
	DeviceID       string            `json:"device_id"`
	ServiceName    string            `json:"service_name"`
	DependsOn      string            `json:"depends_on"`
	DependencyType DependencyType    `json:"dependency_type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Validate checks required edge fields.
func (e *DependencyEdge) Validate() error {
	validation := &ValidationErrors{}
	if e.DeviceID == "" {
		validation.AddMessage("device_id", "device id is required")
	}
	if strings.TrimSpace(e.ServiceName) == "" {
		validation.Add("service_name", ErrInvalidServiceName)
	}
	if strings.TrimSpace(e.DependsOn) == "" {
		validation.Add("depends_on", ErrInvalidServiceName)
	}
	if e.ServiceName != "" && e.ServiceName == e.DependsOn {
		validation.Add("depends_on", ErrSelfDependency)
	}
	return validation.Err()
}

// ServiceGraph is the full node/edge set for one device.
type ServiceGraph struct {
	DeviceID string            `json:"device_id"`
	Nodes    []string          `json:"nodes"`
	Edges    []*DependencyEdge `json:"edges"`
}

// Closure is the result of a bounded transitive traversal.
type Closure struct {
	Service    string   `json:"service"`
	Upstream   []string `json:"upstream"`
	Downstream []string `json:"downstream"`
}
