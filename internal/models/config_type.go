package models

import "strings"

// ConfigType identifies which configuration dialect a file is written in.
type ConfigType string

const (
	ConfigTypeCompose ConfigType = "compose"
	ConfigTypeProxy   ConfigType = "proxy"
	ConfigTypeSystemd ConfigType = "systemd"
	ConfigTypeGeneric ConfigType = "generic"
)

// ConfigTypes lists every supported config type.
var ConfigTypes = []ConfigType{
	ConfigTypeCompose,
	ConfigTypeProxy,
	ConfigTypeSystemd,
	ConfigTypeGeneric,
}

// ParseConfigType maps a tag to a ConfigType. Common aliases are accepted;
// anything unrecognized falls back to generic.
func ParseConfigType(value string) ConfigType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "compose", "docker-compose", "docker_compose":
		return ConfigTypeCompose
	case "proxy", "nginx", "reverse-proxy", "reverse_proxy":
		return ConfigTypeProxy
	case "systemd", "unit", "service":
		return ConfigTypeSystemd
	default:
		return ConfigTypeGeneric
	}
}

// Known reports whether c is one of the explicit config types.
func (c ConfigType) Known() bool {
	switch c {
	case ConfigTypeCompose, ConfigTypeProxy, ConfigTypeSystemd, ConfigTypeGeneric:
		return true
	default:
		return false
	}
}
