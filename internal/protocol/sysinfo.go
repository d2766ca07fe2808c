package protocol

// DiskUsage describes one mounted volume.
type DiskUsage struct {
	Mountpoint string  `json:"mountpoint"`
	FSType     string  `json:"fstype,omitempty"`
	Total      uint64  `json:"total"`
	Used       uint64  `json:"used"`
	Free       uint64  `json:"free"`
	Percent    float64 `json:"percent"`
}

// InterfaceAddr is one IPv4 address bound to a network interface.
type InterfaceAddr struct {
	Interface string `json:"interface"`
	IP        string `json:"ip"`
}

// SystemInfo is the telemetry snapshot an agent reports on registration
// and on request. Shared between agent (collection) and server (registry)
// to keep the two sides in sync.
//
// Sections that could not be collected are left at their zero value.
type SystemInfo struct {
	AgentID           string               `json:"agent_id"`
	Name              string               `json:"name,omitempty"`
	Hostname          string               `json:"hostname"`
	Platform          string               `json:"platform"`
	PlatformRelease   string               `json:"platform_release"`
	PlatformVersion   string               `json:"platform_version"`
	Architecture      string               `json:"architecture"`
	CPUCount          int                  `json:"cpu_count"`
	CPUPercent        float64              `json:"cpu_percent"`
	MemoryTotal       uint64               `json:"memory_total"`
	MemoryAvailable   uint64               `json:"memory_available"`
	MemoryPercent     float64              `json:"memory_percent"`
	DiskUsage         map[string]DiskUsage `json:"disk_usage"`
	NetworkInterfaces []InterfaceAddr      `json:"network_interfaces"`
	Username          string               `json:"username,omitempty"`
	UptimeSeconds     int64                `json:"uptime_seconds,omitempty"`
	AgentVersion      string               `json:"agent_version,omitempty"`
	Timestamp         string               `json:"timestamp"`
}
