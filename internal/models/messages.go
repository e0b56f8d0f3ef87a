package models

import "time"

// EnableRequest is the registration payload
type EnableRequest struct {
	Host         string       `json:"host,omitempty"`
	Port         int          `json:"port"`
	Version      string       `json:"version"`
	BYOC         bool         `json:"byoc"`
	NoFastEnable bool         `json:"noFastEnable"`
	Flavor       EnableFlavor `json:"flavor"`
}

// EnableFlavor describes the runtime and storage of the node
type EnableFlavor struct {
	Runtime string `json:"runtime"`
	Storage string `json:"storage"`
}

// KeepaliveRequest is the periodic liveness and usage report
type KeepaliveRequest struct {
	Time  time.Time `json:"time"`
	Hits  int64     `json:"hits"`
	Bytes int64     `json:"bytes"`
}

// UsageReport is fanned out to the usage queue after a successful keepalive
type UsageReport struct {
	ClusterID string    `json:"cluster_id"`
	Time      time.Time `json:"time"`
	Hits      int64     `json:"hits"`
	Bytes     int64     `json:"bytes"`
}

// SyncPolicy is the control plane's instruction for content sync
type SyncPolicy struct {
	Source      string `json:"source"`
	Concurrency int    `json:"concurrency"`
}

// AgentConfiguration is returned by the configuration endpoint
type AgentConfiguration struct {
	Sync SyncPolicy `json:"sync"`
}
