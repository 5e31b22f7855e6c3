package client

import "time"

// Health is the latest probe result of a service.
type Health struct {
	Status       string   `json:"status"`
	StatusCode   *int     `json:"status_code,omitempty"`
	ResponseTime *float64 `json:"response_time,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// ServiceStatus represents the merged supervisor and probe view of a service
type ServiceStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Port      int        `json:"port"`
	HealthURL string     `json:"health_url"`
	LogFile   string     `json:"log_file"`
	ErrorLog  string     `json:"error_log"`
	State     string     `json:"state"`
	PID       *int       `json:"pid"`
	CPU       float64    `json:"cpu"`
	Memory    uint64     `json:"memory"`
	Restarts  int        `json:"restarts"`
	StartedAt *time.Time `json:"started_at"`
	Health    Health     `json:"health"`
}

type Memory struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Used      uint64  `json:"used"`
	Percent   float64 `json:"percent"`
}

type DiskUsage struct {
	Mountpoint string  `json:"mountpoint"`
	Total      uint64  `json:"total"`
	Used       uint64  `json:"used"`
	Free       uint64  `json:"free"`
	Percent    float64 `json:"percent"`
}

type Network struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// SystemMetrics represents host resource usage
type SystemMetrics struct {
	CPUPercent float64     `json:"cpu_percent"`
	Memory     Memory      `json:"memory"`
	Disks      []DiskUsage `json:"disks"`
	Network    Network     `json:"network"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Snapshot is one point-in-time view of every service and the host
type Snapshot struct {
	Services  []ServiceStatus `json:"services"`
	System    SystemMetrics   `json:"system"`
	Timestamp time.Time       `json:"timestamp"`
}

// LogsQuery represents query parameters for the logs endpoint
type LogsQuery struct {
	Service string
	Lines   int    // 0 uses the server default
	Type    string // "output" (default) or "error"
}

// LogsResponse is the tail of a service log
type LogsResponse struct {
	Service   string    `json:"service"`
	LogType   string    `json:"log_type"`
	Logs      []string  `json:"logs"`
	Timestamp time.Time `json:"timestamp"`
}

// MonitorStats describes the server's broadcast loop
type MonitorStats struct {
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval_ns"`
	Ticks     uint64        `json:"ticks"`
	Overruns  uint64        `json:"overruns"`
	Observers int           `json:"observers"`
	LastCycle time.Duration `json:"last_cycle_ns"`
	LastTick  *time.Time    `json:"last_tick,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
