package snapshot

import (
	"time"

	"github.com/loykin/svcwatch/internal/hostmetrics"
	"github.com/loykin/svcwatch/internal/probe"
	"github.com/loykin/svcwatch/internal/service"
	"github.com/loykin/svcwatch/internal/supervisor"
)

// ServiceStatus merges a service definition with what the supervisor and the
// health probe reported for it in one cycle.
type ServiceStatus struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Port      int          `json:"port"`
	HealthURL string       `json:"health_url"`
	LogFile   string       `json:"log_file"`
	ErrorLog  string       `json:"error_log"`
	State     string       `json:"state"`
	PID       *int         `json:"pid"`
	CPU       float64      `json:"cpu"`
	Memory    uint64       `json:"memory"`
	Restarts  int          `json:"restarts"`
	StartedAt *time.Time   `json:"started_at"`
	Health    probe.Result `json:"health"`
}

// Uptime returns how long the process has been running at now, or zero.
func (s ServiceStatus) Uptime(now time.Time) time.Duration {
	if s.StartedAt == nil || now.Before(*s.StartedAt) {
		return 0
	}
	return now.Sub(*s.StartedAt)
}

// Snapshot is the result of one aggregation cycle. It is never modified after
// construction and may be shared freely between goroutines.
type Snapshot struct {
	Services  []ServiceStatus           `json:"services"`
	System    hostmetrics.SystemMetrics `json:"system"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Service returns the status of the service with the given id.
func (s *Snapshot) Service(id string) (ServiceStatus, bool) {
	for _, st := range s.Services {
		if st.ID == id {
			return st, true
		}
	}
	return ServiceStatus{}, false
}

// Merge builds the status of def from its supervisor record, when one exists,
// and its probe result. A missing record leaves the process fields at their
// "unknown" defaults.
func Merge(def service.Definition, rec *supervisor.Record, health probe.Result) ServiceStatus {
	st := ServiceStatus{
		ID:        def.ID,
		Name:      def.Name,
		Port:      def.Port,
		HealthURL: def.HealthURL,
		LogFile:   def.LogFile,
		ErrorLog:  def.ErrorLog,
		State:     supervisor.StateUnknown,
		Health:    health,
	}
	if rec == nil {
		return st
	}
	if rec.State != "" {
		st.State = rec.State
	}
	st.PID = rec.PID
	st.CPU = rec.CPU
	st.Memory = rec.Memory
	st.Restarts = rec.Restarts
	st.StartedAt = rec.StartedAt
	return st
}
