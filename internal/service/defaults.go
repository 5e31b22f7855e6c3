package service

import (
	"fmt"
	"path/filepath"
)

// DefaultLogDir is where the default catalog expects supervisor log files.
const DefaultLogDir = "/mnt/logs"

// Defaults returns the catalog used when the config file lists no services:
// the speech synthesis, backend API and frontend dev services.
func Defaults() []Definition {
	return []Definition{
		defaultDef("tts-service", "TTS Service", 8080, "/health"),
		defaultDef("backend-service", "Backend API", 8000, "/health"),
		defaultDef("frontend-service", "Frontend Web", 5173, ""),
	}
}

func defaultDef(id, name string, port int, path string) Definition {
	return Definition{
		ID:        id,
		Name:      name,
		Port:      port,
		HealthURL: fmt.Sprintf("http://localhost:%d%s", port, path),
		LogFile:   filepath.Join(DefaultLogDir, id+"-out.log"),
		ErrorLog:  filepath.Join(DefaultLogDir, id+"-error.log"),
	}
}
