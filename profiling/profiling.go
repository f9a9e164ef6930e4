package profiling

import (
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- Profiling endpoints intentionally exposed for debugging
	"os"
	"time"

	"github.com/felixge/fgprof"
)

type Service string

const (
	Agent   Service = "agent"
	Gateway Service = "gateway"
)

// ServePort is a fixed profiler port. InitProfilerIfEnabled does not use
// it; it listens on the service's ProfilerConfig.Port instead.
const ServePort = "6059"

// ServiceFromString returns the Service for the given string.
func ServiceFromString(s string) (Service, error) {
	switch s {
	case string(Agent):
		return Agent, nil
	case string(Gateway):
		return Gateway, nil
	default:
		return "", fmt.Errorf("unknown service: %s", s)
	}
}

// ProfilerConfig contains the profiler configuration for a given service.
type ProfilerConfig struct {
	// EnvVar is the name of the environment variable that must be set to true/1 for
	// profiling to be enabled for a given service.
	EnvVar string

	// Port is the port on which the profiler will listen.
	Port string
}

// GetProfilerConfig returns the profiler configuration for the given service.
func (s Service) GetProfilerConfig() ProfilerConfig {
	switch s {
	case Agent:
		return ProfilerConfig{
			EnvVar: "PROFILE_AGENT",
			Port:   "6060",
		}
	case Gateway:
		return ProfilerConfig{
			EnvVar: "PROFILE_GATEWAY",
			Port:   "6061",
		}
	default:
		return ProfilerConfig{}
	}
}

// InitProfilerIfEnabled initializes the profiler for the given service, if profiling
// is enabled via the corresponding environment variable.
func (s Service) InitProfilerIfEnabled() {
	config := s.GetProfilerConfig()
	enabledStr := os.Getenv(config.EnvVar)
	enabled := enabledStr == "1" || enabledStr == "true"
	if !enabled {
		return
	}
	http.DefaultServeMux.Handle("/debug/fgprof", fgprof.Handler())
	go func() {
		server := &http.Server{
			Addr:         "localhost:" + config.Port,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		log.Println(server.ListenAndServe())
	}()
}
