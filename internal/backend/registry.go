package backend

import (
	"log"

	"github.com/mossy-p/talk-signaling/config"
)

// Mode selects how rooms are routed to signaling backends.
type Mode int

const (
	// ModeInternal: no external backend, everything goes through the
	// internal message bus.
	ModeInternal Mode = iota
	// ModeExternalRandom: any backend may serve any request.
	ModeExternalRandom
	// ModeExternalCluster: a room sticks to one backend for its lifetime.
	ModeExternalCluster
)

func (m Mode) String() string {
	switch m {
	case ModeExternalRandom:
		return "external-random"
	case ModeExternalCluster:
		return "external-cluster"
	default:
		return "internal"
	}
}

// Backend is one configured signaling server. Immutable after load.
type Backend struct {
	URL        string
	Secret     []byte
	SkipVerify bool
}

// Registry holds the configured signaling backends and routing mode.
// Read-only after construction.
type Registry struct {
	backends []Backend
	mode     Mode
}

// NewRegistry builds a Registry from configuration. An empty or fully
// malformed backend list forces internal mode regardless of the configured
// mode string.
func NewRegistry(cfg *config.Config) *Registry {
	var backends []Backend
	for _, b := range cfg.Backends {
		backends = append(backends, Backend{
			URL:        b.URL,
			Secret:     []byte(b.Secret),
			SkipVerify: b.SkipVerify,
		})
	}

	mode := ModeInternal
	switch cfg.Mode {
	case "external-random":
		mode = ModeExternalRandom
	case "external-cluster":
		mode = ModeExternalCluster
	case "internal", "":
	default:
		log.Printf("Unknown signaling mode %q, using internal", cfg.Mode)
	}

	if len(backends) == 0 && mode != ModeInternal {
		log.Printf("No usable signaling backends configured, falling back to internal mode")
		mode = ModeInternal
	}

	return &Registry{backends: backends, mode: mode}
}

// List returns the configured backends. The returned slice must not be
// modified.
func (r *Registry) List() []Backend {
	return r.backends
}

func (r *Registry) Mode() Mode {
	return r.mode
}

// IsInternal reports whether everything routes through the internal bus.
func (r *Registry) IsInternal() bool {
	return r.mode == ModeInternal || len(r.backends) == 0
}
