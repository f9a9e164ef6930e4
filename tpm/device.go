// Package tpm wraps the TPM 2.0 commands the agent needs behind a small
// contract: EK/AK lifecycle, quoting, Certify-based delegated certification,
// PCR extension, and context persistence. Everything else in the agent talks
// to a TPM only through this package.
package tpm

import (
	"fmt"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/simulator"
	"github.com/google/go-tpm/tpmutil"
	"github.com/google/go-tpm/tpmutil/mssim"
)

// Kind selects which TPM device backs an Operator.
type Kind int

const (
	// Device talks to a real TPM through the kernel resource manager.
	Device Kind = iota
	// Simulator talks to an out-of-process TPM simulator over the MSSIM
	// wire protocol (Microsoft TPM simulator command/platform sockets).
	Simulator
	// InMemorySimulator runs an in-process software TPM. Used by tests and
	// local development; never talks to a socket or device node.
	InMemorySimulator
)

func (k Kind) String() string {
	switch k {
	case Device:
		return "Device"
	case Simulator:
		return "Simulator"
	case InMemorySimulator:
		return "InMemorySimulator"
	default:
		return "Unknown"
	}
}

// Transport opens and closes the underlying TPM connection. Implementations
// must be safe to call Open() repeatedly; the second call returns the
// already-open handle.
type Transport interface {
	Open() (transport.TPMCloser, error)
	Close() error
}

// Config selects and configures the TPM transport.
type Config struct {
	Kind Kind `yaml:"kind"`
	// Path is the device node for Kind == Device. Defaults to /dev/tpmrm0.
	Path string `yaml:"path"`
	// SimulatorCommandAddress and SimulatorPlatformAddress override the
	// default MSSIM simulator addresses for Kind == Simulator.
	SimulatorCommandAddress  string `yaml:"simulator_command_address"`
	SimulatorPlatformAddress string `yaml:"simulator_platform_address"`
}

// NewTransport builds the Transport named by cfg.Kind.
func NewTransport(cfg Config) (Transport, error) {
	switch cfg.Kind {
	case Device:
		path := cfg.Path
		if path == "" {
			path = "/dev/tpmrm0"
		}
		return &realTransport{path: path}, nil
	case Simulator:
		return &mssimTransport{
			commandAddress:  cfg.SimulatorCommandAddress,
			platformAddress: cfg.SimulatorPlatformAddress,
		}, nil
	case InMemorySimulator:
		return &inMemoryTransport{}, nil
	default:
		return nil, fmt.Errorf("tpm: unknown transport kind %v", cfg.Kind)
	}
}

type realTransport struct {
	path   string
	handle *transport.TPMCloser
}

func (t *realTransport) Open() (transport.TPMCloser, error) {
	if t.handle != nil {
		return *t.handle, nil
	}
	rwc, err := tpmutil.OpenTPM(t.path)
	if err != nil {
		return nil, fmt.Errorf("tpm: open %s: %w", t.path, err)
	}
	tp := transport.FromReadWriteCloser(rwc)
	t.handle = &tp
	return tp, nil
}

func (t *realTransport) Close() error {
	if t.handle == nil {
		return nil
	}
	return (*t.handle).Close()
}

type mssimTransport struct {
	commandAddress  string
	platformAddress string
	handle          *transport.TPMCloser
}

func (t *mssimTransport) Open() (transport.TPMCloser, error) {
	if t.handle != nil {
		return *t.handle, nil
	}
	dev, err := mssim.Open(mssim.Config{
		CommandAddress:  t.commandAddress,
		PlatformAddress: t.platformAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("tpm: open simulator: %w", err)
	}
	tp := transport.FromReadWriteCloser(dev)
	t.handle = &tp
	return tp, nil
}

func (t *mssimTransport) Close() error {
	if t.handle == nil {
		return nil
	}
	return (*t.handle).Close()
}

type inMemoryTransport struct {
	handle *transport.TPMCloser
}

func (t *inMemoryTransport) Open() (transport.TPMCloser, error) {
	if t.handle != nil {
		return *t.handle, nil
	}
	tp, err := simulator.OpenSimulator()
	if err != nil {
		return nil, fmt.Errorf("tpm: open in-memory simulator: %w", err)
	}
	t.handle = &tp
	return tp, nil
}

func (t *inMemoryTransport) Close() error {
	if t.handle == nil {
		return nil
	}
	return (*t.handle).Close()
}
