// Package config holds the YAML-loaded configuration for both binaries
// this module builds: the attestation agent and the edge gateway.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/keylime/attestation-agent/tpm"
)

// HashEKSentinel is the configured-UUID value that tells the agent to
// substitute the derived ek_hash as its UUID (§4.2 step 3).
const HashEKSentinel = "hash_ek"

// TPMConfig configures the tpm.Transport the agent opens at startup.
type TPMConfig struct {
	Kind                     string `yaml:"kind"` // "device", "simulator", "in_memory_simulator"
	Path                     string `yaml:"path"`
	SimulatorCommandAddress  string `yaml:"simulator_command_address"`
	SimulatorPlatformAddress string `yaml:"simulator_platform_address"`
	HashAlg                  string `yaml:"hash_alg"`
	SignAlg                  string `yaml:"sign_alg"`
	EKHandleHint             uint32 `yaml:"ek_handle_hint"`
	AKPersistentHandle       uint32 `yaml:"ak_persistent_handle"`
}

func (c TPMConfig) Kind2() (tpm.Kind, error) {
	switch c.Kind {
	case "", "device":
		return tpm.Device, nil
	case "simulator":
		return tpm.Simulator, nil
	case "in_memory_simulator":
		return tpm.InMemorySimulator, nil
	default:
		return 0, fmt.Errorf("config: unknown tpm.kind %q", c.Kind)
	}
}

// RegistrarConfig configures the registrar client (§4.3).
type RegistrarConfig struct {
	BaseURL          string   `yaml:"base_url"`
	AgentEnabled     []string `yaml:"agent_enabled_versions"`
	InitialBackoff   string   `yaml:"initial_backoff"`
	MaxBackoff       string   `yaml:"max_backoff"`
	MaxRetries       int      `yaml:"max_retries"`
	ContactIP        string   `yaml:"contact_ip"`
	ContactPort      int      `yaml:"contact_port"`
}

// QuoteConfig configures the quote service (§4.4).
type QuoteConfig struct {
	IMALogPath          string `yaml:"ima_log_path"`
	MeasuredBootLogPath string `yaml:"measured_boot_log_path"`
	MaxNonceBytes       int    `yaml:"max_nonce_bytes"`
	UnifiedIdentity     bool   `yaml:"unified_identity_enabled"`
	SelfTestOnStartup   bool   `yaml:"self_test_on_startup"`
}

// CertifyConfig configures the delegated certification service (§4.5).
type CertifyConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedPeerIPs []string `yaml:"allowed_peer_ips"`
	RateLimit      int      `yaml:"rate_limit_per_minute"`
	MaxNonceBytes  int      `yaml:"max_challenge_nonce_bytes"`
}

// GeolocationConfig configures the geolocation service (§4.6).
type GeolocationConfig struct {
	Enabled          bool     `yaml:"enabled"`
	GNSSDevicePaths  []string `yaml:"gnss_device_paths"`
	InfoScriptPath   string   `yaml:"info_script_path"`
	USBEnumCommand   []string `yaml:"usb_enum_command"`
	PCRIndex         int      `yaml:"pcr_index"`
	DefaultClaimJSON string   `yaml:"default_claim_json"`
}

// AgentConfig is the top-level configuration for cmd/keylime-agent.
type AgentConfig struct {
	UUID            string            `yaml:"uuid"`
	WorkDir         string            `yaml:"work_dir"`
	ListenAddr      string            `yaml:"listen_addr"`
	TPM             TPMConfig         `yaml:"tpm"`
	Registrar       RegistrarConfig   `yaml:"registrar"`
	Quote           QuoteConfig       `yaml:"quote"`
	Certify         CertifyConfig     `yaml:"certify"`
	Geolocation     GeolocationConfig `yaml:"geolocation"`
	EnableIAKIDevID bool              `yaml:"enable_iak_idevid"`
	ProfileEnabled  bool              `yaml:"profile_enabled"`
}

// DefaultAgentConfig returns the configuration defaults, mirroring the
// way the teacher's DefaultConfig() establishes baseline values before
// yaml.Unmarshal overlays the file.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		UUID:       HashEKSentinel,
		WorkDir:    "/var/lib/keylime-agent",
		ListenAddr: "0.0.0.0:9002",
		TPM: TPMConfig{
			Kind:    "device",
			HashAlg: "sha256",
			SignAlg: "rsassa",
		},
		Registrar: RegistrarConfig{
			BaseURL:        "https://127.0.0.1:8890",
			AgentEnabled:   []string{"2.1", "2.2", "2.3"},
			InitialBackoff: "1s",
			MaxBackoff:     "60s",
			MaxRetries:     5,
			ContactPort:    9002,
		},
		Quote: QuoteConfig{
			IMALogPath:          "/sys/kernel/security/ima/ascii_runtime_measurements",
			MeasuredBootLogPath: "/sys/kernel/security/tpm0/binary_bios_measurements",
			MaxNonceBytes:       32,
		},
		Certify: CertifyConfig{
			Enabled:       false,
			RateLimit:     60,
			MaxNonceBytes: 256,
		},
		Geolocation: GeolocationConfig{
			Enabled:        false,
			PCRIndex:       15,
			USBEnumCommand: []string{"lsusb"},
			GNSSDevicePaths: []string{
				"/dev/ttyACM0",
				"/dev/ttyUSB0",
				"/dev/gnss0",
			},
		},
	}
}

// LoadAgentConfig reads and unmarshals the YAML at path over the default
// configuration. An empty path returns the defaults unchanged.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// GatewayConfig is the top-level configuration for cmd/keylime-gateway.
type GatewayConfig struct {
	ListenAddr       string   `yaml:"listen_addr"`
	UpstreamURL      string   `yaml:"upstream_url"`
	VerificationMode string   `yaml:"verification_mode"` // trust | runtime | strict
	SidecarEndpoint  string   `yaml:"sidecar_endpoint"`
	SidecarTimeout   string   `yaml:"sidecar_timeout"`
	IdentityOIDs     []string `yaml:"identity_oids"`
	VerificationTTL  string   `yaml:"verification_cache_ttl"`
	MetricsAddr      string   `yaml:"metrics_addr"`
	ProfileEnabled   bool     `yaml:"profile_enabled"`
}

// DefaultGatewayConfig returns the gateway's configuration defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ListenAddr:       "0.0.0.0:9443",
		UpstreamURL:      "http://127.0.0.1:9002",
		VerificationMode: "runtime",
		SidecarTimeout:   "5s",
		IdentityOIDs: []string{
			"1.3.6.1.4.1.99999.1.1",
			"1.3.6.1.4.1.99999.1.2",
		},
		VerificationTTL: "15s",
		MetricsAddr:     "127.0.0.1:9464",
	}
}

// LoadGatewayConfig reads and unmarshals the YAML at path over the
// default configuration.
func LoadGatewayConfig(path string) (GatewayConfig, error) {
	cfg := DefaultGatewayConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
