package registrar

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the exponential-backoff schedule used for /version and
// register/activate calls: delay_i = min(initial * 2^i, max), up to
// MaxRetries retries after the first attempt (§4.3 "Retry").
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries uint64
}

// Client is a version-negotiating HTTP client for one registrar base URL.
// State (the version cache) lives on the Client value, never in a
// package-level variable, so multiple registrars can be addressed
// independently from one process.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Retry   RetryPolicy
	Logger  *slog.Logger

	state VersionState
}

// NewClient builds a Client for baseURL. httpClient may be nil, in which
// case http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client, retry RetryPolicy, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{BaseURL: baseURL, HTTP: httpClient, Retry: retry, Logger: logger}
}

// versionResponse is the body of GET /version.
type versionResponse struct {
	Results struct {
		CurrentVersion    string   `json:"current_version"`
		SupportedVersions []string `json:"supported_versions"`
	} `json:"results"`
}

// ProbeVersion performs the initial GET /version negotiation. A registrar
// that never answers is not a fatal error: Current is left "" (UNKNOWN)
// and the version-selection algorithm falls back to its reverse-iteration
// path.
func (c *Client) ProbeVersion(ctx context.Context) {
	var vr versionResponse
	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/version", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("registrar: GET /version: status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&vr)
	})
	if err != nil {
		c.Logger.Warn("registrar version probe failed, treating current version as unknown", "error", err)
		c.state.Current = ""
		c.state.Supported = nil
		return
	}
	c.state.Current = vr.Results.CurrentVersion
	c.state.Supported = vr.Results.SupportedVersions
}

// RegisterPayload is the body of POST /v{version}/agents/{uuid}. Binary
// fields are base64-encoded by the caller before being set here.
type RegisterPayload struct {
	AIKTpm     string `json:"aik_tpm"`
	EKTpm      string `json:"ek_tpm"`
	EKCert     string `json:"ekcert,omitempty"`
	IAKAttest  string `json:"iak_attest,omitempty"`
	IAKCert    string `json:"iak_cert,omitempty"`
	IAKSign    string `json:"iak_sign,omitempty"`
	IAKTpm     string `json:"iak_tpm,omitempty"`
	IDevIDCert string `json:"idevid_cert,omitempty"`
	IDevIDTpm  string `json:"idevid_tpm,omitempty"`
	IP         string `json:"ip"`
	MTLSCert   string `json:"mtls_cert"`
	Port       int    `json:"port"`
}

type registerResponse struct {
	Results struct {
		Blob string `json:"blob"`
	} `json:"results"`
}

// Register runs the version-selection algorithm against POST
// /v{version}/agents/{uuid}, returning the decoded credential-activation
// blob from the first version that succeeds.
func (c *Client) Register(ctx context.Context, uuid string, agentEnabled []string, payload RegisterPayload) ([]byte, error) {
	var blob []byte
	err := selectVersion(&c.state, agentEnabled, func(version string) error {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("registrar: marshal register payload: %w", err)
		}

		var rr registerResponse
		attemptErr := c.withRetry(ctx, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v"+version+"/agents/"+uuid, bytes.NewReader(body))
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := c.HTTP.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotAcceptable {
				return backoff.Permanent(fmt.Errorf("%w: registrar rejected version %q", ErrVersionIncompatible, version))
			}
			if resp.StatusCode != http.StatusOK {
				data, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("registrar: register: status %d: %s", resp.StatusCode, string(data))
			}
			return json.NewDecoder(resp.Body).Decode(&rr)
		})
		if attemptErr != nil {
			return attemptErr
		}

		decoded, err := base64.StdEncoding.DecodeString(rr.Results.Blob)
		if err != nil {
			return fmt.Errorf("registrar: decode blob: %w", err)
		}
		blob = decoded
		return nil
	})
	return blob, err
}

// Activate runs the version-selection algorithm against PUT
// /v{version}/agents/{uuid} with the solved auth_tag.
func (c *Client) Activate(ctx context.Context, uuid string, agentEnabled []string, authTag []byte) error {
	return selectVersion(&c.state, agentEnabled, func(version string) error {
		body, err := json.Marshal(map[string]string{"auth_tag": base64.StdEncoding.EncodeToString(authTag)})
		if err != nil {
			return fmt.Errorf("registrar: marshal activate payload: %w", err)
		}

		return c.withRetry(ctx, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BaseURL+"/v"+version+"/agents/"+uuid, bytes.NewReader(body))
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := c.HTTP.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotAcceptable {
				return backoff.Permanent(fmt.Errorf("%w: registrar rejected version %q", ErrVersionIncompatible, version))
			}
			if resp.StatusCode != http.StatusOK {
				data, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("registrar: activate: status %d: %s", resp.StatusCode, string(data))
			}
			return nil
		})
	})
}

// withRetry runs op under the client's exponential-backoff policy.
// ErrVersionIncompatible is wrapped in backoff.Permanent by callers so it
// is never retried here; the version-selection loop is what decides what
// to do with it.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.Retry.Initial
	policy.MaxInterval = c.Retry.Max
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(policy, c.Retry.MaxRetries), ctx)
	return backoff.Retry(op, bo)
}
