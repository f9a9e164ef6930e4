// Command keylime-agent is the hardware-rooted attestation agent: it
// establishes a TPM-backed identity, registers with a registrar, and then
// serves the quote, delegated-certification, and geolocation endpoints
// until a termination signal arrives (§4.2).
package main

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/go-tpm/tpm2"

	"github.com/keylime/attestation-agent/agentstate"
	"github.com/keylime/attestation-agent/certservice"
	"github.com/keylime/attestation-agent/config"
	"github.com/keylime/attestation-agent/geoservice"
	"github.com/keylime/attestation-agent/httpapi"
	"github.com/keylime/attestation-agent/logging"
	"github.com/keylime/attestation-agent/profiling"
	"github.com/keylime/attestation-agent/quoteservice"
	"github.com/keylime/attestation-agent/registrar"
	"github.com/keylime/attestation-agent/tpm"
)

const serviceName = "keylime-agent"

func main() {
	os.Exit(run())
}

func run() int {
	profiling.Agent.InitProfilerIfEnabled()
	logging.Setup(serviceName)
	logger := slog.Default()

	configFile := ""
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}
	cfg, err := config.LoadAgentConfig(configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		logger.Error("failed to create work dir", "error", err, "work_dir", cfg.WorkDir)
		return 1
	}

	tpmKind, err := cfg.TPM.Kind2()
	if err != nil {
		logger.Error("invalid tpm config", "error", err)
		return 1
	}
	transport, err := tpm.NewTransport(tpm.Config{
		Kind:                     tpmKind,
		Path:                     cfg.TPM.Path,
		SimulatorCommandAddress:  cfg.TPM.SimulatorCommandAddress,
		SimulatorPlatformAddress: cfg.TPM.SimulatorPlatformAddress,
	})
	if err != nil {
		logger.Error("failed to build tpm transport", "error", err)
		return 1
	}
	op := tpm.NewOperator(transport)
	defer op.Close()

	hashAlg := tpm.HashAlg(cfg.TPM.HashAlg)
	signAlg := tpm.SignAlg(cfg.TPM.SignAlg)

	identity, err := agentstate.EstablishIdentity(op, cfg.WorkDir, hashAlg, signAlg, cfg.TPM.AKPersistentHandle, logger)
	if err != nil {
		logger.Error("failed to establish TPM identity", "error", err)
		return 1
	}
	defer func() {
		op.Lock()
		_ = op.FlushContext(identity.EK.Handle)
		op.Unlock()
	}()

	uuid := cfg.UUID
	if uuid == config.HashEKSentinel {
		uuid = identity.EKHash
	}

	payloadKey, err := agentstate.LoadOrGenerateKeyPair(cfg.WorkDir + "/payload_key.pem")
	if err != nil {
		logger.Error("failed to load/generate payload key", "error", err)
		return 1
	}
	mtlsKey, err := agentstate.LoadOrGenerateKeyPair(cfg.WorkDir + "/mtls_key.pem")
	if err != nil {
		logger.Error("failed to load/generate mTLS key", "error", err)
		return 1
	}

	mtlsCert, err := agentstate.BuildMTLSLeafCert(mtlsKey, cfg.Registrar.ContactIP)
	if err != nil {
		logger.Error("failed to build mTLS leaf certificate", "error", err)
		return 1
	}

	akPublicDER, err := tpm2Marshal(identity.AK)
	if err != nil {
		logger.Error("failed to marshal AK public area", "error", err)
		return 1
	}
	ekPublicDER, err := tpm2Marshal(identity.EK)
	if err != nil {
		logger.Error("failed to marshal EK public area", "error", err)
		return 1
	}

	payload := registrar.RegisterPayload{
		AIKTpm:   base64.StdEncoding.EncodeToString(akPublicDER),
		EKTpm:    base64.StdEncoding.EncodeToString(ekPublicDER),
		IP:       cfg.Registrar.ContactIP,
		MTLSCert: base64.StdEncoding.EncodeToString(mtlsCert),
		Port:     cfg.Registrar.ContactPort,
	}

	if cfg.EnableIAKIDevID {
		attest, sig, err := buildIAKIDevIDBundle(op, identity, uuid, hashAlg, signAlg, logger)
		if err != nil {
			logger.Warn("failed to build IAK/IDevID bundle, continuing without it", "error", err)
		} else {
			payload.IAKAttest = base64.StdEncoding.EncodeToString(attest)
			payload.IAKSign = base64.StdEncoding.EncodeToString(sig)
		}
	}

	initial, _ := time.ParseDuration(cfg.Registrar.InitialBackoff)
	maxBackoff, _ := time.ParseDuration(cfg.Registrar.MaxBackoff)
	if initial <= 0 {
		initial = time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}

	regClient := registrar.NewClient(cfg.Registrar.BaseURL, nil, registrar.RetryPolicy{
		Initial:    initial,
		Max:        maxBackoff,
		MaxRetries: uint64(cfg.Registrar.MaxRetries),
	}, logger)
	regClient.ProbeVersion(ctx)

	blob, err := regClient.Register(ctx, uuid, cfg.Registrar.AgentEnabled, payload)
	if err != nil {
		logger.Error("registration failed", "error", err)
		return 1
	}

	authTag, err := solveActivationChallenge(op, identity, uuid, blob)
	if err != nil {
		logger.Error("failed to solve registrar activation challenge", "error", err)
		return 1
	}

	if err := regClient.Activate(ctx, uuid, cfg.Registrar.AgentEnabled, authTag); err != nil {
		logger.Error("activation failed", "error", err)
		return 1
	}
	logger.Info("registered and activated with registrar", "uuid", uuid)

	var detectSensor func() (quoteservice.SensorSummary, bool)
	var geoSvc *geoservice.Service
	if cfg.Geolocation.Enabled || cfg.Quote.UnifiedIdentity {
		detector := geoservice.NewDetector(cfg.Geolocation.USBEnumCommand, cfg.Geolocation.GNSSDevicePaths, cfg.Geolocation.InfoScriptPath)
		geoSvc = &geoservice.Service{
			Operator: op,
			HashAlg:  hashAlg,
			PCRIndex: cfg.Geolocation.PCRIndex,
			Enabled:  cfg.Geolocation.Enabled,
			Detector: detector,
			Logger:   logger,
		}
		detectSensor = func() (quoteservice.SensorSummary, bool) {
			d, ok := detector.Summarize()
			if !ok {
				return quoteservice.SensorSummary{}, false
			}
			return quoteservice.SensorSummary{
				SensorType: string(d.SensorType),
				SensorID:   d.SensorID,
				IMEI:       d.IMEI,
				IMSI:       d.IMSI,
			}, true
		}
	}

	quoteSvc := &quoteservice.Service{
		Operator:        op,
		AKHandle:        identity.AK.Handle,
		HashAlg:         hashAlg,
		SignAlg:         signAlg,
		PayloadKey:      payloadKey,
		MaxNonceBytes:   cfg.Quote.MaxNonceBytes,
		IMALog:          quoteservice.NewIMALog(cfg.Quote.IMALogPath),
		MeasuredBoot:    quoteservice.NewMeasuredBootLog(cfg.Quote.MeasuredBootLogPath),
		UnifiedIdentity: cfg.Quote.UnifiedIdentity,
		DetectSensor:    detectSensor,
		Logger:          logger,
	}

	certSvc := certservice.NewService(op, identity.AK.Handle, hashAlg, signAlg, cfg.Certify.Enabled, cfg.Certify.AllowedPeerIPs, cfg.Certify.RateLimit, logger)

	if cfg.Quote.SelfTestOnStartup {
		if err := runSelfTestQuote(op, identity.AK.Handle, hashAlg, signAlg); err != nil {
			logger.Error("startup self-test quote failed", "error", err)
			return 1
		}
		logger.Info("startup self-test quote succeeded")
	}

	routes := httpapi.AgentRoutes{
		Logger:            logger,
		SupportedVersions: cfg.Registrar.AgentEnabled,
		Version:           httpapi.Version{CurrentVersion: currentVersion(cfg.Registrar.AgentEnabled), SupportedVersions: cfg.Registrar.AgentEnabled},
		Quotes:            quoteSvc,
		Certify:           certSvc,
		RequestsPerMinute: 600,
	}
	// geoSvc is a typed nil when the feature is off; assigning it to the
	// Geolocation interface field unconditionally would make that
	// interface value non-nil, so the nil check is done here instead.
	if geoSvc != nil {
		routes.Geolocation = geoSvc
	}
	router := httpapi.NewAgentRouter(routes)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("serving agent API", "addr", cfg.ListenAddr)
		serveErr <- server.ListenAndServe()
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify READY failed (not running under systemd?)", "error", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited unexpectedly", "error", err)
			return 1
		}
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Debug("sd_notify STOPPING failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	return 0
}

func currentVersion(enabled []string) string {
	if len(enabled) == 0 {
		return ""
	}
	return enabled[len(enabled)-1]
}

// tpm2Marshal renders a key's TPM2B_PUBLIC area to its canonical wire
// bytes, the form the registrar's aik_tpm/ek_tpm fields carry.
func tpm2Marshal(km *tpm.KeyMaterial) ([]byte, error) {
	return tpm2.Marshal(km.Public)
}

// solveActivationChallenge implements the agent half of §4.3 Activate:
// TPM credential-activation of the registrar's blob, then HMAC-SHA384 of
// the UUID under the recovered key.
func solveActivationChallenge(op *tpm.Operator, identity *agentstate.IdentityResult, uuid string, blob []byte) ([]byte, error) {
	credentialBlob, encryptedSecret, err := registrar.ParseActivationBlob(blob)
	if err != nil {
		return nil, err
	}

	op.Lock()
	key, err := op.ActivateCredential(identity.AK.Handle, identity.EK.Handle, credentialBlob, encryptedSecret)
	op.Unlock()
	if err != nil {
		return nil, fmt.Errorf("activate_credential: %w", err)
	}

	mac := hmac.New(sha512.New384, key)
	mac.Write([]byte(uuid))
	return mac.Sum(nil), nil
}

// runSelfTestQuote implements the optional §4.2 step 9: take one identity
// quote against the just-established AK before serving any requests, so a
// broken TPM path fails startup instead of the first verifier request.
func runSelfTestQuote(op *tpm.Operator, akHandle tpm2.TPMHandle, hashAlg tpm.HashAlg, signAlg tpm.SignAlg) error {
	op.Lock()
	defer op.Unlock()

	nonce := make([]byte, 20)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("self-test quote: generate nonce: %w", err)
	}
	if _, err := op.Quote(akHandle, hashAlg, signAlg, 0, nonce); err != nil {
		return fmt.Errorf("self-test quote: %w", err)
	}
	return nil
}

// buildIAKIDevIDBundle implements the optional §4.2 step 5: an IAK
// certifies the AK, with qualifying data equal to the agent UUID bytes.
// This agent does not carry a distinct IDevID hierarchy; the IAK
// certification alone satisfies the registrar's iak_attest/iak_sign
// fields when the feature is enabled.
func buildIAKIDevIDBundle(op *tpm.Operator, identity *agentstate.IdentityResult, uuid string, hashAlg tpm.HashAlg, signAlg tpm.SignAlg, logger *slog.Logger) (attest, signature []byte, err error) {
	op.Lock()
	defer op.Unlock()

	iak, err := op.CreateAK(identity.EK.Handle, hashAlg, signAlg)
	if err != nil {
		return nil, nil, fmt.Errorf("create iak: %w", err)
	}
	defer func() {
		if ferr := op.FlushContext(iak.Handle); ferr != nil {
			logger.Debug("failed to flush IAK handle", "error", ferr)
		}
	}()

	result, err := op.CertifyCredential(identity.AK.Handle, iak.Handle, hashAlg, signAlg, []byte(uuid))
	if err != nil {
		return nil, nil, fmt.Errorf("certify ak with iak: %w", err)
	}
	return result.Attest, result.Signature, nil
}
