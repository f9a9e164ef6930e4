package tpm

import (
	"fmt"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// HashAlg and SignAlg name the TPM algorithms an EK/AK pair is built with.
// Only the values the agent actually needs are enumerated; anything else
// is rejected with an error by the Operator method it is passed to, rather
// than threaded through as a raw tpm2.TPMAlgID.
type HashAlg string

const (
	SHA256 HashAlg = "sha256"
	SHA384 HashAlg = "sha384"
)

func (h HashAlg) tpmAlg() (tpm2.TPMAlgID, error) {
	switch h {
	case SHA256, "":
		return tpm2.TPMAlgSHA256, nil
	case SHA384:
		return tpm2.TPMAlgSHA384, nil
	default:
		return 0, fmt.Errorf("tpm: unsupported hash algorithm %q", h)
	}
}

type SignAlg string

const (
	RSASSA SignAlg = "rsassa"
	ECDSA  SignAlg = "ecdsa"
)

// KeyMaterial is everything the caller needs to remember about a key the
// TPM created: the public area, the handle it currently lives at (volatile
// unless persisted), and its name (used as qualifying/certifying data in
// several operations).
type KeyMaterial struct {
	Handle  tpm2.TPMHandle
	Public  tpm2.TPM2BPublic
	Name    tpm2.TPM2BName
	Private *tpm2.TPM2BPrivate // nil for primary keys, which have no private blob to export
}

// Operator serializes every command issued to a single TPM connection.
// The TPM command/response protocol is strictly synchronous and
// session-stateful, so only one command may be in flight at a time.
// Operator embeds the mutex callers must hold for the duration of a
// call chain (e.g. quote, or context-load-then-certify); it is never
// held across an HTTP dispatch or network I/O, only across the TPM
// commands themselves.
type Operator struct {
	sync.Mutex
	transport Transport
}

// NewOperator wraps an already-built Transport. The Transport itself is not
// opened until the first command is issued.
func NewOperator(t Transport) *Operator {
	return &Operator{transport: t}
}

func (o *Operator) tpm() (transport.TPMCloser, error) {
	tp, err := o.transport.Open()
	if err != nil {
		return nil, wrapErr("open", err)
	}
	return tp, nil
}

// Close releases the underlying TPM connection. Safe to call once at
// process shutdown; it is not meant to be called between commands.
func (o *Operator) Close() error {
	return o.transport.Close()
}

// CreateEK creates (or recreates, deterministically, from the endorsement
// seed) the Endorsement Key under the endorsement hierarchy. The EK is a
// primary key: it is never persisted by Create/Load, only by CreatePrimary
// against a fixed template, and TPMs reproduce the identical public area
// for the identical template every time.
func (o *Operator) CreateEK(hashAlg HashAlg) (*KeyMaterial, error) {
	alg, err := hashAlg.tpmAlg()
	if err != nil {
		return nil, wrapErr("create_ek", err)
	}

	tpm, err := o.tpm()
	if err != nil {
		return nil, err
	}

	template := tpm2.RSAEKTemplate
	template.NameAlg = alg

	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHEndorsement,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(template),
	}.Execute(tpm)
	if err != nil {
		return nil, wrapErr("create_ek", err)
	}

	return &KeyMaterial{
		Handle: rsp.ObjectHandle,
		Public: rsp.OutPublic,
		Name:   rsp.Name,
	}, nil
}

// CreateAK creates an Attestation Key as a non-primary restricted signing
// key under the given (already-loaded) EK handle, then loads it so the
// returned handle is immediately usable for Quote/Certify.
func (o *Operator) CreateAK(ekHandle tpm2.TPMHandle, hashAlg HashAlg, signAlg SignAlg) (*KeyMaterial, error) {
	alg, err := hashAlg.tpmAlg()
	if err != nil {
		return nil, wrapErr("create_ak", err)
	}

	tpm, err := o.tpm()
	if err != nil {
		return nil, err
	}

	public, err := akTemplate(alg, signAlg)
	if err != nil {
		return nil, wrapErr("create_ak", err)
	}

	createRsp, err := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: ekHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(public),
	}.Execute(tpm, ekEndorsementSession())
	if err != nil {
		return nil, wrapErr("create_ak", err)
	}

	loadRsp, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: ekHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPrivate: createRsp.OutPrivate,
		InPublic:  createRsp.OutPublic,
	}.Execute(tpm, ekEndorsementSession())
	if err != nil {
		return nil, wrapErr("create_ak", err)
	}

	return &KeyMaterial{
		Handle:  loadRsp.ObjectHandle,
		Public:  createRsp.OutPublic,
		Name:    loadRsp.Name,
		Private: &createRsp.OutPrivate,
	}, nil
}

// LoadAK loads a previously-created AK's private/public blobs back under
// its EK parent. Used on agent restart when the AK context file was lost
// but the wrapped blobs were retained, or when re-deriving under a fresh EK
// handle after a TPM reset.
func (o *Operator) LoadAK(ekHandle tpm2.TPMHandle, public tpm2.TPM2BPublic, private tpm2.TPM2BPrivate) (*KeyMaterial, error) {
	tpm, err := o.tpm()
	if err != nil {
		return nil, err
	}

	rsp, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: ekHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPrivate: private,
		InPublic:  public,
	}.Execute(tpm, ekEndorsementSession())
	if err != nil {
		return nil, wrapErr("load_ak", err)
	}

	return &KeyMaterial{
		Handle:  rsp.ObjectHandle,
		Public:  public,
		Name:    rsp.Name,
		Private: &private,
	}, nil
}

// LoadPersistentHandle confirms a persistent handle is populated and
// returns its public area. Persistent handles need no Load command; they
// are resident in NV storage and addressable directly.
func (o *Operator) LoadPersistentHandle(handle tpm2.TPMHandle) (*KeyMaterial, error) {
	tpm, err := o.tpm()
	if err != nil {
		return nil, err
	}

	rsp, err := tpm2.ReadPublic{ObjectHandle: handle}.Execute(tpm)
	if err != nil {
		return nil, wrapErr("load_persistent_handle", err)
	}

	return &KeyMaterial{
		Handle: handle,
		Public: rsp.OutPublic,
		Name:   rsp.Name,
	}, nil
}

// ReadPublicFromHandle reads the public area of any currently-loaded
// (volatile or persistent) object handle.
func (o *Operator) ReadPublicFromHandle(handle tpm2.TPMHandle) (*KeyMaterial, error) {
	return o.LoadPersistentHandle(handle)
}

// Persist moves a volatile object handle to a persistent handle slot,
// evicting anything already occupying that slot first.
func (o *Operator) Persist(objectHandle tpm2.TPMHandle, name tpm2.TPM2BName, persistentHandle tpm2.TPMHandle) error {
	tpm, err := o.tpm()
	if err != nil {
		return err
	}

	// Best-effort evict of whatever may already live at persistentHandle.
	// A NotFound-class TPM error here is expected and ignored.
	_, _ = tpm2.EvictControl{
		Auth: tpm2.TPMRHOwner,
		ObjectHandle: &tpm2.NamedHandle{
			Handle: persistentHandle,
			Name:   tpm2.TPM2BName{Buffer: nil},
		},
		PersistentHandle: persistentHandle,
	}.Execute(tpm)

	_, err = tpm2.EvictControl{
		Auth: tpm2.TPMRHOwner,
		ObjectHandle: &tpm2.NamedHandle{
			Handle: objectHandle,
			Name:   name,
		},
		PersistentHandle: persistentHandle,
	}.Execute(tpm)
	if err != nil {
		return wrapErr("persist", err)
	}
	return nil
}

// FlushContext releases a volatile object or session handle. The agent
// calls this on every transient handle it is done with (EK primary keys in
// particular, once the AK has been derived and persisted) to stay within
// the TPM's small object-slot budget.
func (o *Operator) FlushContext(handle tpm2.TPMHandle) error {
	tpm, err := o.tpm()
	if err != nil {
		return err
	}
	_, err = tpm2.FlushContext{FlushHandle: handle}.Execute(tpm)
	if err != nil {
		return wrapErr("flush_context", err)
	}
	return nil
}

func ekEndorsementSession() tpm2.Session {
	return tpm2.PasswordAuth(nil)
}

func akTemplate(nameAlg tpm2.TPMAlgID, signAlg SignAlg) (tpm2.TPMTPublic, error) {
	attrs := tpm2.TPMAObject{
		SignEncrypt:         true,
		Restricted:          true,
		FixedTPM:            true,
		FixedParent:         true,
		SensitiveDataOrigin: true,
		UserWithAuth:        true,
	}

	switch signAlg {
	case ECDSA:
		return tpm2.TPMTPublic{
			Type:             tpm2.TPMAlgECC,
			NameAlg:          nameAlg,
			ObjectAttributes: attrs,
			Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgECC, &tpm2.TPMSECCParms{
				Scheme: tpm2.TPMTECCScheme{
					Scheme: tpm2.TPMAlgECDSA,
					Details: tpm2.NewTPMUAsymScheme(tpm2.TPMAlgECDSA, &tpm2.TPMSSigSchemeECDSA{
						HashAlg: nameAlg,
					}),
				},
				CurveID: tpm2.TPMECCNistP256,
			}),
		}, nil
	case RSASSA, "":
		return tpm2.TPMTPublic{
			Type:             tpm2.TPMAlgRSA,
			NameAlg:          nameAlg,
			ObjectAttributes: attrs,
			Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgRSA, &tpm2.TPMSRSAParms{
				Scheme: tpm2.TPMTRSAScheme{
					Scheme: tpm2.TPMAlgRSASSA,
					Details: tpm2.NewTPMUAsymScheme(tpm2.TPMAlgRSASSA, &tpm2.TPMSSigSchemeRSASSA{
						HashAlg: nameAlg,
					}),
				},
				KeyBits: 2048,
			}),
		}, nil
	default:
		return tpm2.TPMTPublic{}, fmt.Errorf("tpm: unsupported signing algorithm %q", signAlg)
	}
}
