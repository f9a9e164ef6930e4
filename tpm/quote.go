package tpm

import (
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// MaxPCR is the highest PCR index the agent will select into a quote or
// extend. PCRs above this are never touched by this package.
const MaxPCR = 23

// CheckMask reports whether pcr is selected in mask, a little-endian
// bitmask over PCR indices (bit i set -> PCR i selected). Mirrors the
// wire format of TPM_ALG_SHA256 PCR select bytes taken as a single
// unsigned integer, which is how the quote request's mask argument
// arrives off the wire.
func CheckMask(mask uint32, pcr int) bool {
	if pcr < 0 || pcr > 31 {
		return false
	}
	return mask&(1<<uint(pcr)) != 0
}

// pcrSelection builds a TPML_PCR_SELECTION covering the PCR indices set in
// mask, under the given hash bank.
func pcrSelection(alg tpm2.TPMAlgID, mask uint32) tpm2.TPMLPCRSelection {
	var pcrs []int
	for i := 0; i <= MaxPCR; i++ {
		if CheckMask(mask, i) {
			pcrs = append(pcrs, i)
		}
	}
	sel := tpm2.PCClientCompatible.PCRs(pcrs...)
	for i := range sel {
		sel[i].Hash = alg
	}
	return tpm2.TPMLPCRSelection{PCRSelections: sel}
}

// QuoteResult is a signed PCR attestation: the marshaled TPMS_ATTEST
// (Quoted) plus its TPMT_SIGNATURE. PCRSelect carries the marshaled
// TPML_PCR_SELECTION the quote was taken over; it is only populated by
// Quote (Certify has no PCR selection of its own).
type QuoteResult struct {
	Attest    []byte
	Signature []byte
	PCRSelect []byte
}

// Quote produces a signed TPM2_Quote over the PCR set named by mask, with
// qualifyingData bound into the attestation as external data (the nonce,
// which the quote service follows with the payload public key's digest).
// signAlg must match the algorithm the
// AK at akHandle was created with.
func (o *Operator) Quote(akHandle tpm2.TPMHandle, hashAlg HashAlg, signAlg SignAlg, mask uint32, qualifyingData []byte) (*QuoteResult, error) {
	alg, err := hashAlg.tpmAlg()
	if err != nil {
		return nil, wrapErr("quote", err)
	}
	scheme := schemeForSignAlg(signAlg)
	sel := pcrSelection(alg, mask)

	tpm, err := o.tpm()
	if err != nil {
		return nil, err
	}

	rsp, err := tpm2.Quote{
		SignHandle: tpm2.AuthHandle{
			Handle: akHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		QualifyingData: tpm2.TPM2BData{Buffer: qualifyingData},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: scheme,
			Details: tpm2.NewTPMUSigScheme(scheme, &tpm2.TPMSSchemeHash{
				HashAlg: alg,
			}),
		},
		PCRSelect: sel,
	}.Execute(tpm)
	if err != nil {
		return nil, wrapErr("quote", err)
	}

	attest, err := tpm2.Marshal(rsp.Quoted)
	if err != nil {
		return nil, wrapErr("quote", err)
	}
	sig, err := tpm2.Marshal(rsp.Signature)
	if err != nil {
		return nil, wrapErr("quote", err)
	}
	pcrBlob, err := tpm2.Marshal(sel)
	if err != nil {
		return nil, wrapErr("quote", err)
	}

	return &QuoteResult{Attest: attest, Signature: sig, PCRSelect: pcrBlob}, nil
}

// CertifyCredential produces a TPM2_Certify statement that subjectHandle
// resides in the same TPM hierarchy as signingHandle, with qualifyingData
// bound in as external data. This is the delegated certification
// primitive: it proves an application key was generated by this TPM
// without exposing the application key's private material.
func (o *Operator) CertifyCredential(subjectHandle, signingHandle tpm2.TPMHandle, hashAlg HashAlg, signAlg SignAlg, qualifyingData []byte) (*QuoteResult, error) {
	alg, err := hashAlg.tpmAlg()
	if err != nil {
		return nil, wrapErr("certify_credential", err)
	}
	scheme := schemeForSignAlg(signAlg)

	tpm, err := o.tpm()
	if err != nil {
		return nil, err
	}

	rsp, err := tpm2.Certify{
		ObjectHandle: tpm2.AuthHandle{
			Handle: subjectHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		SignHandle: tpm2.AuthHandle{
			Handle: signingHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		QualifyingData: tpm2.TPM2BData{Buffer: qualifyingData},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: scheme,
			Details: tpm2.NewTPMUSigScheme(scheme, &tpm2.TPMSSchemeHash{
				HashAlg: alg,
			}),
		},
	}.Execute(tpm)
	if err != nil {
		return nil, wrapErr("certify_credential", err)
	}

	attest, err := tpm2.Marshal(rsp.CertifyInfo)
	if err != nil {
		return nil, wrapErr("certify_credential", err)
	}
	sig, err := tpm2.Marshal(rsp.Signature)
	if err != nil {
		return nil, wrapErr("certify_credential", err)
	}

	return &QuoteResult{Attest: attest, Signature: sig}, nil
}

// ActivateCredential solves the registrar's identity challenge: it proves
// possession of both the AK and the EK's private area by unwrapping a
// credential blob that only a TPM holding both could recover. Required by
// the registrar handshake even though it is not exercised directly by the
// quote/certify/geolocation HTTP surface.
func (o *Operator) ActivateCredential(akHandle, ekHandle tpm2.TPMHandle, credentialBlob, encryptedSecret []byte) ([]byte, error) {
	tpm, err := o.tpm()
	if err != nil {
		return nil, err
	}

	session, cleanup, err := tpm2.PolicySession(tpm, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, wrapErr("activate_credential", err)
	}
	defer cleanup()

	_, err = tpm2.PolicySecret{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHEndorsement,
			Auth:   tpm2.PasswordAuth(nil),
		},
		PolicySession: session.Handle(),
		NonceTPM:      session.NonceTPM(),
	}.Execute(tpm)
	if err != nil {
		return nil, wrapErr("activate_credential", err)
	}

	rsp, err := tpm2.ActivateCredential{
		ActivateHandle: tpm2.AuthHandle{
			Handle: akHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		KeyHandle: tpm2.AuthHandle{
			Handle: ekHandle,
			Auth:   session,
		},
		CredentialBlob:  tpm2.TPM2BIDObject{Buffer: credentialBlob},
		Secret:          tpm2.TPM2BEncryptedSecret{Buffer: encryptedSecret},
	}.Execute(tpm)
	if err != nil {
		return nil, wrapErr("activate_credential", err)
	}

	return rsp.CertInfo.Buffer, nil
}

// ExtendPCR extends pcr with digest under the given hash bank, leaving any
// prior value in place (PCRs only ever accumulate via extend, never
// overwrite).
func (o *Operator) ExtendPCR(pcr int, hashAlg HashAlg, digest []byte) error {
	return o.extendOrReset(pcr, hashAlg, digest, false)
}

// ResetAndExtendPCR resets pcr to its all-zero (or all-one, for PCRs
// defined that way) starting value and then extends it with digest in one
// logical operation. Only PCRs in the resettable range (23 and the
// locality-gated set) can be reset by an unprivileged caller; callers pass
// a PCR index their TPM's access policy actually allows.
func (o *Operator) ResetAndExtendPCR(pcr int, hashAlg HashAlg, digest []byte) error {
	return o.extendOrReset(pcr, hashAlg, digest, true)
}

func (o *Operator) extendOrReset(pcr int, hashAlg HashAlg, digest []byte, reset bool) error {
	alg, err := hashAlg.tpmAlg()
	if err != nil {
		return wrapErr("extend_pcr", err)
	}

	tpm, err := o.tpm()
	if err != nil {
		return err
	}

	handle := tpm2.AuthHandle{
		Handle: tpm2.TPMHandle(pcr),
		Auth:   tpm2.PasswordAuth(nil),
	}

	if reset {
		if _, err := (tpm2.PCRReset{PCRHandle: handle}).Execute(tpm); err != nil {
			return wrapErr("reset_and_extend_pcr", err)
		}
	}

	_, err = tpm2.PCRExtend{
		PCRHandle: handle,
		Digests: tpm2.TPMLDigestValues{
			Digests: []tpm2.TPMTHA{
				{
					HashAlg: alg,
					Digest:  tpm2.NewTPMUHA(alg, digest),
				},
			},
		},
	}.Execute(tpm)
	if err != nil {
		return wrapErr("extend_pcr", err)
	}
	return nil
}

// ReadPCR returns the current digest of a single PCR under the given hash
// bank.
func (o *Operator) ReadPCR(pcr int, hashAlg HashAlg) ([]byte, error) {
	alg, err := hashAlg.tpmAlg()
	if err != nil {
		return nil, wrapErr("read_pcr", err)
	}

	tpm, err := o.tpm()
	if err != nil {
		return nil, err
	}

	sel := tpm2.PCClientCompatible.PCRs(pcr)
	for i := range sel {
		sel[i].Hash = alg
	}

	rsp, err := tpm2.PCRRead{
		PCRSelectionIn: tpm2.TPMLPCRSelection{PCRSelections: sel},
	}.Execute(tpm)
	if err != nil {
		return nil, wrapErr("read_pcr", err)
	}
	if len(rsp.PCRValues.Digests) == 0 {
		return nil, wrapErr("read_pcr", fmt.Errorf("PCR %d not returned by bank %v", pcr, alg))
	}
	return rsp.PCRValues.Digests[0].Buffer, nil
}

func schemeForSignAlg(signAlg SignAlg) tpm2.TPMAlgID {
	if signAlg == ECDSA {
		return tpm2.TPMAlgECDSA
	}
	return tpm2.TPMAlgRSASSA
}
