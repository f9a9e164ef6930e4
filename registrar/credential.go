package registrar

import (
	"encoding/binary"
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// ParseActivationBlob splits the decoded Register() blob into the two
// TPM2B-framed fields TPM2_ActivateCredential expects: the credential
// blob (TPM2B_ID_OBJECT) and the encrypted secret (TPM2B_ENCRYPTED_SECRET).
// Both are serialized on the wire as a 2-byte big-endian size prefix
// followed by that many bytes, one after the other, matching tpm2-tools'
// convention for concatenating TPM2B structures into one buffer.
func ParseActivationBlob(blob []byte) (credentialBlob, encryptedSecret []byte, err error) {
	idObjectBytes, rest, err := splitTPM2BField(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("registrar: activation blob: credential blob: %w", err)
	}
	idObject, err := tpm2.Unmarshal[tpm2.TPM2BIDObject](idObjectBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("registrar: activation blob: decode credential blob: %w", err)
	}

	secretBytes, _, err := splitTPM2BField(rest)
	if err != nil {
		return nil, nil, fmt.Errorf("registrar: activation blob: encrypted secret: %w", err)
	}
	secret, err := tpm2.Unmarshal[tpm2.TPM2BEncryptedSecret](secretBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("registrar: activation blob: decode encrypted secret: %w", err)
	}

	return idObject.Buffer, secret.Buffer, nil
}

// splitTPM2BField reads one length-prefixed TPM2B structure off the front
// of data, returning its full wire bytes (prefix included) and whatever
// follows.
func splitTPM2BField(data []byte) (field, rest []byte, err error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("truncated TPM2B size prefix")
	}
	size := binary.BigEndian.Uint16(data[:2])
	end := 2 + int(size)
	if len(data) < end {
		return nil, nil, fmt.Errorf("truncated TPM2B field: want %d bytes, have %d", end, len(data))
	}
	return data[:end], data[end:], nil
}
