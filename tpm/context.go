package tpm

import (
	"fmt"
	"os"

	"github.com/google/go-tpm/tpm2"
)

// SaveContextToFile serializes a volatile object's TPM context blob to
// path, then flushes the handle. LoadKeyFromContextFile reverses it with a
// ContextLoad, which does not require the object's parent to be loaded.
func (o *Operator) SaveContextToFile(handle tpm2.TPMHandle, path string) error {
	tpm, err := o.tpm()
	if err != nil {
		return err
	}

	rsp, err := tpm2.ContextSave{SaveHandle: handle}.Execute(tpm)
	if err != nil {
		return wrapErr("save_context_to_file", err)
	}

	blob, err := tpm2.Marshal(rsp.Context)
	if err != nil {
		return wrapErr("save_context_to_file", err)
	}

	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return wrapErr("save_context_to_file", fmt.Errorf("write %s: %w", path, err))
	}

	if _, err := tpm2.FlushContext{FlushHandle: handle}.Execute(tpm); err != nil {
		return wrapErr("save_context_to_file", err)
	}
	return nil
}

// LoadKeyFromContextFile reloads a context blob written by
// SaveContextToFile, returning the volatile handle it is reassigned to.
// The TPM validates the context's integrity MAC before reloading it, so a
// corrupted or foreign context blob fails closed with a TPM error rather
// than loading garbage.
func (o *Operator) LoadKeyFromContextFile(path string) (tpm2.TPMHandle, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return 0, wrapErr("load_key_from_context_file", fmt.Errorf("read %s: %w", path, err))
	}

	ctx, err := tpm2.Unmarshal[tpm2.TPMSContext](blob)
	if err != nil {
		return 0, wrapErr("load_key_from_context_file", fmt.Errorf("decode %s: %w", path, err))
	}

	tpm, err := o.tpm()
	if err != nil {
		return 0, err
	}

	rsp, err := tpm2.ContextLoad{Context: *ctx}.Execute(tpm)
	if err != nil {
		return 0, wrapErr("load_key_from_context_file", err)
	}

	return rsp.LoadedHandle, nil
}
