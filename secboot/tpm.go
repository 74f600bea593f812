// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 themhat
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package secboot seals the disk encryption passphrase to the TPM and
// manages the LUKS containers of an encrypted installation.
package secboot

import (
	"fmt"
	"io"
	"os"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/themhat/meta-balena/logger"
)

// PersistentKeyHandle is where the sealing key is persisted in the TPM
// owner hierarchy.
const PersistentKeyHandle = tpmutil.Handle(0x81000101)

var tpmDevicePaths = []string{"/dev/tpmrm0", "/dev/tpm0"}

var openTPM = func(path string) (io.ReadWriteCloser, error) {
	return tpm2.OpenTPM(path)
}

// TPMOperationError means a step of the sealing protocol failed. It is
// always fatal, provisioning cannot continue without the TPM.
type TPMOperationError struct {
	Op  string
	Err error
}

func (e *TPMOperationError) Error() string {
	return fmt.Sprintf("cannot %s: %v", e.Op, e.Err)
}

func (e *TPMOperationError) Unwrap() error {
	return e.Err
}

// Sealer is the capability set of the key sealing device.
type Sealer interface {
	// GenerateRandom produces n hardware random bytes.
	GenerateRandom(n int) ([]byte, error)
	// ProvisionSealingKey creates the primary key, derives the
	// sealing key pair under it, loads it and persists it at a
	// stable handle.
	ProvisionSealingKey() error
	// Seal encrypts the plaintext under the persisted sealing key.
	Seal(plaintext []byte) ([]byte, error)
	// Unseal decrypts a previously sealed blob.
	Unseal(ciphertext []byte) ([]byte, error)
	// Handle returns the persistent handle of the sealing key.
	Handle() uint32
	Close() error
}

// srkTemplate is the storage root key template, RSA-2048 restricted
// decrypt with AES-128-CFB protection for child keys.
var srkTemplate = tpm2.Public{
	Type:       tpm2.AlgRSA,
	NameAlg:    tpm2.AlgSHA256,
	Attributes: tpm2.FlagFixedTPM | tpm2.FlagFixedParent | tpm2.FlagSensitiveDataOrigin | tpm2.FlagUserWithAuth | tpm2.FlagRestricted | tpm2.FlagDecrypt,
	RSAParameters: &tpm2.RSAParams{
		Symmetric: &tpm2.SymScheme{
			Alg:     tpm2.AlgAES,
			KeyBits: 128,
			Mode:    tpm2.AlgCFB,
		},
		KeyBits:    2048,
		ModulusRaw: make([]byte, 256),
	},
}

// sealKeyTemplate is the template of the key the passphrase is sealed
// under, an ordinary RSA-2048 decryption key.
var sealKeyTemplate = tpm2.Public{
	Type:       tpm2.AlgRSA,
	NameAlg:    tpm2.AlgSHA256,
	Attributes: tpm2.FlagFixedTPM | tpm2.FlagFixedParent | tpm2.FlagSensitiveDataOrigin | tpm2.FlagUserWithAuth | tpm2.FlagDecrypt,
	RSAParameters: &tpm2.RSAParams{
		KeyBits:    2048,
		ModulusRaw: make([]byte, 256),
	},
}

var oaepScheme = &tpm2.AsymScheme{
	Alg:  tpm2.AlgOAEP,
	Hash: tpm2.AlgSHA256,
}

// TPM is a connection to a TPM 2.0 device implementing Sealer.
type TPM struct {
	rwc io.ReadWriteCloser

	srk tpmutil.Handle
}

// ConnectTPM opens the TPM character device. With an empty path the
// kernel resource manager is tried first, then the raw device.
func ConnectTPM(path string) (*TPM, error) {
	paths := tpmDevicePaths
	if path != "" {
		paths = []string{path}
	}
	var firstErr error
	for _, p := range paths {
		rwc, err := openTPM(p)
		if err == nil {
			logger.Debugf("TPM device %s opened", p)
			return &TPM{rwc: rwc}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, &TPMOperationError{Op: "open TPM device", Err: firstErr}
}

// GenerateRandom produces n random bytes from the TPM RNG.
func (t *TPM) GenerateRandom(n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	for len(buf) < n {
		chunk, err := tpm2.GetRandom(t.rwc, uint16(n-len(buf)))
		if err != nil {
			return nil, &TPMOperationError{Op: "generate random bytes", Err: err}
		}
		if len(chunk) == 0 {
			return nil, &TPMOperationError{Op: "generate random bytes", Err: fmt.Errorf("TPM returned no entropy")}
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// ProvisionSealingKey runs the key creation protocol: primary key in
// the owner hierarchy, sealing key pair derived under it, loaded and
// persisted at PersistentKeyHandle. The key pair blobs only ever exist
// in memory.
func (t *TPM) ProvisionSealingKey() error {
	srk, _, err := tpm2.CreatePrimary(t.rwc, tpm2.HandleOwner, tpm2.PCRSelection{}, "", "", srkTemplate)
	if err != nil {
		return &TPMOperationError{Op: "create primary key", Err: err}
	}
	t.srk = srk

	privBlob, pubBlob, _, _, _, err := tpm2.CreateKey(t.rwc, srk, tpm2.PCRSelection{}, "", "", sealKeyTemplate)
	if err != nil {
		return &TPMOperationError{Op: "create sealing key pair", Err: err}
	}

	key, _, err := tpm2.Load(t.rwc, srk, "", pubBlob, privBlob)
	if err != nil {
		return &TPMOperationError{Op: "load sealing key pair", Err: err}
	}
	defer tpm2.FlushContext(t.rwc, key)

	// evict a stale key left over from a previous provisioning
	// attempt, on a fresh TPM there is nothing to evict
	tpm2.EvictControl(t.rwc, "", tpm2.HandleOwner, PersistentKeyHandle, PersistentKeyHandle)

	if err := tpm2.EvictControl(t.rwc, "", tpm2.HandleOwner, key, PersistentKeyHandle); err != nil {
		return &TPMOperationError{Op: "persist sealing key", Err: err}
	}
	logger.Debugf("sealing key persisted at %#x", uint32(PersistentKeyHandle))
	return nil
}

// Seal encrypts the plaintext under the persisted sealing key with
// RSA-OAEP.
func (t *TPM) Seal(plaintext []byte) ([]byte, error) {
	sealed, err := tpm2.RSAEncrypt(t.rwc, PersistentKeyHandle, plaintext, oaepScheme, "")
	if err != nil {
		return nil, &TPMOperationError{Op: "seal passphrase", Err: err}
	}
	return sealed, nil
}

// Unseal decrypts a blob sealed under the persisted sealing key.
func (t *TPM) Unseal(ciphertext []byte) ([]byte, error) {
	plaintext, err := tpm2.RSADecrypt(t.rwc, PersistentKeyHandle, "", ciphertext, oaepScheme, "")
	if err != nil {
		return nil, &TPMOperationError{Op: "unseal passphrase", Err: err}
	}
	return plaintext, nil
}

// Handle returns the persistent handle value of the sealing key.
func (t *TPM) Handle() uint32 {
	return uint32(PersistentKeyHandle)
}

// Close flushes transient handles and closes the device.
func (t *TPM) Close() error {
	if t.srk != 0 {
		tpm2.FlushContext(t.rwc, t.srk)
		t.srk = 0
	}
	return t.rwc.Close()
}

var efiSecureBootVar = "/sys/firmware/efi/efivars/SecureBoot-8be4df61-93ca-11d2-aa0d-00e098032b8c"

// SecureBootEnabled reports whether the firmware booted with secure
// boot enforcement. Non-EFI systems report false.
func SecureBootEnabled() bool {
	data, err := os.ReadFile(efiSecureBootVar)
	if err != nil {
		return false
	}
	// 4 bytes of variable attributes followed by the value
	if len(data) < 5 {
		return false
	}
	return data[4] == 1
}
