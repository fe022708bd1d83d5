// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerateKeypair(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	if !strings.HasPrefix(keypair.Identity, "AGE-SECRET-KEY-1") {
		t.Errorf("Identity = %q, want prefix AGE-SECRET-KEY-1", keypair.Identity)
	}
	if !strings.HasPrefix(keypair.Recipient, "age1") {
		t.Errorf("Recipient = %q, want prefix age1", keypair.Recipient)
	}
}

func TestEncryptDecrypt_MultipleRecipients(t *testing.T) {
	operator, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	escrow, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}

	recipients, err := ParseRecipients([]string{operator.Recipient, escrow.Recipient})
	if err != nil {
		t.Fatalf("ParseRecipients() error: %v", err)
	}

	plaintext := []byte("abort report: invariant violated in allocator")
	ciphertext, err := Encrypt(plaintext, recipients)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext contains the plaintext")
	}

	for name, identity := range map[string]string{"operator": operator.Identity, "escrow": escrow.Identity} {
		decrypted, err := Decrypt(ciphertext, identity)
		if err != nil {
			t.Fatalf("Decrypt(%s) error: %v", name, err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("Decrypt(%s) = %q, want %q", name, decrypted, plaintext)
		}
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	other, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	recipients, err := ParseRecipients([]string{keypair.Recipient})
	if err != nil {
		t.Fatalf("ParseRecipients() error: %v", err)
	}
	ciphertext, err := Encrypt([]byte("secret"), recipients)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if _, err := Decrypt(ciphertext, other.Identity); err == nil {
		t.Error("Decrypt() with wrong key should return error")
	}
}

func TestEncrypt_NoRecipients(t *testing.T) {
	_, err := Encrypt([]byte("data"), nil)
	if err == nil || !strings.Contains(err.Error(), "at least one recipient") {
		t.Errorf("Encrypt(no recipients) error = %v", err)
	}
}

func TestParseRecipients_Invalid(t *testing.T) {
	_, err := ParseRecipients([]string{"not-a-valid-key"})
	if err == nil || !strings.Contains(err.Error(), "parsing recipient key") {
		t.Errorf("ParseRecipients(invalid) error = %v", err)
	}
	recipients, err := ParseRecipients(nil)
	if err != nil || len(recipients) != 0 {
		t.Errorf("ParseRecipients(nil) = (%v, %v), want empty", recipients, err)
	}
}

func TestDecrypt_InvalidPrivateKey(t *testing.T) {
	_, err := Decrypt([]byte("whatever"), "not-a-valid-private-key")
	if err == nil || !strings.Contains(err.Error(), "parsing private key") {
		t.Errorf("Decrypt(invalid key) error = %v", err)
	}
}
