package uamcrypto

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestCanonicalizeSortsKeysAndDropsSignatureAndNull(t *testing.T) {
	data := map[string]any{
		"b":         float64(2),
		"a":         float64(1),
		"signature": "x",
		"dropped":   nil,
	}
	got := Canonicalize(data)
	want := `{"a":1,"b":2}`
	if string(got) != want {
		t.Fatalf("Canonicalize() = %s, want %s", got, want)
	}
}

func TestCanonicalizeOrderIndependent(t *testing.T) {
	a := map[string]any{"x": float64(1), "y": float64(2)}
	b := map[string]any{"y": float64(2), "x": float64(1)}
	if !bytes.Equal(Canonicalize(a), Canonicalize(b)) {
		t.Fatal("canonicalize output must not depend on map insertion order")
	}
}

func TestCanonicalizeEscapesNonASCII(t *testing.T) {
	got := Canonicalize(map[string]any{"name": "café"})
	want := "{\"name\":\"caf\\u00e9\"}"
	if string(got) != want {
		t.Fatalf("Canonicalize() = %s, want %s", got, want)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello uam")
	sig := Sign(kp.SigningKey, msg)
	if err := Verify(kp.VerifyKey, msg, sig); err != nil {
		t.Fatalf("Verify failed for valid signature: %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	kp, _ := GenerateKeypair()
	sig := Sign(kp.SigningKey, []byte("original"))
	if err := Verify(kp.VerifyKey, []byte("tampered"), sig); err == nil {
		t.Fatal("expected verification failure on tampered message")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	seed := make([]byte, SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	kp, err := DeriveKeypair(seed)
	if err != nil {
		t.Fatal(err)
	}
	fp1 := Fingerprint(kp.VerifyKey)
	fp2 := Fingerprint(kp.VerifyKey)
	if fp1 != fp2 {
		t.Fatal("fingerprint must be deterministic")
	}
	if len(fp1) != 64 {
		t.Fatalf("fingerprint must be 64 hex chars, got %d", len(fp1))
	}
}

func TestBoxEncryptDecryptRoundTrip(t *testing.T) {
	sender, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	recipient, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("a secret message between agents")
	ciphertext, err := EncryptBox(plaintext, sender.SigningKey, recipient.VerifyKey)
	if err != nil {
		t.Fatalf("EncryptBox failed: %v", err)
	}

	got, err := DecryptBox(ciphertext, recipient.SigningKey, sender.VerifyKey)
	if err != nil {
		t.Fatalf("DecryptBox failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("DecryptBox() = %q, want %q", got, plaintext)
	}
}

func TestBoxDecryptFailsForWrongSender(t *testing.T) {
	sender, _ := GenerateKeypair()
	impostor, _ := GenerateKeypair()
	recipient, _ := GenerateKeypair()

	ciphertext, err := EncryptBox([]byte("hi"), sender.SigningKey, recipient.VerifyKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptBox(ciphertext, recipient.SigningKey, impostor.VerifyKey); err == nil {
		t.Fatal("expected decryption failure under wrong sender verify key")
	}
}

func TestSealedBoxRoundTrip(t *testing.T) {
	recipient, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("anonymous handshake payload")

	ciphertext, err := EncryptSealed(plaintext, recipient.VerifyKey)
	if err != nil {
		t.Fatalf("EncryptSealed failed: %v", err)
	}

	got, err := DecryptSealed(ciphertext, recipient.SigningKey)
	if err != nil {
		t.Fatalf("DecryptSealed failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("DecryptSealed() = %q, want %q", got, plaintext)
	}
}

func TestSealedBoxDecryptFailsForWrongRecipient(t *testing.T) {
	recipient, _ := GenerateKeypair()
	other, _ := GenerateKeypair()

	ciphertext, err := EncryptSealed([]byte("hi"), recipient.VerifyKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptSealed(ciphertext, other.SigningKey); err == nil {
		t.Fatal("expected seal open failure under wrong recipient key")
	}
}

func TestB64RoundTripTolerantOfPadding(t *testing.T) {
	raw := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	enc := B64Encode(raw)
	dec, err := B64Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, raw) {
		t.Fatalf("B64Decode(B64Encode(x)) != x")
	}
	padded, err := B64Decode(base64.URLEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("B64Decode rejected padded input: %v", err)
	}
	if !bytes.Equal(padded, raw) {
		t.Fatalf("B64Decode(padded) = %v, want %v", padded, raw)
	}
}
