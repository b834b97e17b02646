package envelope

import (
	"errors"
	"reflect"
	"testing"

	"github.com/YouAM-Network/uam/internal/uamcrypto"
	"github.com/YouAM-Network/uam/internal/uamerr"
)

func TestCreateVerifyRoundTrip(t *testing.T) {
	sender, err := uamcrypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	recipient, err := uamcrypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	e, err := CreateEnvelope("alice::x.y", "bob::x.y", TypeMessage, []byte("hello"), sender.SigningKey, recipient.VerifyKey, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}

	if err := VerifyEnvelope(e, sender.VerifyKey); err != nil {
		t.Fatalf("VerifyEnvelope failed on freshly created envelope: %v", err)
	}

	plaintext, err := uamcrypto.DecryptBox(e.Payload, recipient.SigningKey, sender.VerifyKey)
	if err != nil {
		t.Fatalf("DecryptBox failed: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("decrypted payload = %q, want %q", plaintext, "hello")
	}

	wire, err := ToWireDict(e)
	if err != nil {
		t.Fatal(err)
	}
	if len(wire) == 0 {
		t.Fatal("wire dict should not be empty")
	}
}

func TestCreateEnvelopeHandshakeRequestUsesSealedBox(t *testing.T) {
	sender, _ := uamcrypto.GenerateKeypair()
	recipient, _ := uamcrypto.GenerateKeypair()

	e, err := CreateEnvelope("alice::x.y", "bob::x.y", TypeHandshakeRequest, []byte("card json"), sender.SigningKey, recipient.VerifyKey, CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	plaintext, err := uamcrypto.DecryptSealed(e.Payload, recipient.SigningKey)
	if err != nil {
		t.Fatalf("DecryptSealed should open a handshake.request payload: %v", err)
	}
	if string(plaintext) != "card json" {
		t.Fatalf("decrypted sealed payload = %q, want %q", plaintext, "card json")
	}
}

func TestVerifyEnvelopeFailsOnTamperedPayload(t *testing.T) {
	sender, _ := uamcrypto.GenerateKeypair()
	recipient, _ := uamcrypto.GenerateKeypair()

	e, err := CreateEnvelope("alice::x.y", "bob::x.y", TypeMessage, []byte("hello"), sender.SigningKey, recipient.VerifyKey, CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	e.Payload = "tampered"
	if err := VerifyEnvelope(e, sender.VerifyKey); err == nil {
		t.Fatal("expected signature verification failure after tampering with payload")
	}
}

func TestToWireFromWireRoundTrip(t *testing.T) {
	sender, _ := uamcrypto.GenerateKeypair()
	recipient, _ := uamcrypto.GenerateKeypair()

	e, err := CreateEnvelope("alice::x.y", "bob::x.y", TypeMessage, []byte("hi"), sender.SigningKey, recipient.VerifyKey, CreateOptions{
		ThreadID: "thread-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	wire, err := ToWireDict(e)
	if err != nil {
		t.Fatal(err)
	}
	roundTripped, err := FromWireDict(wire)
	if err != nil {
		t.Fatalf("FromWireDict failed: %v", err)
	}
	if roundTripped.MessageID != e.MessageID || roundTripped.ThreadID != e.ThreadID {
		t.Fatalf("round-tripped envelope does not match original: %+v vs %+v", roundTripped, e)
	}
	if err := VerifyEnvelope(roundTripped, sender.VerifyKey); err != nil {
		t.Fatalf("round-tripped envelope failed verification: %v", err)
	}
}

func TestFromWireDictReportsMissingFieldsSorted(t *testing.T) {
	_, err := FromWireDict(map[string]any{"to": "bob::x.y"})
	if err == nil {
		t.Fatal("expected error for missing required fields")
	}
	var invalid *uamerr.InvalidEnvelopeError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidEnvelopeError, got %T: %v", err, err)
	}
	want := []string{"from", "message_id", "nonce", "payload", "signature", "timestamp", "type", "uam_version"}
	if !reflect.DeepEqual(invalid.Missing, want) {
		t.Fatalf("Missing = %v, want %v", invalid.Missing, want)
	}
}

func TestCreateEnvelopeTooLarge(t *testing.T) {
	sender, _ := uamcrypto.GenerateKeypair()
	recipient, _ := uamcrypto.GenerateKeypair()

	huge := make([]byte, MaxEnvelopeSize*2)
	_, err := CreateEnvelope("alice::x.y", "bob::x.y", TypeMessage, huge, sender.SigningKey, recipient.VerifyKey, CreateOptions{})
	if err == nil {
		t.Fatal("expected EnvelopeTooLargeError for an oversized payload")
	}
}

func TestCreateEnvelopeInvalidAddress(t *testing.T) {
	sender, _ := uamcrypto.GenerateKeypair()
	recipient, _ := uamcrypto.GenerateKeypair()

	_, err := CreateEnvelope("not valid", "bob::x.y", TypeMessage, []byte("hi"), sender.SigningKey, recipient.VerifyKey, CreateOptions{})
	if err == nil {
		t.Fatal("expected InvalidAddressError for malformed from address")
	}
}
