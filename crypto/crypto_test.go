package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestSolveChallengeVerifies(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	challenge := []byte("server challenge bytes")
	response, err := SolveChallenge(challenge, nil, keys, rand.Reader)
	if err != nil {
		t.Fatalf("SolveChallenge failed: %v", err)
	}

	ok, err := VerifyChallengeResponse(challenge, nil, response, keys.Public)
	if err != nil {
		t.Fatalf("VerifyChallengeResponse failed: %v", err)
	}
	if !ok {
		t.Error("Valid response did not verify")
	}

	// A different identity must reject the response.
	other, _ := GenerateKeyPair()
	ok, err = VerifyChallengeResponse(challenge, nil, response, other.Public)
	if err != nil {
		t.Fatalf("VerifyChallengeResponse failed: %v", err)
	}
	if ok {
		t.Error("Response verified under the wrong identity")
	}
}

func TestSolveChallengeRejectsEmpty(t *testing.T) {
	keys, _ := GenerateKeyPair()
	if _, err := SolveChallenge(nil, nil, keys, rand.Reader); err != ErrEmptyChallenge {
		t.Errorf("Expected ErrEmptyChallenge, got %v", err)
	}
}

func TestSolveChallengeResponsesDiffer(t *testing.T) {
	keys, _ := GenerateKeyPair()
	challenge := []byte("same challenge")

	r1, err := SolveChallenge(challenge, nil, keys, rand.Reader)
	if err != nil {
		t.Fatalf("SolveChallenge failed: %v", err)
	}
	r2, err := SolveChallenge(challenge, nil, keys, rand.Reader)
	if err != nil {
		t.Fatalf("SolveChallenge failed: %v", err)
	}
	if bytes.Equal(r1, r2) {
		t.Error("Two responses to the same challenge should differ (random padding)")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	key, err := GenerateSharedKey()
	if err != nil {
		t.Fatalf("GenerateSharedKey failed: %v", err)
	}

	plaintext := []byte("extended payload plaintext")
	ciphertext, err := EncryptPayload(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptPayload failed: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("Ciphertext contains plaintext")
	}

	got, err := DecryptPayload(key, ciphertext)
	if err != nil {
		t.Fatalf("DecryptPayload failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Round trip mismatch: %q", got)
	}
}

func TestDecryptPayloadRejectsTampering(t *testing.T) {
	key, _ := GenerateSharedKey()
	ciphertext, _ := EncryptPayload(key, []byte("data"))

	ciphertext[len(ciphertext)-1] ^= 0x01
	if _, err := DecryptPayload(key, ciphertext); err != ErrDecryptionFailed {
		t.Errorf("Expected ErrDecryptionFailed, got %v", err)
	}

	if _, err := DecryptPayload(key, []byte("short")); err != ErrDecryptionFailed {
		t.Errorf("Expected ErrDecryptionFailed for truncated input, got %v", err)
	}
}

func TestFromSeedRebuildsIdentity(t *testing.T) {
	keys, _ := GenerateKeyPair()
	rebuilt := FromSeed(keys.Private)
	if rebuilt.Public != keys.Public {
		t.Error("FromSeed produced a different public identity")
	}
}

func TestIdentityHexRoundTrip(t *testing.T) {
	keys, _ := GenerateKeyPair()
	id, err := IdentityFromHex(keys.Public.Hex())
	if err != nil {
		t.Fatalf("IdentityFromHex failed: %v", err)
	}
	if id != keys.Public {
		t.Error("Hex round trip mismatch")
	}

	if _, err := IdentityFromHex("zz"); err == nil {
		t.Error("Expected error for invalid hex")
	}
}
