package crypto

import (
	"crypto/ed25519"
	"errors"
	"io"
)

// ChallengePrefix is prepended to every server challenge before signing, so
// that a challenge response can never be confused with any other signature
// made by the identity key.
var ChallengePrefix = []byte("authentChallenge")

// challengePaddingLength is the number of random bytes mixed into each
// response. The server ignores them; they make responses unique even for a
// replayed challenge.
const challengePaddingLength = 16

var (
	// ErrEmptyChallenge is returned when the server challenge is empty.
	ErrEmptyChallenge = errors.New("empty challenge")
	// ErrShortResponse is returned when verifying a response that is too
	// short to contain padding and a signature.
	ErrShortResponse = errors.New("challenge response too short")
)

// SolveChallenge signs a server challenge with the identity key and returns
// the response bytes to exchange for a session token. The response is
// padding || signature(prefix || challenge || padding).
func SolveChallenge(challenge []byte, prefix []byte, keys *KeyPair, randomness io.Reader) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, ErrEmptyChallenge
	}
	if keys == nil {
		return nil, errors.New("nil key pair")
	}
	if prefix == nil {
		prefix = ChallengePrefix
	}

	padding := make([]byte, challengePaddingLength)
	if _, err := io.ReadFull(randomness, padding); err != nil {
		return nil, err
	}

	signed := make([]byte, 0, len(prefix)+len(challenge)+len(padding))
	signed = append(signed, prefix...)
	signed = append(signed, challenge...)
	signed = append(signed, padding...)

	private := ed25519.NewKeyFromSeed(keys.Private[:])
	signature := ed25519.Sign(private, signed)

	response := make([]byte, 0, len(padding)+len(signature))
	response = append(response, padding...)
	response = append(response, signature...)
	return response, nil
}

// VerifyChallengeResponse checks a response against a challenge and the
// identity public key. The engine never needs this in production (the server
// performs the check) but tests exercising the session handshake do.
func VerifyChallengeResponse(challenge, prefix, response []byte, identity Identity) (bool, error) {
	if len(response) < challengePaddingLength+ed25519.SignatureSize {
		return false, ErrShortResponse
	}
	if prefix == nil {
		prefix = ChallengePrefix
	}
	padding := response[:challengePaddingLength]
	signature := response[challengePaddingLength:]

	signed := make([]byte, 0, len(prefix)+len(challenge)+len(padding))
	signed = append(signed, prefix...)
	signed = append(signed, challenge...)
	signed = append(signed, padding...)

	return ed25519.Verify(identity[:], signed, signature), nil
}
