package webauthn

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Governs-AI/governsai-console-sub004/pkg/models"
)

const ChallengeSize = 32

var (
	ErrInactiveCredential = errors.New("credential inactive")
	ErrChallengeMismatch  = errors.New("asserted challenge does not match issued challenge")
	ErrOriginMismatch     = errors.New("assertion origin does not match relying party origin")
	ErrRPMismatch         = errors.New("assertion rp_id does not match relying party id")
	ErrBadSignature       = errors.New("assertion signature invalid")
	ErrCounterRegression  = errors.New("assertion counter did not increase")
	ErrUnsupportedAlg     = errors.New("unsupported assertion alg")
)

// Assertion is a client's proof of possession over an issued challenge.
// The signature covers the canonical binding of challenge, origin, rp id
// and the authenticator's monotonic counter.
type Assertion struct {
	CredentialID string `json:"credential_id"`
	Alg          string `json:"alg"`
	Challenge    string `json:"challenge"`
	Origin       string `json:"origin"`
	RPID         string `json:"rp_id"`
	Counter      uint64 `json:"counter"`
	Signature    string `json:"signature"`
}

func GenerateChallenge() ([]byte, error) {
	buf := make([]byte, ChallengeSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	return buf, nil
}

// SignedPayload is the canonical byte string an authenticator signs.
// Field order is fixed by the struct so both sides agree byte-for-byte.
func SignedPayload(challenge []byte, origin, rpID string, counter uint64) ([]byte, error) {
	binding := struct {
		Challenge string `json:"challenge"`
		Origin    string `json:"origin"`
		RPID      string `json:"rp_id"`
		Counter   uint64 `json:"counter"`
	}{
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
		Origin:    origin,
		RPID:      rpID,
		Counter:   counter,
	}
	raw, err := json.Marshal(binding)
	if err != nil {
		return nil, fmt.Errorf("marshal assertion payload: %w", err)
	}
	return raw, nil
}

// Verify checks an assertion against the issued challenge and the
// registered credential. Stateless: the caller persists the returned
// counter on success. A counter that does not strictly exceed the stored
// value fails even when the signature checks out (clone detection).
func Verify(cred models.Credential, challenge []byte, origin, rpID string, a Assertion) (uint64, error) {
	if !cred.Active {
		return 0, ErrInactiveCredential
	}
	if a.Alg != "" && !strings.EqualFold(a.Alg, "ed25519") {
		return 0, ErrUnsupportedAlg
	}
	asserted, err := base64.RawURLEncoding.DecodeString(a.Challenge)
	if err != nil {
		return 0, ErrChallengeMismatch
	}
	if len(challenge) == 0 || !hmac.Equal(asserted, challenge) {
		return 0, ErrChallengeMismatch
	}
	if a.Origin != origin {
		return 0, ErrOriginMismatch
	}
	if a.RPID != rpID {
		return 0, ErrRPMismatch
	}
	payload, err := SignedPayload(challenge, origin, rpID, a.Counter)
	if err != nil {
		return 0, err
	}
	sig, err := base64.StdEncoding.DecodeString(a.Signature)
	if err != nil {
		return 0, ErrBadSignature
	}
	if len(cred.PublicKey) != ed25519.PublicKeySize {
		return 0, ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(cred.PublicKey), payload, sig) {
		return 0, ErrBadSignature
	}
	if a.Counter <= cred.SignCount {
		return 0, ErrCounterRegression
	}
	return a.Counter, nil
}
