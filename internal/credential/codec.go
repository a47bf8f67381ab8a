// Package credential produces and verifies the signed token presented at a
// gate. The token is a canonical JSON object {passId, type, validFrom,
// validTo, status, timestamp} with an appended hex HMAC-SHA256 signature
// computed over the exact serialization of the preceding object.
package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/passage-gms/passage/internal/pass"
)

// Payload carries the authorization facts embedded in a token. Field order is
// the canonical serialization order; verification re-serializes these fields
// identically before recomputing the MAC.
type Payload struct {
	PassID    string    `json:"passId"`
	Type      string    `json:"type"`
	ValidFrom time.Time `json:"validFrom"`
	ValidTo   time.Time `json:"validTo"`
	Status    string    `json:"status"`
	Timestamp int64     `json:"timestamp"` // issuance time, milliseconds since epoch
}

type signedToken struct {
	Payload
	Signature string `json:"signature"`
}

// Reason classifies a verification failure. Failure is always a
// classification, never a propagated internal error.
type Reason string

const (
	ReasonTampered    Reason = "tampered"
	ReasonMalformed   Reason = "invalid format"
	ReasonExpired     Reason = "expired"
	ReasonNotYetValid Reason = "not yet valid"
	ReasonWrongState  Reason = "wrong state for entry"
)

// VerifyError is the typed failure returned by Verify. It carries enough
// context for a precise user-facing message.
type VerifyError struct {
	Reason Reason
	Detail string
}

func (e *VerifyError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Is allows errors.Is matching on the reason via a prototype error.
func (e *VerifyError) Is(target error) bool {
	other, ok := target.(*VerifyError)
	return ok && other.Reason == e.Reason
}

const qrImageSize = 300

// Codec signs and verifies credential tokens with a server-held secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec constructs a codec. The clock is injected to keep window checks
// deterministic under test; pass nil for time.Now.
func NewCodec(secret []byte, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{secret: secret, now: now}
}

// Issue builds and signs a token for the pass, returning the token string and
// its rendered QR image. Issuance is deterministic given identical payload and
// secret; the embedded timestamp distinguishes repeated issuance.
func (c *Codec) Issue(p pass.Pass) (pass.Credential, error) {
	issuedAt := c.now()
	payload := Payload{
		PassID:    p.Number,
		Type:      string(p.Type),
		ValidFrom: p.ValidFrom,
		ValidTo:   p.ValidTo,
		Status:    string(pass.StatusApproved),
		Timestamp: issuedAt.UnixMilli(),
	}
	token, err := c.sign(payload)
	if err != nil {
		return pass.Credential{}, fmt.Errorf("credential: sign: %w", err)
	}
	image, err := qrcode.Encode(token, qrcode.High, qrImageSize)
	if err != nil {
		return pass.Credential{}, fmt.Errorf("credential: render: %w", err)
	}
	return pass.Credential{Token: token, Image: image, IssuedAt: issuedAt}, nil
}

func (c *Codec) sign(payload Payload) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	token, err := json.Marshal(signedToken{Payload: payload, Signature: c.mac(canonical)})
	if err != nil {
		return "", err
	}
	return string(token), nil
}

func (c *Codec) mac(canonical []byte) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the token signature and the payload's embedded window and
// status. It deliberately does not consult live pass state; the gate ledger
// re-reads the authoritative record after Verify succeeds.
func (c *Codec) Verify(token string) (Payload, error) {
	var signed signedToken
	if err := json.Unmarshal([]byte(token), &signed); err != nil {
		return Payload{}, &VerifyError{Reason: ReasonMalformed}
	}
	if signed.PassID == "" || signed.Signature == "" {
		return Payload{}, &VerifyError{Reason: ReasonMalformed}
	}
	canonical, err := json.Marshal(signed.Payload)
	if err != nil {
		return Payload{}, &VerifyError{Reason: ReasonMalformed}
	}
	want, err := hex.DecodeString(signed.Signature)
	if err != nil {
		return Payload{}, &VerifyError{Reason: ReasonTampered}
	}
	h := hmac.New(sha256.New, c.secret)
	h.Write(canonical)
	if !hmac.Equal(h.Sum(nil), want) {
		return Payload{}, &VerifyError{Reason: ReasonTampered}
	}

	now := c.now()
	if now.After(signed.ValidTo) {
		return Payload{}, &VerifyError{
			Reason: ReasonExpired,
			Detail: fmt.Sprintf("pass expired at %s", signed.ValidTo.Format(time.RFC3339)),
		}
	}
	if now.Before(signed.ValidFrom) {
		return Payload{}, &VerifyError{
			Reason: ReasonNotYetValid,
			Detail: fmt.Sprintf("pass starts at %s", signed.ValidFrom.Format(time.RFC3339)),
		}
	}
	if !pass.Status(signed.Status).Enterable() {
		return Payload{}, &VerifyError{
			Reason: ReasonWrongState,
			Detail: fmt.Sprintf("status %s", signed.Status),
		}
	}
	return signed.Payload, nil
}
