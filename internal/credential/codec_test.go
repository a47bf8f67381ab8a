package credential

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/passage-gms/passage/internal/pass"
)

var testSecret = []byte("topsecret-signing-key")

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func samplePass() pass.Pass {
	return pass.Pass{
		Number:    "GP-VIS-20260115-0042",
		Type:      pass.TypeVisitor,
		Status:    pass.StatusApproved,
		ValidFrom: time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
		ValidTo:   time.Date(2026, 1, 15, 18, 0, 0, 0, time.UTC),
	}
}

func TestIssueAndVerifyRoundtrip(t *testing.T) {
	now := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	codec := NewCodec(testSecret, fixedClock(now))

	cred, err := codec.Issue(samplePass())
	require.NoError(t, err)
	require.NotEmpty(t, cred.Token)
	require.True(t, bytes.HasPrefix(cred.Image, []byte("\x89PNG")))
	require.Equal(t, now, cred.IssuedAt)

	payload, err := codec.Verify(cred.Token)
	require.NoError(t, err)
	require.Equal(t, "GP-VIS-20260115-0042", payload.PassID)
	require.Equal(t, string(pass.TypeVisitor), payload.Type)
	require.Equal(t, string(pass.StatusApproved), payload.Status)
	require.True(t, payload.ValidFrom.Equal(samplePass().ValidFrom))
	require.True(t, payload.ValidTo.Equal(samplePass().ValidTo))
	require.Equal(t, now.UnixMilli(), payload.Timestamp)
}

// The token must be the canonical payload object with the hex MAC of exactly
// those bytes appended as the final field.
func TestTokenWireFormat(t *testing.T) {
	now := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	codec := NewCodec(testSecret, fixedClock(now))

	cred, err := codec.Issue(samplePass())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(cred.Token, `{"passId":"GP-VIS-20260115-0042","type":"Visitor",`))

	p := samplePass()
	canonical, err := json.Marshal(Payload{
		PassID:    p.Number,
		Type:      string(p.Type),
		ValidFrom: p.ValidFrom,
		ValidTo:   p.ValidTo,
		Status:    string(pass.StatusApproved),
		Timestamp: now.UnixMilli(),
	})
	require.NoError(t, err)

	mac := hmac.New(sha256.New, testSecret)
	mac.Write(canonical)
	sig := hex.EncodeToString(mac.Sum(nil))

	expected := string(canonical[:len(canonical)-1]) + `,"signature":"` + sig + `"}`
	require.Equal(t, expected, cred.Token)

	// Same inputs, same clock, same token.
	again, err := codec.Issue(samplePass())
	require.NoError(t, err)
	require.Equal(t, cred.Token, again.Token)
}

func TestVerifyTamperedSignature(t *testing.T) {
	now := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	codec := NewCodec(testSecret, fixedClock(now))
	cred, err := codec.Issue(samplePass())
	require.NoError(t, err)

	// Flip the final hex digit of the signature.
	flipped := []byte(cred.Token)
	i := len(flipped) - 3 // last signature char before `"}`
	if flipped[i] == '0' {
		flipped[i] = '1'
	} else {
		flipped[i] = '0'
	}
	_, err = codec.Verify(string(flipped))
	require.ErrorIs(t, err, &VerifyError{Reason: ReasonTampered})
}

func TestVerifyTamperedPayload(t *testing.T) {
	now := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	codec := NewCodec(testSecret, fixedClock(now))
	cred, err := codec.Issue(samplePass())
	require.NoError(t, err)

	forged := strings.Replace(cred.Token, `"type":"Visitor"`, `"type":"Vehicle"`, 1)
	require.NotEqual(t, cred.Token, forged)
	_, err = codec.Verify(forged)
	require.ErrorIs(t, err, &VerifyError{Reason: ReasonTampered})
}

func TestVerifyMalformed(t *testing.T) {
	codec := NewCodec(testSecret, nil)

	_, err := codec.Verify("not a token")
	require.ErrorIs(t, err, &VerifyError{Reason: ReasonMalformed})

	_, err = codec.Verify(`{"passId":"GP-VIS-20260115-0042"}`)
	require.ErrorIs(t, err, &VerifyError{Reason: ReasonMalformed})

	_, err = codec.Verify(`{}`)
	require.ErrorIs(t, err, &VerifyError{Reason: ReasonMalformed})
}

func TestVerifyWindow(t *testing.T) {
	issued := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	cred, err := NewCodec(testSecret, fixedClock(issued)).Issue(samplePass())
	require.NoError(t, err)

	late := NewCodec(testSecret, fixedClock(time.Date(2026, 1, 15, 18, 0, 1, 0, time.UTC)))
	_, err = late.Verify(cred.Token)
	require.ErrorIs(t, err, &VerifyError{Reason: ReasonExpired})
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Detail, "2026-01-15T18:00:00Z")

	early := NewCodec(testSecret, fixedClock(time.Date(2026, 1, 15, 7, 59, 59, 0, time.UTC)))
	_, err = early.Verify(cred.Token)
	require.ErrorIs(t, err, &VerifyError{Reason: ReasonNotYetValid})

	// Boundary instants are inside the window.
	atStart := NewCodec(testSecret, fixedClock(samplePass().ValidFrom))
	_, err = atStart.Verify(cred.Token)
	require.NoError(t, err)
	atEnd := NewCodec(testSecret, fixedClock(samplePass().ValidTo))
	_, err = atEnd.Verify(cred.Token)
	require.NoError(t, err)
}

func TestVerifyWrongState(t *testing.T) {
	now := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	codec := NewCodec(testSecret, fixedClock(now))

	p := samplePass()
	token, err := codec.sign(Payload{
		PassID:    p.Number,
		Type:      string(p.Type),
		ValidFrom: p.ValidFrom,
		ValidTo:   p.ValidTo,
		Status:    string(pass.StatusPending),
		Timestamp: now.UnixMilli(),
	})
	require.NoError(t, err)

	_, err = codec.Verify(token)
	require.ErrorIs(t, err, &VerifyError{Reason: ReasonWrongState})
}

func TestVerifyWrongSecret(t *testing.T) {
	now := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	cred, err := NewCodec(testSecret, fixedClock(now)).Issue(samplePass())
	require.NoError(t, err)

	other := NewCodec([]byte("another-key"), fixedClock(now))
	_, err = other.Verify(cred.Token)
	require.ErrorIs(t, err, &VerifyError{Reason: ReasonTampered})
}

func TestVerifyErrorIsMatchesReasonOnly(t *testing.T) {
	err := error(&VerifyError{Reason: ReasonExpired, Detail: "pass expired at ..."})
	require.True(t, errors.Is(err, &VerifyError{Reason: ReasonExpired}))
	require.False(t, errors.Is(err, &VerifyError{Reason: ReasonTampered}))
}
