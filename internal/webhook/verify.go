package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// SignatureHeader carries the HMAC-SHA256 of the raw body.
	SignatureHeader = "X-Hub-Signature-256"
	// EventHeader names the event type.
	EventHeader = "X-GitHub-Event"
	// DeliveryHeader is the unique delivery id.
	DeliveryHeader = "X-GitHub-Delivery"

	signaturePrefix = "sha256="
)

// Envelope is one inbound delivery, held only while it is verified and dispatched.
type Envelope struct {
	// RawBody is the exact bytes received. Signatures are computed over it.
	RawBody    []byte
	Signature  string
	Event      string
	DeliveryID string
}

// RejectReason explains why a delivery failed verification.
type RejectReason string

const (
	ReasonMissingSecret    RejectReason = "missing_secret"
	ReasonMissingSignature RejectReason = "missing_signature"
	ReasonMalformed        RejectReason = "malformed_signature"
	ReasonMismatch         RejectReason = "signature_mismatch"
)

// RejectedError is returned when a delivery must not reach any handler.
type RejectedError struct {
	Reason     RejectReason
	DeliveryID string
}

func (e *RejectedError) Error() string {
	if e.DeliveryID == "" {
		return fmt.Sprintf("webhook rejected: %s", e.Reason)
	}
	return fmt.Sprintf("webhook %s rejected: %s", e.DeliveryID, e.Reason)
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(body []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(computeMAC(body, secret))
}

// Verify reports whether signature is the HMAC-SHA256 of rawBody under secret.
// It fails closed on a missing secret, a missing or malformed signature, and
// a digest of the wrong length.
func Verify(rawBody []byte, signature, secret string) bool {
	return check(rawBody, signature, secret) == ""
}

// VerifyEnvelope verifies env, returning a *RejectedError on failure.
func VerifyEnvelope(env Envelope, secret string) error {
	if reason := check(env.RawBody, env.Signature, secret); reason != "" {
		return &RejectedError{Reason: reason, DeliveryID: env.DeliveryID}
	}
	return nil
}

func check(rawBody []byte, signature, secret string) RejectReason {
	if secret == "" {
		return ReasonMissingSecret
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ReasonMissingSignature
	}

	digest := signature
	if algorithm, value, found := strings.Cut(signature, "="); found {
		if !strings.EqualFold(algorithm, "sha256") {
			return ReasonMalformed
		}
		digest = value
	}

	provided, err := hex.DecodeString(digest)
	if err != nil {
		return ReasonMalformed
	}
	expected := computeMAC(rawBody, secret)
	if len(provided) != len(expected) {
		return ReasonMalformed
	}
	if !hmac.Equal(provided, expected) {
		return ReasonMismatch
	}
	return ""
}

func computeMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
