package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header names carrying the signed envelope. The scheme is wire-compatible
// with the Svix/standard-webhooks convention: the MAC is computed over
// "{id}.{timestamp}.{body}" and transported base64-encoded, optionally
// "v1,"-prefixed, with multiple space-separated values allowed.
const (
	HeaderID        = "Webhook-Id"
	HeaderTimestamp = "Webhook-Timestamp"
	HeaderSignature = "Webhook-Signature"
)

// secretPrefix marks a base64-encoded shared secret.
const secretPrefix = "whsec_"

// DefaultTolerance bounds how far a delivery timestamp may drift from the
// receiver clock before the delivery is treated as a replay.
const DefaultTolerance = 5 * time.Minute

// Verification failures. Malformed errors mean the envelope never qualified
// for a MAC check; signature errors mean the envelope was well-formed but
// could not be authenticated.
var (
	ErrMissingHeader   = errors.New("missing signature header")
	ErrBadTimestamp    = errors.New("malformed timestamp header")
	ErrStaleTimestamp  = errors.New("timestamp outside tolerance")
	ErrNoMatch         = errors.New("signature mismatch")
	ErrNoSecrets       = errors.New("no signing secrets configured")
	ErrMalformedSecret = errors.New("malformed signing secret")
)

// IsMalformed reports whether err is a shape problem (missing header, bad
// timestamp format) rather than an authentication failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMissingHeader) || errors.Is(err, ErrBadTimestamp)
}

// Headers is the signed envelope extracted from an inbound request. ID is the
// delivery identifier, distinct from the event id carried in the body.
type Headers struct {
	ID        string
	Timestamp string
	Signature string
}

// HeadersFromMap pulls the three envelope headers out of a flattened header
// mapping. Lookup is case-insensitive so transports that lowercase header
// names still verify.
func HeadersFromMap(m map[string]string) Headers {
	get := func(name string) string {
		if v, ok := m[name]; ok {
			return v
		}
		for k, v := range m {
			if strings.EqualFold(k, name) {
				return v
			}
		}
		return ""
	}
	return Headers{
		ID:        get(HeaderID),
		Timestamp: get(HeaderTimestamp),
		Signature: get(HeaderSignature),
	}
}

// VerifiedPayload is raw body bytes proven authentic, plus the timestamp the
// signature was verified against. It is only ever constructed by
// Verifier.Verify; downstream stages never see unauthenticated bytes.
type VerifiedPayload struct {
	body      []byte
	timestamp time.Time
}

// Body returns the authenticated raw bytes.
func (p *VerifiedPayload) Body() []byte { return p.body }

// Timestamp returns the delivery timestamp used during verification.
func (p *VerifiedPayload) Timestamp() time.Time { return p.timestamp }

// Verifier authenticates inbound deliveries against one or more shared
// secrets. Multiple secrets support rotation: a delivery signed with either
// the current or the previous secret verifies during the transition window.
type Verifier struct {
	secrets   [][]byte
	tolerance time.Duration
}

// New builds a Verifier from the configured secrets. Secrets with the
// "whsec_" prefix are base64-decoded; anything else is used as raw key bytes.
func New(secrets []string, tolerance time.Duration) (*Verifier, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	keys := make([][]byte, 0, len(secrets))
	for _, s := range secrets {
		if s == "" {
			continue
		}
		key := []byte(s)
		if strings.HasPrefix(s, secretPrefix) {
			decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, secretPrefix))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedSecret, err)
			}
			key = decoded
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, ErrNoSecrets
	}

	return &Verifier{secrets: keys, tolerance: tolerance}, nil
}

// Verify authenticates body against the signed envelope headers. It is a pure
// function of its inputs: all outcomes are returned, never logged. now is the
// receiver clock, injected so callers control time in tests.
func (v *Verifier) Verify(body []byte, h Headers, now time.Time) (*VerifiedPayload, error) {
	if h.ID == "" || h.Timestamp == "" || h.Signature == "" {
		return nil, ErrMissingHeader
	}

	unix, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadTimestamp, h.Timestamp)
	}
	ts := time.Unix(unix, 0)

	// Staleness is checked before the MAC so a replayed capture is rejected
	// even when its signature is valid.
	if drift := now.Sub(ts); drift > v.tolerance || -drift > v.tolerance {
		return nil, ErrStaleTimestamp
	}

	if !v.matchAny(body, h) {
		return nil, ErrNoMatch
	}

	return &VerifiedPayload{body: body, timestamp: ts}, nil
}

func (v *Verifier) matchAny(body []byte, h Headers) bool {
	candidates := strings.Fields(h.Signature)
	matched := false
	for _, key := range v.secrets {
		expected := computeSignature(key, h.ID, h.Timestamp, body)
		for _, c := range candidates {
			sig, ok := strings.CutPrefix(c, "v1,")
			if !ok {
				// Unversioned values are accepted; other scheme versions are not ours.
				if strings.Contains(c, ",") {
					continue
				}
				sig = c
			}
			// hmac.Equal is constant-time.
			if hmac.Equal([]byte(sig), []byte(expected)) {
				matched = true
			}
		}
	}
	return matched
}

// computeSignature returns the base64 HMAC-SHA256 of "{id}.{timestamp}.{body}".
func computeSignature(key []byte, id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Sign produces a "v1,"-prefixed signature for a delivery. Used by tests and
// the replay tooling to construct valid envelopes.
func Sign(secret string, id string, ts time.Time, body []byte) string {
	key := []byte(secret)
	if strings.HasPrefix(secret, secretPrefix) {
		if decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix)); err == nil {
			key = decoded
		}
	}
	return "v1," + computeSignature(key, id, strconv.FormatInt(ts.Unix(), 10), body)
}
