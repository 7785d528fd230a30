// Package handshake validates the signed payload the embedded chat
// client delivers at mini-app launch. Verification is pure computation:
// no store access, no side effects.
package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSignature  = errors.New("handshake: missing signature")
	ErrExpired           = errors.New("handshake: payload outside replay window")
	ErrSignatureMismatch = errors.New("handshake: signature mismatch")
)

// domainSeparator keys the first HMAC stage so a tenant signing token is
// never used directly as an HMAC key.
const domainSeparator = "WebAppData"

const defaultReplayWindow = 24 * time.Hour

// Profile is the identity material embedded in a valid payload.
type Profile struct {
	ChatID    int64
	FirstName string
	LastName  string
	Username  string
	TenantID  string
}

// DisplayName renders the profile's human-readable name.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		name = p.Username
	}
	return name
}

// Verifier checks handshake payloads against a per-tenant signing token.
type Verifier struct {
	now    func() time.Time
	window time.Duration
}

// Option configures the Verifier.
type Option func(*Verifier)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// WithReplayWindow overrides the 24 hour replay window.
func WithReplayWindow(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.window = d
		}
	}
}

func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{now: time.Now, window: defaultReplayWindow}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the payload signature and replay window, returning the
// embedded profile on success. The payload is a flat key/value map with
// a hex `hash` field and an `auth_date` unix timestamp.
func (v *Verifier) Verify(values url.Values, signingToken string) (Profile, error) {
	provided := values.Get("hash")
	if provided == "" {
		return Profile{}, ErrMissingSignature
	}

	rawDate := values.Get("auth_date")
	if rawDate == "" {
		return Profile{}, ErrExpired
	}
	authUnix, err := strconv.ParseInt(rawDate, 10, 64)
	if err != nil {
		return Profile{}, ErrExpired
	}
	if v.now().Sub(time.Unix(authUnix, 0)) > v.window {
		return Profile{}, ErrExpired
	}

	expected := sign(dataCheckString(values), signingToken)
	providedRaw, err := hex.DecodeString(provided)
	if err != nil || !hmac.Equal(providedRaw, expected) {
		return Profile{}, ErrSignatureMismatch
	}

	return parseProfile(values)
}

// dataCheckString serializes every pair except hash in sorted key order
// as key=value lines joined by newline.
func dataCheckString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}
	return strings.Join(lines, "\n")
}

// sign derives the per-tenant secret from the signing token, then keys a
// second HMAC over the serialized payload with it.
func sign(data, signingToken string) []byte {
	stage := hmac.New(sha256.New, []byte(domainSeparator))
	stage.Write([]byte(signingToken))
	secret := stage.Sum(nil)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

type userPayload struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

func parseProfile(values url.Values) (Profile, error) {
	raw := values.Get("user")
	if raw == "" {
		return Profile{}, ErrSignatureMismatch
	}
	var user userPayload
	if err := json.Unmarshal([]byte(raw), &user); err != nil || user.ID == 0 {
		return Profile{}, ErrSignatureMismatch
	}
	return Profile{
		ChatID:    user.ID,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Username:  user.Username,
		TenantID:  values.Get("tenant_id"),
	}, nil
}
