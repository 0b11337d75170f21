// Package credentials signs and verifies room and user tokens, and hosts the
// deferred-confirmation registry for out-of-band login. Grounded on the
// teacher's auth.Validator/CustomClaims, adapted from JWKS-verify-only to
// self-signed HS256 sign+verify since this broker has no external issuer.
package credentials

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coedit-dev/collab-broker/internal/metrics"
	"github.com/golang-jwt/jwt/v5"
)

// AuthTimeout is how long a deferred login confirmation may remain pending
// before it is evicted (spec.md §4.3).
const AuthTimeout = 300 * time.Second

const secureIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const secureIDLength = 24

// ErrAuthInvalid reports a malformed or badly-signed token, or a token
// missing required fields.
var ErrAuthInvalid = errors.New("auth invalid")

// ErrAuthTimeout reports that a deferred login was not confirmed in time,
// or that no pending entry exists for the given confirm token.
var ErrAuthTimeout = errors.New("auth timeout")

// User is the broker's stable identity snapshot (spec.md §3).
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// RoomClaim is the signed token payload authorizing a user to connect as
// host or guest of a specific room.
type RoomClaim struct {
	Room string `json:"room"`
	User User   `json:"user"`
	Host bool   `json:"host"`
}

type claims struct {
	Payload any `json:"payload"`
	jwt.RegisteredClaims
}

// Broker signs and verifies tokens with a single process-wide HMAC secret,
// and tracks deferred login confirmations. The zero value is not usable;
// construct with New.
type Broker struct {
	secret []byte
	dev    bool

	mu      sync.Mutex
	pending map[string]*pendingAuth
}

// SetDevMode toggles development-mode verification: when enabled, GetUser
// falls back to an unverified best-effort decode of tokens that fail
// signature verification, mirroring the teacher's MockValidator (parses the
// JWT payload directly, falling back to placeholder identity fields) so a
// frontend can be driven locally without a real login flow.
func (b *Broker) SetDevMode(enabled bool) {
	b.dev = enabled
}

type pendingAuth struct {
	ch    chan string // resolved jwt
	timer *time.Timer
	once  sync.Once
}

// New constructs a Broker. If secret is empty, a random process-lifetime
// secret is generated (tokens are invalidated across restarts).
func New(secret string) *Broker {
	if secret == "" {
		secret = mustRandomSecret()
	}
	return &Broker{
		secret:  []byte(secret),
		pending: make(map[string]*pendingAuth),
	}
}

func mustRandomSecret() string {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		panic("credentials: failed to generate random JWT secret: " + err.Error())
	}
	return SecureIDFromBytes(b)
}

// SecureID returns a 24-character random string drawn from a
// cryptographically strong alphabet (spec.md §4.3).
func SecureID() string {
	b := make([]byte, secureIDLength)
	if _, err := rand.Read(b); err != nil {
		panic("credentials: crypto/rand failed: " + err.Error())
	}
	return encodeAlphabet(b, secureIDLength)
}

// SecureIDFromBytes derives a len(secureIDAlphabet)-character (62) alphabet
// string from arbitrary random bytes, used internally to turn a larger random
// buffer into an alphabet-constrained secret.
func SecureIDFromBytes(b []byte) string {
	return encodeAlphabet(b, len(secureIDAlphabet))
}

func encodeAlphabet(randomBytes []byte, n int) string {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = secureIDAlphabet[int(randomBytes[i%len(randomBytes)])%len(secureIDAlphabet)]
	}
	return string(out)
}

// GenerateJWT signs payload as an HMAC-SHA256 token.
func GenerateJWT[T any](b *Broker, payload T) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Payload: payload,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString(b.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// VerifyJWT parses and verifies tokenString, decoding its payload into T.
func VerifyJWT[T any](b *Broker, tokenString string) (T, error) {
	var out T
	var raw claims
	token, err := jwt.ParseWithClaims(tokenString, &raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return b.secret, nil
	})
	if err != nil || !token.Valid {
		metrics.CredentialsRejected.WithLabelValues("invalid-signature").Inc()
		return out, ErrAuthInvalid
	}

	if err := remarshal(raw.Payload, &out); err != nil {
		metrics.CredentialsRejected.WithLabelValues("invalid-payload").Inc()
		return out, ErrAuthInvalid
	}
	return out, nil
}

// GetUser decodes a user token, failing ErrAuthInvalid if required fields
// (id, name) are missing.
func GetUser(b *Broker, tokenString string) (User, error) {
	user, err := VerifyJWT[User](b, tokenString)
	if err != nil {
		if b.dev {
			return devFallbackUser(tokenString), nil
		}
		return User{}, err
	}
	if user.ID == "" || user.Name == "" {
		if b.dev {
			return devFallbackUser(tokenString), nil
		}
		metrics.CredentialsRejected.WithLabelValues("missing-fields").Inc()
		return User{}, ErrAuthInvalid
	}
	return user, nil
}

// devFallbackUser best-effort decodes an unverified token's payload for
// development use, falling back to a placeholder identity when the token
// isn't even well-formed JWT. Never used outside dev mode.
func devFallbackUser(tokenString string) User {
	parser := jwt.NewParser()
	var raw claims
	if _, _, err := parser.ParseUnverified(tokenString, &raw); err == nil {
		var u User
		if remarshal(raw.Payload, &u) == nil && u.ID != "" {
			if u.Name == "" {
				u.Name = u.ID
			}
			return u
		}
	}
	return User{ID: "dev-user", Name: "Dev User"}
}

// ConfirmAuth registers a deferred entry keyed by confirmToken and blocks
// until ConfirmUser resolves it or AuthTimeout elapses.
func (b *Broker) ConfirmAuth(confirmToken string) (string, error) {
	b.mu.Lock()
	if _, exists := b.pending[confirmToken]; exists {
		b.mu.Unlock()
		return "", errors.New("confirm token already pending")
	}
	entry := &pendingAuth{ch: make(chan string, 1)}
	b.pending[confirmToken] = entry
	entry.timer = time.AfterFunc(AuthTimeout, func() {
		b.evict(confirmToken, entry)
	})
	b.mu.Unlock()

	jwtStr, ok := <-entry.ch
	if !ok {
		return "", ErrAuthTimeout
	}
	return jwtStr, nil
}

// ConfirmUser resolves the deferred entry registered under confirmToken by
// signing userInfo as a new user token. Fails ErrAuthTimeout if no matching
// entry exists.
func (b *Broker) ConfirmUser(confirmToken string, userInfo User) (string, error) {
	b.mu.Lock()
	entry, ok := b.pending[confirmToken]
	if ok {
		entry.timer.Stop()
		delete(b.pending, confirmToken)
	}
	b.mu.Unlock()

	if !ok {
		return "", ErrAuthTimeout
	}

	signed, err := GenerateJWT(b, userInfo)
	if err != nil {
		return "", err
	}
	metrics.CredentialsIssued.WithLabelValues("user").Inc()

	entry.once.Do(func() {
		entry.ch <- signed
		close(entry.ch)
	})
	return signed, nil
}

func (b *Broker) evict(confirmToken string, entry *pendingAuth) {
	b.mu.Lock()
	if current, ok := b.pending[confirmToken]; ok && current == entry {
		delete(b.pending, confirmToken)
	}
	b.mu.Unlock()

	entry.once.Do(func() {
		close(entry.ch)
	})
}

// remarshal converts src (typically a map[string]any produced by JSON
// decoding an `any`-typed claim) into dst via a JSON round trip. Mirrors the
// teacher's assertPayload[T] pattern in internal/v1/session.
func remarshal(src any, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
