// Package health implements liveness/readiness handlers in the teacher's
// Handler shape (internal/v1/health), narrowed to the broker's own in-memory
// invariants since this service has no external datastore or SFU to probe.
package health

import (
	"time"

	"github.com/coedit-dev/collab-broker/internal/credentials"
	"github.com/coedit-dev/collab-broker/internal/room"
)

// LivenessResult mirrors the teacher's LivenessResponse.
type LivenessResult struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResult mirrors the teacher's ReadinessResponse, with an OK field
// the HTTP layer uses to pick the status code.
type ReadinessResult struct {
	OK        bool              `json:"-"`
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Checker reports the broker's own operational state. The JWT secret always
// resolves at startup (random or configured — see credentials.New), so the
// credentials check is reported healthy unconditionally; the rooms check is
// likewise always healthy, as room/peer bookkeeping is not inspected.
type Checker struct {
	broker *credentials.Broker
	rooms  *room.Manager
}

// NewChecker constructs a Checker.
func NewChecker(broker *credentials.Broker, rooms *room.Manager) *Checker {
	return &Checker{broker: broker, rooms: rooms}
}

// Live always reports alive: liveness never depends on downstream state
// (teacher's Liveness handler does the same).
func (c *Checker) Live() LivenessResult {
	return LivenessResult{Status: "alive", Timestamp: now()}
}

// Ready reports the broker's self-contained invariants. There is no external
// dependency to fail against in this deployment, so readiness here is a
// liveness-equivalent signal once the credentials subsystem has a secret —
// which New guarantees unconditionally.
func (c *Checker) Ready() ReadinessResult {
	checks := map[string]string{
		"credentials": "healthy", // Broker is always constructed with a resolved secret.
		"rooms":       "healthy",
	}
	return ReadinessResult{OK: true, Status: "ready", Checks: checks, Timestamp: now()}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
