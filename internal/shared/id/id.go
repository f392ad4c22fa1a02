// Package id provides centralized ID generation for the engine.
//
// IDs are prefixed ULIDs: lexicographically sortable, unique across the
// process, and readable in logs (req_*, sig_*, perm_*). Correlation on the
// message bus relies on these being unique per request.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RequestID correlates an outbound envelope with its response.
type RequestID string

// SessionID identifies a loopback signaling session.
type SessionID string

// PermissionID identifies a queued permission request.
type PermissionID string

// Prefixes for typed IDs.
const (
	RequestPrefix    = "req"
	SessionPrefix    = "sig"
	PermissionPrefix = "perm"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator with secure entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewRequestID generates a new bus correlation ID.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewSessionID generates a new signaling session ID.
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewPermissionID generates a new permission request ID.
func NewPermissionID() PermissionID {
	return PermissionID(Default().GenerateWithPrefix(PermissionPrefix))
}

func (id RequestID) String() string    { return string(id) }
func (id SessionID) String() string    { return string(id) }
func (id PermissionID) String() string { return string(id) }

// IsValid checks whether a prefixed ID carries a parseable ULID.
func IsValid(id string) bool {
	raw := id
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		raw = id[i+1:]
	}
	_, err := ulid.Parse(raw)
	return err == nil
}
