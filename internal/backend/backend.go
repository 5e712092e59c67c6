package backend

import (
	"context"
	"errors"

	"github.com/seantiz/voxelgrid/internal/protocol"
)

// ErrHostDisposed is returned by Send once the host has been disposed.
var ErrHostDisposed = errors.New("host disposed")

// Backend is the interface that all isolation backends must implement.
type Backend interface {
	// Open creates an isolated context loaded with spec.Code. A missing or
	// broken render function is not an error here; it surfaces as a failure
	// reply on the first request.
	Open(ctx context.Context, spec HostSpec) (Host, error)

	// Capabilities reports what this backend supports.
	Capabilities() Capabilities
}

// Transport is the message boundary between the broker and an isolated context.
type Transport interface {
	// Send delivers a request envelope to the isolated context. It must not
	// wait for the reply.
	Send(ctx context.Context, req protocol.Request) error

	// Replies delivers reply envelopes in arrival order. The channel may be
	// closed once the transport will never deliver another reply.
	Replies() <-chan protocol.Reply

	// Fatal delivers at most one error, when the isolated context terminates
	// abnormally. Dispose never triggers it.
	Fatal() <-chan error
}

// Host is one isolated execution context holding a single user function.
type Host interface {
	Transport

	// Dispose terminates the isolated context unconditionally. It is
	// idempotent. No reply is delivered after Dispose returns.
	Dispose() error
}

// HostSpec describes the isolated context to open.
type HostSpec struct {
	// ID names the host in logs and, for microVMs, in socket paths.
	ID   string `json:"id"`
	Code string `json:"code"`

	CPULimit   int `json:"cpu_limit,omitempty"`
	MemLimitMB int `json:"mem_limit_mb,omitempty"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name              string   `json:"name"`
	Isolation         string   `json:"isolation"`
	SupportedRuntimes []string `json:"supported_runtimes"`
	MaxHosts          int      `json:"max_hosts"`
}
