// Package hypervisor abstracts how guests are booted. A backend turns an
// instance spec into a running guest exposing the single connection the
// runtime multiplexes everything over.
package hypervisor

import (
	"io"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/model"
)

// Guest is one booted guest.
type Guest interface {
	// Conn is the guest control connection. Closing it does not halt the
	// guest; Kill does.
	Conn() io.ReadWriteCloser
	// Halted is closed when the guest stops for any reason.
	Halted() <-chan struct{}
	// Kill force-terminates the guest. Idempotent.
	Kill() error
}

// Backend boots guests.
type Backend interface {
	// Name identifies the backend in logs and doctor output.
	Name() string
	// Check verifies the backend can boot guests on this host.
	Check() []model.CheckResult
	// Boot starts a guest for the spec and returns once its control
	// connection is usable.
	Boot(token *cancel.Token, spec model.InstanceSpec) (Guest, error)
}
