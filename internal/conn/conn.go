// Package conn defines the boundary to the external messaging connection:
// a factory that, given credential state, yields a live handle emitting
// pairing, open, close, and credentials-changed events. The lifecycle
// controller consumes this boundary; internal/wa provides the production
// implementation.
package conn

import (
	"context"

	"github.com/andrelcm/zapkeeper/internal/creds"
)

// Disconnect status codes carried on close events. The set is open; only
// CodeLoggedOut has dedicated semantics (terminal, credentials revoked
// server-side). Everything else, including an absent code, is transient.
const (
	CodeUnknown         = 0
	CodeLoggedOut       = 401
	CodeConnectionLost  = 408
	CodeStreamReplaced  = 440
	CodeBadSession      = 500
	CodeRestartRequired = 515
)

// Terminal reports whether a close code means the session is logged out
// and reconnecting with the same credentials cannot succeed.
func Terminal(code int) bool {
	return code == CodeLoggedOut
}

// EventKind discriminates handle events.
type EventKind string

const (
	EventPairing EventKind = "pairing"
	EventOpen    EventKind = "open"
	EventClosed  EventKind = "closed"
	EventCreds   EventKind = "creds"
)

// Event is one occurrence on a live handle.
type Event struct {
	Kind EventKind

	// Challenge is the QR payload or numeric code, set for EventPairing.
	Challenge string

	// Code is the disconnect status, set for EventClosed.
	Code int

	// Creds is a point-in-time copy of the root record, set for
	// EventCreds. The receiver persists it.
	Creds *creds.CredentialRecord
}

// AuthState is the credential state handed to a dial: the root record
// loaded for this attempt and the store holding the auxiliary key
// records. The handle routes all of its key material through Store.
type AuthState struct {
	Creds *creds.CredentialRecord
	Store creds.Store
}

// Handle is one live connection instance.
type Handle interface {
	// Events delivers handle events in order on a single channel. The
	// channel closes when the handle is fully dead; a close event, if
	// any, is the last event before that.
	Events() <-chan Event

	// SendText sends a text message and returns the server message id.
	SendText(ctx context.Context, recipient, text string) (string, error)

	// CheckRecipient reports whether the recipient exists on the network.
	CheckRecipient(ctx context.Context, recipient string) (bool, error)

	// Logout invalidates the session server-side.
	Logout(ctx context.Context) error

	// Close tears the connection down without logging out. Idempotent.
	Close()
}

// Factory creates connection handles from credential state.
type Factory interface {
	Dial(ctx context.Context, state AuthState) (Handle, error)
}
