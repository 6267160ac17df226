package wa

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.mau.fi/whatsmeow/util/keys"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/andrelcm/zapkeeper/internal/conn"
	"github.com/andrelcm/zapkeeper/internal/creds"
)

// handle is one live whatsmeow connection.
type handle struct {
	client *whatsmeow.Client
	ks     *keyStore
	events chan conn.Event
	logger *zap.Logger

	mu   sync.Mutex
	dead bool
}

func (h *handle) Events() <-chan conn.Event {
	return h.events
}

// SendText sends a text message to the recipient's primary JID. Returns
// the server message id.
func (h *handle) SendText(ctx context.Context, recipient, text string) (string, error) {
	number := normalizeNumber(recipient)
	if number == "" {
		return "", fmt.Errorf("recipient %q has no digits", recipient)
	}
	to := types.NewJID(number, types.DefaultUserServer)
	resp, err := h.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// CheckRecipient reports whether the number is registered on the network.
func (h *handle) CheckRecipient(ctx context.Context, recipient string) (bool, error) {
	number := normalizeNumber(recipient)
	if number == "" {
		return false, fmt.Errorf("recipient %q has no digits", recipient)
	}
	resp, err := h.client.IsOnWhatsApp(ctx, []string{"+" + number})
	if err != nil {
		return false, fmt.Errorf("check recipient: %w", err)
	}
	for _, r := range resp {
		if r.IsIn {
			return true, nil
		}
	}
	return false, nil
}

// Logout invalidates the session server-side. The resulting logged-out
// event flows back through Events.
func (h *handle) Logout(ctx context.Context) error {
	return h.client.Logout(ctx)
}

// Close disconnects without logging out. The events channel closes with
// no close event: a superseded handle dies silently.
func (h *handle) Close() {
	h.client.Disconnect()
	h.shutdown(nil)
}

// handleEvent is the whatsmeow event callback.
func (h *handle) handleEvent(raw any) {
	if code, terminal := closeCode(raw); terminal {
		h.shutdown(&conn.Event{Kind: conn.EventClosed, Code: code})
		return
	}
	switch raw.(type) {
	case *events.PairSuccess:
		h.syncCreds()
	case *events.Connected:
		h.syncCreds()
		h.emit(conn.Event{Kind: conn.EventOpen})
	}
}

// closeCode classifies a whatsmeow event as a connection close. Only the
// logged-out event maps to the terminal 401; everything else that kills
// the socket is transient and retried by the controller.
func closeCode(raw any) (int, bool) {
	switch raw.(type) {
	case *events.LoggedOut:
		return conn.CodeLoggedOut, true
	case *events.StreamReplaced:
		return conn.CodeStreamReplaced, true
	case *events.ClientOutdated:
		return conn.CodeBadSession, true
	case *events.Disconnected:
		return conn.CodeConnectionLost, true
	}
	return conn.CodeUnknown, false
}

// pumpQR forwards QR channel items as pairing challenges.
func (h *handle) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			h.emit(conn.Event{Kind: conn.EventPairing, Challenge: item.Code})
		case "success":
			// The Connected event carries the open transition.
		case "timeout":
			h.shutdown(&conn.Event{Kind: conn.EventClosed, Code: conn.CodeConnectionLost})
			return
		default:
			if item.Error != nil {
				h.logger.Warn("QR channel error", zap.Error(item.Error))
				h.shutdown(&conn.Event{Kind: conn.EventClosed, Code: conn.CodeUnknown})
				return
			}
		}
	}
}

// syncCreds folds the device registration into the credential record
// and emits a credentials-changed event carrying a snapshot for
// persistence.
func (h *handle) syncCreds() {
	dev := h.client.Store
	snap := h.ks.UpdateCredentials(func(rec *creds.CredentialRecord) {
		if dev.ID != nil {
			rec.DeviceID = dev.ID.String()
			rec.Registered = true
		}
		rec.Platform = dev.Platform
		if dev.NoiseKey != nil {
			rec.NoiseKey = keyPair(dev.NoiseKey)
		}
		if dev.IdentityKey != nil {
			rec.SignedIdentityKey = keyPair(dev.IdentityKey)
		}
		if dev.SignedPreKey != nil {
			spk := creds.SignedPreKey{
				KeyPair: keyPair(&dev.SignedPreKey.KeyPair),
				KeyID:   dev.SignedPreKey.KeyID,
			}
			if dev.SignedPreKey.Signature != nil {
				spk.Signature = dev.SignedPreKey.Signature[:]
			}
			rec.SignedPreKey = spk
		}
		if dev.RegistrationID != 0 {
			rec.RegistrationID = dev.RegistrationID
		}
		if len(dev.AdvSecretKey) > 0 {
			rec.AdvSecretKey = dev.AdvSecretKey
		}
		if dev.Account != nil {
			if raw, err := proto.Marshal(dev.Account); err == nil {
				rec.DeviceIdentity = raw
			}
		}
	})
	if snap == nil {
		return
	}
	h.emit(conn.Event{Kind: conn.EventCreds, Creds: snap})
}

func keyPair(kp *keys.KeyPair) creds.KeyPair {
	return creds.KeyPair{Public: kp.Pub[:], Private: kp.Priv[:]}
}

// emit delivers one event, blocking when the buffer is full. The
// channel has a dedicated consumer that drains until close, so no event
// is ever dropped; losing a creds event would let a close overtake a
// key rotation that was never persisted.
func (h *handle) emit(evt conn.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		return
	}
	h.events <- evt
}

// shutdown delivers an optional final close event and closes the events
// channel. Idempotent.
func (h *handle) shutdown(final *conn.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		return
	}
	h.dead = true
	if final != nil {
		h.events <- *final
	}
	close(h.events)
}

// normalizeNumber strips everything but digits from a recipient string.
func normalizeNumber(recipient string) string {
	var b strings.Builder
	for _, r := range recipient {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
