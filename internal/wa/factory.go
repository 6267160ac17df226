// Package wa implements the conn.Factory boundary on top of whatsmeow.
// The wire protocol (handshake, encryption, multi-device sync) stays
// whatsmeow's business, but its persistence does not: the device's
// signal key material is bound to the credential store through the
// client's pluggable device store interfaces, and the device identity
// is restorable from the root credential record alone. The local device
// database only caches non-cryptographic state.
package wa

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waAdv"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/andrelcm/zapkeeper/internal/conn"
	"github.com/andrelcm/zapkeeper/internal/creds"

	_ "github.com/mattn/go-sqlite3"
)

var osInfoOnce sync.Once

// Factory dials whatsmeow connections. dbPath holds the local cache
// database; all key material goes through the credential store handed
// over on dial.
type Factory struct {
	dbPath string
	logger *zap.Logger
}

// NewFactory creates a factory for the given device database path.
func NewFactory(dbPath string, logger *zap.Logger) *Factory {
	return &Factory{dbPath: dbPath, logger: logger}
}

// Dial builds a client, wires its events into a handle, and connects.
// When the device is not yet paired the QR channel feeds pairing events.
func (f *Factory) Dial(ctx context.Context, state conn.AuthState) (conn.Handle, error) {
	// Device name shown on the phone's linked devices list.
	osInfoOnce.Do(func() {
		wastore.SetOSInfo("zapkeeper", [3]uint32{0, 1, 0})
	})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", f.dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	if deviceStore.ID == nil && state.Creds != nil && state.Creds.Registered {
		// Local cache is gone but the credential store still holds the
		// session: rebuild the device identity from the root record.
		if err := applyCredentials(deviceStore, state.Creds); err != nil {
			return nil, fmt.Errorf("restore device identity: %w", err)
		}
		if err := deviceStore.Save(ctx); err != nil {
			return nil, fmt.Errorf("restore device identity: %w", err)
		}
		f.logger.Info("restored device identity from credential store",
			zap.String("device", state.Creds.DeviceID))
	}

	ks := newKeyStore(state.Store, state.Creds)
	deviceStore.Identities = ks
	deviceStore.Sessions = ks
	deviceStore.PreKeys = ks
	deviceStore.SenderKeys = ks
	deviceStore.AppStateKeys = ks
	deviceStore.AppState = ks

	client := whatsmeow.NewClient(deviceStore, nil)
	// Reconnection belongs to the lifecycle controller, not the library.
	client.EnableAutoReconnect = false

	h := &handle{
		client: client,
		ks:     ks,
		events: make(chan conn.Event, 32),
		logger: f.logger,
	}
	client.AddEventHandler(h.handleEvent)

	if client.Store.ID == nil {
		// Not paired yet: the QR channel must be opened before Connect.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("get QR channel: %w", err)
		}
		go h.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return h, nil
}

// applyCredentials maps a registered root record back onto a fresh
// device, inverting the sync the handle performs on pairing.
func applyCredentials(dev *wastore.Device, rec *creds.CredentialRecord) error {
	jid, err := types.ParseJID(rec.DeviceID)
	if err != nil {
		return fmt.Errorf("stored device id %q: %w", rec.DeviceID, err)
	}
	if jid.User == "" {
		return fmt.Errorf("stored device id %q: missing user part", rec.DeviceID)
	}
	dev.ID = &jid
	dev.RegistrationID = rec.RegistrationID
	dev.AdvSecretKey = rec.AdvSecretKey
	dev.Platform = rec.Platform
	dev.NoiseKey = toDeviceKeyPair(rec.NoiseKey)
	dev.IdentityKey = toDeviceKeyPair(rec.SignedIdentityKey)
	spk := &keys.PreKey{
		KeyPair: *toDeviceKeyPair(rec.SignedPreKey.KeyPair),
		KeyID:   rec.SignedPreKey.KeyID,
	}
	if len(rec.SignedPreKey.Signature) == 64 {
		var sig [64]byte
		copy(sig[:], rec.SignedPreKey.Signature)
		spk.Signature = &sig
	}
	dev.SignedPreKey = spk
	if len(rec.DeviceIdentity) > 0 {
		var account waAdv.ADVSignedDeviceIdentity
		if err := proto.Unmarshal(rec.DeviceIdentity, &account); err != nil {
			return fmt.Errorf("stored device identity: %w", err)
		}
		dev.Account = &account
	}
	return nil
}
