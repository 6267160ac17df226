package wa

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/andrelcm/zapkeeper/internal/creds"
	"github.com/andrelcm/zapkeeper/internal/store"
)

// fakeRecords is an in-memory record store.
type fakeRecords struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{rows: make(map[string][]byte)}
}

func (f *fakeRecords) Get(_ context.Context, rowID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.rows[rowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (f *fakeRecords) Put(_ context.Context, rowID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[rowID] = append([]byte(nil), payload...)
	return nil
}

func (f *fakeRecords) Delete(_ context.Context, rowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, rowID)
	return nil
}

func (f *fakeRecords) Exists(_ context.Context, rowID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[rowID]
	return ok, nil
}

func (f *fakeRecords) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id := range f.rows {
		if strings.HasPrefix(id, prefix) {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRecords) ListPrefix(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.rows {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func testKeyStore(t *testing.T) (*keyStore, *creds.Adapter, *fakeRecords) {
	t.Helper()
	f := newFakeRecords()
	adapter := creds.NewAdapter("main-session", f, zap.NewNop())
	rec, err := creds.NewCredentialRecord()
	if err != nil {
		t.Fatal(err)
	}
	return newKeyStore(adapter, rec), adapter, f
}

// The record store, not any local database, must hold the session rows
// the client reads back.
func TestKeyStoreSessionsLiveInRecordStore(t *testing.T) {
	ks, _, f := testKeyStore(t)
	ctx := context.Background()
	sess := []byte{0x05, 0x12, 0x34}

	if err := ks.PutSession(ctx, "5511999999999:1", sess); err != nil {
		t.Fatalf("PutSession() error = %v", err)
	}
	if _, ok := f.rows["session:main-session:session:5511999999999:1"]; !ok {
		t.Fatal("session row missing from the record store")
	}

	got, err := ks.GetSession(ctx, "5511999999999:1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !bytes.Equal(got, sess) {
		t.Errorf("session = %x, want %x", got, sess)
	}
	has, err := ks.HasSession(ctx, "5511999999999:1")
	if err != nil || !has {
		t.Errorf("HasSession() = %v, %v; want true, nil", has, err)
	}

	if err := ks.DeleteSession(ctx, "5511999999999:1"); err != nil {
		t.Fatal(err)
	}
	got, err = ks.GetSession(ctx, "5511999999999:1")
	if err != nil || got != nil {
		t.Errorf("GetSession() after delete = %x, %v; want nil, nil", got, err)
	}
}

func TestKeyStorePreKeyLifecycle(t *testing.T) {
	ks, adapter, _ := testKeyStore(t)
	ctx := context.Background()

	generated, err := ks.GetOrGenPreKeys(ctx, 3)
	if err != nil {
		t.Fatalf("GetOrGenPreKeys() error = %v", err)
	}
	if len(generated) != 3 {
		t.Fatalf("generated %d pre-keys, want 3", len(generated))
	}
	for i, key := range generated {
		if key.KeyID != uint32(i+1) {
			t.Errorf("key %d id = %d, want %d", i, key.KeyID, i+1)
		}
	}

	// Counters must be persisted, not just in memory.
	persisted, err := adapter.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.NextPreKeyID != 4 {
		t.Errorf("persisted next pre-key id = %d, want 4", persisted.NextPreKeyID)
	}

	got, err := ks.GetPreKey(ctx, 2)
	if err != nil {
		t.Fatalf("GetPreKey() error = %v", err)
	}
	if got == nil || !bytes.Equal(got.Priv[:], generated[1].Priv[:]) {
		t.Error("pre-key 2 did not round-trip byte-exact")
	}

	if err := ks.MarkPreKeysAsUploaded(ctx, 3); err != nil {
		t.Fatal(err)
	}
	persisted, err = adapter.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.FirstUnuploadedPreKeyID != 4 {
		t.Errorf("persisted first unuploaded id = %d, want 4", persisted.FirstUnuploadedPreKeyID)
	}

	if err := ks.RemovePreKey(ctx, 2); err != nil {
		t.Fatal(err)
	}
	got, err = ks.GetPreKey(ctx, 2)
	if err != nil || got != nil {
		t.Errorf("GetPreKey() after remove = %v, %v; want nil, nil", got, err)
	}

	// A store rebuilt from the persisted record continues the sequence.
	rebuilt := newKeyStore(adapter, persisted)
	key, err := rebuilt.GenOnePreKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if key.KeyID != 4 {
		t.Errorf("rebuilt store generated id %d, want 4", key.KeyID)
	}
}

func TestKeyStoreIdentityTrust(t *testing.T) {
	ks, _, _ := testKeyStore(t)
	ctx := context.Background()
	var known, other [32]byte
	known[0], other[0] = 1, 2

	trusted, err := ks.IsTrustedIdentity(ctx, "111:1", known)
	if err != nil || !trusted {
		t.Errorf("unknown address trusted = %v, %v; want true, nil", trusted, err)
	}
	if err := ks.PutIdentity(ctx, "111:1", known); err != nil {
		t.Fatal(err)
	}
	trusted, err = ks.IsTrustedIdentity(ctx, "111:1", known)
	if err != nil || !trusted {
		t.Errorf("matching key trusted = %v, %v; want true, nil", trusted, err)
	}
	trusted, err = ks.IsTrustedIdentity(ctx, "111:1", other)
	if err != nil || trusted {
		t.Errorf("changed key trusted = %v, %v; want false, nil", trusted, err)
	}
}

func TestKeyStoreSenderKeyRoundTrip(t *testing.T) {
	ks, _, _ := testKeyStore(t)
	ctx := context.Background()
	sk := []byte{9, 9, 9}

	if err := ks.PutSenderKey(ctx, "group@g.us", "111:1", sk); err != nil {
		t.Fatal(err)
	}
	got, err := ks.GetSenderKey(ctx, "group@g.us", "111:1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, sk) {
		t.Errorf("sender key = %x, want %x", got, sk)
	}
	got, err = ks.GetSenderKey(ctx, "group@g.us", "222:1")
	if err != nil || got != nil {
		t.Errorf("absent sender key = %x, %v; want nil, nil", got, err)
	}
}

func TestKeyStoreLatestAppStateSyncKey(t *testing.T) {
	ks, _, _ := testKeyStore(t)
	ctx := context.Background()

	older := wastore.AppStateSyncKey{Data: []byte{1}, Fingerprint: []byte{0xaa}, Timestamp: 100}
	newer := wastore.AppStateSyncKey{Data: []byte{2}, Fingerprint: []byte{0xbb}, Timestamp: 200}
	if err := ks.PutAppStateSyncKey(ctx, []byte{0x01}, older); err != nil {
		t.Fatal(err)
	}
	if err := ks.PutAppStateSyncKey(ctx, []byte{0x02}, newer); err != nil {
		t.Fatal(err)
	}

	got, err := ks.GetAppStateSyncKey(ctx, []byte{0x01})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !bytes.Equal(got.Data, older.Data) || got.Timestamp != older.Timestamp {
		t.Errorf("sync key = %+v, want %+v", got, older)
	}

	latest, err := ks.GetLatestAppStateSyncKeyID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(latest, []byte{0x02}) {
		t.Errorf("latest sync key id = %x, want 02", latest)
	}
}

func TestKeyStoreAppStateVersionsAndMACs(t *testing.T) {
	ks, _, _ := testKeyStore(t)
	ctx := context.Background()
	var hash [128]byte
	hash[0] = 0x7f

	if err := ks.PutAppStateVersion(ctx, "critical_block", 7, hash); err != nil {
		t.Fatal(err)
	}
	version, gotHash, err := ks.GetAppStateVersion(ctx, "critical_block")
	if err != nil {
		t.Fatal(err)
	}
	if version != 7 || gotHash != hash {
		t.Errorf("version = %d hash[0] = %x, want 7 %x", version, gotHash[0], hash[0])
	}

	macs := []wastore.AppStateMutationMAC{
		{IndexMAC: []byte{1}, ValueMAC: []byte{0x11}},
		{IndexMAC: []byte{2}, ValueMAC: []byte{0x22}},
	}
	if err := ks.PutAppStateMutationMACs(ctx, "critical_block", 7, macs); err != nil {
		t.Fatal(err)
	}
	value, err := ks.GetAppStateMutationMAC(ctx, "critical_block", []byte{2})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(value, []byte{0x22}) {
		t.Errorf("value MAC = %x, want 22", value)
	}

	if err := ks.DeleteAppStateMutationMACs(ctx, "critical_block", [][]byte{{2}}); err != nil {
		t.Fatal(err)
	}
	value, err = ks.GetAppStateMutationMAC(ctx, "critical_block", []byte{2})
	if err != nil || value != nil {
		t.Errorf("deleted MAC = %x, %v; want nil, nil", value, err)
	}

	if err := ks.DeleteAppStateVersion(ctx, "critical_block"); err != nil {
		t.Fatal(err)
	}
	version, _, err = ks.GetAppStateVersion(ctx, "critical_block")
	if err != nil || version != 0 {
		t.Errorf("deleted version = %d, %v; want 0, nil", version, err)
	}
}

func TestKeyStoreMigratePNToLID(t *testing.T) {
	ks, _, _ := testKeyStore(t)
	ctx := context.Background()

	if err := ks.PutSession(ctx, "5511999999999:1", []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := ks.PutSession(ctx, "5511999999999:2", []byte{2}); err != nil {
		t.Fatal(err)
	}
	var ik [32]byte
	ik[0] = 3
	if err := ks.PutIdentity(ctx, "5511999999999:1", ik); err != nil {
		t.Fatal(err)
	}

	pn := types.NewJID("5511999999999", types.DefaultUserServer)
	lid := types.NewJID("123456789012345", types.HiddenUserServer)
	if err := ks.MigratePNToLID(ctx, pn, lid); err != nil {
		t.Fatalf("MigratePNToLID() error = %v", err)
	}

	for _, addr := range []string{"5511999999999:1", "5511999999999:2"} {
		if has, _ := ks.HasSession(ctx, addr); has {
			t.Errorf("session %s survived migration", addr)
		}
	}
	got, err := ks.GetSession(ctx, "123456789012345:2")
	if err != nil || !bytes.Equal(got, []byte{2}) {
		t.Errorf("migrated session = %x, %v; want 02, nil", got, err)
	}
	trusted, err := ks.IsTrustedIdentity(ctx, "123456789012345:1", ik)
	if err != nil || !trusted {
		t.Errorf("migrated identity trusted = %v, %v; want true, nil", trusted, err)
	}
}

// A registered credential record must be enough to rebuild the device
// identity with no local state at all.
func TestApplyCredentialsRebuildsDevice(t *testing.T) {
	rec, err := creds.NewCredentialRecord()
	if err != nil {
		t.Fatal(err)
	}
	rec.DeviceID = "5511999999999:1@s.whatsapp.net"
	rec.Registered = true
	rec.Platform = "smba"
	rec.SignedPreKey.Signature = make([]byte, 64)
	rec.SignedPreKey.Signature[0] = 0x42

	var dev wastore.Device
	if err := applyCredentials(&dev, rec); err != nil {
		t.Fatalf("applyCredentials() error = %v", err)
	}
	if dev.ID == nil || dev.ID.User != "5511999999999" {
		t.Fatalf("device id = %v, want user 5511999999999", dev.ID)
	}
	if dev.RegistrationID != rec.RegistrationID {
		t.Errorf("registration id = %d, want %d", dev.RegistrationID, rec.RegistrationID)
	}
	if !bytes.Equal(dev.NoiseKey.Priv[:], rec.NoiseKey.Private) {
		t.Error("noise key did not survive the rebuild byte-exact")
	}
	if !bytes.Equal(dev.IdentityKey.Pub[:], rec.SignedIdentityKey.Public) {
		t.Error("identity key did not survive the rebuild byte-exact")
	}
	if dev.SignedPreKey == nil || dev.SignedPreKey.Signature == nil || dev.SignedPreKey.Signature[0] != 0x42 {
		t.Error("signed pre-key signature did not survive the rebuild")
	}
	if dev.Platform != "smba" {
		t.Errorf("platform = %q, want smba", dev.Platform)
	}
}

func TestApplyCredentialsRejectsBadDeviceID(t *testing.T) {
	rec, err := creds.NewCredentialRecord()
	if err != nil {
		t.Fatal(err)
	}
	rec.DeviceID = "not a jid"

	var dev wastore.Device
	if err := applyCredentials(&dev, rec); err == nil {
		t.Fatal("applyCredentials() should reject an unparseable device id")
	}
}
