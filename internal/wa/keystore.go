package wa

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"

	"github.com/andrelcm/zapkeeper/internal/codec"
	"github.com/andrelcm/zapkeeper/internal/creds"
)

// Key record categories. One category per kind of protocol secret; the
// record id within a category is the protocol's own name for the secret
// (signal address, pre-key id, sync key id).
const (
	catIdentity    = "identity-key"
	catSession     = "session"
	catPreKey      = "pre-key"
	catSenderKey   = "sender-key"
	catAppStateKey = "app-state-sync-key"
	catAppStateVer = "app-state-version"
	catAppStateMAC = "app-state-mac"
)

// keyStore plugs the credential store into the client's device state.
// Every signal secret the client reads or writes goes through the
// record store, so a session survives with nothing but its rows: the
// local device database is only a cache of non-cryptographic state.
//
// keyStore also owns the in-memory root record for the connection's
// lifetime; pre-key counters live there and every counter change is
// saved synchronously.
type keyStore struct {
	store creds.Store

	mu  sync.Mutex
	rec *creds.CredentialRecord
}

var (
	_ wastore.IdentityStore        = (*keyStore)(nil)
	_ wastore.SessionStore         = (*keyStore)(nil)
	_ wastore.PreKeyStore          = (*keyStore)(nil)
	_ wastore.SenderKeyStore       = (*keyStore)(nil)
	_ wastore.AppStateSyncKeyStore = (*keyStore)(nil)
	_ wastore.AppStateStore        = (*keyStore)(nil)
)

func newKeyStore(store creds.Store, rec *creds.CredentialRecord) *keyStore {
	return &keyStore{store: store, rec: rec}
}

// UpdateCredentials applies fn to the root record under the store lock
// and returns a copy safe to hand to other goroutines. Returns nil when
// no record was loaded.
func (ks *keyStore) UpdateCredentials(fn func(*creds.CredentialRecord)) *creds.CredentialRecord {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.rec == nil {
		return nil
	}
	fn(ks.rec)
	snap := *ks.rec
	return &snap
}

func (ks *keyStore) getKey(ctx context.Context, category, id string) (creds.KeyRecord, error) {
	recs, err := ks.store.GetKeys(ctx, category, []string{id})
	if err != nil {
		return nil, err
	}
	return recs[id], nil
}

func (ks *keyStore) setKey(ctx context.Context, category, id string, rec creds.KeyRecord) error {
	return ks.store.SetKeys(ctx, creds.KeyUpdates{category: {id: rec}})
}

// recBytes reads a binary leaf out of a decoded key record.
func recBytes(v any) []byte {
	switch b := v.(type) {
	case codec.Binary:
		return []byte(b)
	case []byte:
		return b
	}
	return nil
}

// recInt64 reads a numeric leaf; decoded JSON numbers arrive as float64.
func recInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}

// --- identity keys ---

func (ks *keyStore) PutIdentity(ctx context.Context, address string, key [32]byte) error {
	return ks.setKey(ctx, catIdentity, address, creds.KeyRecord{"public": key[:]})
}

func (ks *keyStore) DeleteIdentity(ctx context.Context, address string) error {
	return ks.setKey(ctx, catIdentity, address, nil)
}

func (ks *keyStore) DeleteAllIdentities(ctx context.Context, phone string) error {
	return ks.store.DeleteKeysByPrefix(ctx, catIdentity, phone+":")
}

// IsTrustedIdentity trusts an address on first use and thereafter only
// the stored key.
func (ks *keyStore) IsTrustedIdentity(ctx context.Context, address string, key [32]byte) (bool, error) {
	rec, err := ks.getKey(ctx, catIdentity, address)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, nil
	}
	return bytes.Equal(recBytes(rec["public"]), key[:]), nil
}

// --- signal sessions ---

func (ks *keyStore) GetSession(ctx context.Context, address string) ([]byte, error) {
	rec, err := ks.getKey(ctx, catSession, address)
	if err != nil || rec == nil {
		return nil, err
	}
	return recBytes(rec["record"]), nil
}

func (ks *keyStore) HasSession(ctx context.Context, address string) (bool, error) {
	rec, err := ks.getKey(ctx, catSession, address)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// GetManySessions fetches a batch of session records in one store
// round-trip; addresses without a stored session map to nil.
func (ks *keyStore) GetManySessions(ctx context.Context, addresses []string) (map[string][]byte, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	recs, err := ks.store.GetKeys(ctx, catSession, addresses)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(addresses))
	for _, address := range addresses {
		if rec := recs[address]; rec != nil {
			out[address] = recBytes(rec["record"])
		} else {
			out[address] = nil
		}
	}
	return out, nil
}

func (ks *keyStore) PutSession(ctx context.Context, address string, session []byte) error {
	return ks.setKey(ctx, catSession, address, creds.KeyRecord{"record": session})
}

// PutManySessions writes a batch of session records in one store
// round-trip.
func (ks *keyStore) PutManySessions(ctx context.Context, sessions map[string][]byte) error {
	if len(sessions) == 0 {
		return nil
	}
	updates := make(map[string]creds.KeyRecord, len(sessions))
	for address, session := range sessions {
		updates[address] = creds.KeyRecord{"record": session}
	}
	return ks.store.SetKeys(ctx, creds.KeyUpdates{catSession: updates})
}

func (ks *keyStore) DeleteSession(ctx context.Context, address string) error {
	return ks.setKey(ctx, catSession, address, nil)
}

func (ks *keyStore) DeleteAllSessions(ctx context.Context, phone string) error {
	return ks.store.DeleteKeysByPrefix(ctx, catSession, phone+":")
}

// MigratePNToLID renames session and identity records from the phone
// number user to the lid user, keeping device suffixes intact.
func (ks *keyStore) MigratePNToLID(ctx context.Context, pn, lid types.JID) error {
	for _, category := range []string{catSession, catIdentity} {
		if err := ks.renameKeys(ctx, category, pn.User, lid.User); err != nil {
			return fmt.Errorf("migrate %s records: %w", category, err)
		}
	}
	return nil
}

func (ks *keyStore) renameKeys(ctx context.Context, category, oldUser, newUser string) error {
	ids, err := ks.store.ListKeys(ctx, category, oldUser+":")
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := ks.getKey(ctx, category, id)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		newID := newUser + strings.TrimPrefix(id, oldUser)
		err = ks.store.SetKeys(ctx, creds.KeyUpdates{category: {newID: rec, id: nil}})
		if err != nil {
			return err
		}
	}
	return nil
}

// --- pre-keys ---

func preKeyID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func (ks *keyStore) GetOrGenPreKeys(ctx context.Context, count uint32) ([]*keys.PreKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.rec == nil {
		return nil, fmt.Errorf("pre-keys: no credential record loaded")
	}
	out := make([]*keys.PreKey, 0, count)
	for id := ks.rec.FirstUnuploadedPreKeyID; id < ks.rec.NextPreKeyID && uint32(len(out)) < count; id++ {
		key, err := ks.loadPreKey(ctx, id)
		if err != nil {
			return nil, err
		}
		if key != nil {
			out = append(out, key)
		}
	}
	for uint32(len(out)) < count {
		key, err := ks.genPreKeyLocked(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

func (ks *keyStore) GenOnePreKey(ctx context.Context) (*keys.PreKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.rec == nil {
		return nil, fmt.Errorf("pre-keys: no credential record loaded")
	}
	return ks.genPreKeyLocked(ctx)
}

// genPreKeyLocked mints the next pre-key, stores it, and advances the
// persisted counter. Callers hold ks.mu.
func (ks *keyStore) genPreKeyLocked(ctx context.Context) (*keys.PreKey, error) {
	key := keys.NewPreKey(ks.rec.NextPreKeyID)
	err := ks.setKey(ctx, catPreKey, preKeyID(key.KeyID), creds.KeyRecord{
		"private": key.Priv[:],
		"public":  key.Pub[:],
	})
	if err != nil {
		return nil, err
	}
	ks.rec.NextPreKeyID++
	snap := *ks.rec
	if err := ks.store.SaveCredentials(ctx, &snap); err != nil {
		return nil, err
	}
	return key, nil
}

func (ks *keyStore) GetPreKey(ctx context.Context, id uint32) (*keys.PreKey, error) {
	return ks.loadPreKey(ctx, id)
}

func (ks *keyStore) loadPreKey(ctx context.Context, id uint32) (*keys.PreKey, error) {
	rec, err := ks.getKey(ctx, catPreKey, preKeyID(id))
	if err != nil || rec == nil {
		return nil, err
	}
	key := &keys.PreKey{KeyID: id}
	key.KeyPair = *toDeviceKeyPair(creds.KeyPair{
		Public:  recBytes(rec["public"]),
		Private: recBytes(rec["private"]),
	})
	return key, nil
}

func (ks *keyStore) RemovePreKey(ctx context.Context, id uint32) error {
	return ks.setKey(ctx, catPreKey, preKeyID(id), nil)
}

func (ks *keyStore) MarkPreKeysAsUploaded(ctx context.Context, upToID uint32) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.rec == nil {
		return fmt.Errorf("pre-keys: no credential record loaded")
	}
	if upToID >= ks.rec.FirstUnuploadedPreKeyID {
		ks.rec.FirstUnuploadedPreKeyID = upToID + 1
	}
	snap := *ks.rec
	return ks.store.SaveCredentials(ctx, &snap)
}

func (ks *keyStore) UploadedPreKeyCount(ctx context.Context) (int, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.rec == nil {
		return 0, nil
	}
	return int(ks.rec.FirstUnuploadedPreKeyID) - 1, nil
}

// --- sender keys ---

func senderKeyID(group, user string) string {
	return group + "|" + user
}

func (ks *keyStore) PutSenderKey(ctx context.Context, group, user string, session []byte) error {
	return ks.setKey(ctx, catSenderKey, senderKeyID(group, user), creds.KeyRecord{"record": session})
}

func (ks *keyStore) GetSenderKey(ctx context.Context, group, user string) ([]byte, error) {
	rec, err := ks.getKey(ctx, catSenderKey, senderKeyID(group, user))
	if err != nil || rec == nil {
		return nil, err
	}
	return recBytes(rec["record"]), nil
}

func (ks *keyStore) DeleteAllSenderKeys(ctx context.Context, phone string) error {
	ids, err := ks.store.ListKeys(ctx, catSenderKey, "")
	if err != nil {
		return err
	}
	dels := make(map[string]creds.KeyRecord)
	for _, id := range ids {
		if strings.Contains(id, "|"+phone+":") || strings.HasSuffix(id, "|"+phone) {
			dels[id] = nil
		}
	}
	if len(dels) == 0 {
		return nil
	}
	return ks.store.SetKeys(ctx, creds.KeyUpdates{catSenderKey: dels})
}

// --- app state sync keys ---

func syncKeyID(id []byte) string {
	return base64.RawStdEncoding.EncodeToString(id)
}

func (ks *keyStore) PutAppStateSyncKey(ctx context.Context, id []byte, key wastore.AppStateSyncKey) error {
	return ks.setKey(ctx, catAppStateKey, syncKeyID(id), creds.KeyRecord{
		"keyData":     key.Data,
		"fingerprint": key.Fingerprint,
		"timestamp":   key.Timestamp,
	})
}

func (ks *keyStore) GetAppStateSyncKey(ctx context.Context, id []byte) (*wastore.AppStateSyncKey, error) {
	rec, err := ks.getKey(ctx, catAppStateKey, syncKeyID(id))
	if err != nil || rec == nil {
		return nil, err
	}
	return &wastore.AppStateSyncKey{
		Data:        recBytes(rec["keyData"]),
		Fingerprint: recBytes(rec["fingerprint"]),
		Timestamp:   recInt64(rec["timestamp"]),
	}, nil
}

// GetAllAppStateSyncKeys returns every stored sync key.
func (ks *keyStore) GetAllAppStateSyncKeys(ctx context.Context) ([]*wastore.AppStateSyncKey, error) {
	ids, err := ks.store.ListKeys(ctx, catAppStateKey, "")
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := ks.store.GetKeys(ctx, catAppStateKey, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*wastore.AppStateSyncKey, 0, len(recs))
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		out = append(out, &wastore.AppStateSyncKey{
			Data:        recBytes(rec["keyData"]),
			Fingerprint: recBytes(rec["fingerprint"]),
			Timestamp:   recInt64(rec["timestamp"]),
		})
	}
	return out, nil
}

// GetLatestAppStateSyncKeyID returns the id of the newest sync key by
// its server timestamp, or nil when none are stored.
func (ks *keyStore) GetLatestAppStateSyncKeyID(ctx context.Context) ([]byte, error) {
	ids, err := ks.store.ListKeys(ctx, catAppStateKey, "")
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := ks.store.GetKeys(ctx, catAppStateKey, ids)
	if err != nil {
		return nil, err
	}
	var (
		latest   string
		latestTS int64 = -1
	)
	for id, rec := range recs {
		if ts := recInt64(rec["timestamp"]); ts > latestTS {
			latest, latestTS = id, ts
		}
	}
	if latestTS < 0 {
		return nil, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(latest)
	if err != nil {
		return nil, fmt.Errorf("latest sync key id %q: %w", latest, err)
	}
	return raw, nil
}

// --- app state versions and mutation MACs ---

func macKeyID(name string, indexMAC []byte) string {
	return name + ":" + base64.RawStdEncoding.EncodeToString(indexMAC)
}

func (ks *keyStore) PutAppStateVersion(ctx context.Context, name string, version uint64, hash [128]byte) error {
	return ks.setKey(ctx, catAppStateVer, name, creds.KeyRecord{
		"version": version,
		"hash":    hash[:],
	})
}

func (ks *keyStore) GetAppStateVersion(ctx context.Context, name string) (uint64, [128]byte, error) {
	var hash [128]byte
	rec, err := ks.getKey(ctx, catAppStateVer, name)
	if err != nil || rec == nil {
		return 0, hash, err
	}
	copy(hash[:], recBytes(rec["hash"]))
	return uint64(recInt64(rec["version"])), hash, nil
}

func (ks *keyStore) DeleteAppStateVersion(ctx context.Context, name string) error {
	return ks.setKey(ctx, catAppStateVer, name, nil)
}

func (ks *keyStore) PutAppStateMutationMACs(ctx context.Context, name string, version uint64, mutations []wastore.AppStateMutationMAC) error {
	if len(mutations) == 0 {
		return nil
	}
	updates := make(map[string]creds.KeyRecord, len(mutations))
	for _, m := range mutations {
		updates[macKeyID(name, m.IndexMAC)] = creds.KeyRecord{
			"version":  version,
			"valueMac": m.ValueMAC,
		}
	}
	return ks.store.SetKeys(ctx, creds.KeyUpdates{catAppStateMAC: updates})
}

func (ks *keyStore) GetAppStateMutationMAC(ctx context.Context, name string, indexMAC []byte) ([]byte, error) {
	rec, err := ks.getKey(ctx, catAppStateMAC, macKeyID(name, indexMAC))
	if err != nil || rec == nil {
		return nil, err
	}
	return recBytes(rec["valueMac"]), nil
}

func (ks *keyStore) DeleteAppStateMutationMACs(ctx context.Context, name string, indexMACs [][]byte) error {
	if len(indexMACs) == 0 {
		return nil
	}
	dels := make(map[string]creds.KeyRecord, len(indexMACs))
	for _, mac := range indexMACs {
		dels[macKeyID(name, mac)] = nil
	}
	return ks.store.SetKeys(ctx, creds.KeyUpdates{catAppStateMAC: dels})
}

// toDeviceKeyPair converts a stored key pair into the client's
// fixed-size representation.
func toDeviceKeyPair(kp creds.KeyPair) *keys.KeyPair {
	out := &keys.KeyPair{Pub: &[32]byte{}, Priv: &[32]byte{}}
	copy(out.Pub[:], kp.Public)
	copy(out.Priv[:], kp.Private)
	return out
}
