package creds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/andrelcm/zapkeeper/internal/codec"
	"github.com/andrelcm/zapkeeper/internal/store"
)

// KeyStore is the narrow surface the connection layer needs for auxiliary
// key records.
type KeyStore interface {
	GetKeys(ctx context.Context, category string, ids []string) (map[string]KeyRecord, error)
	SetKeys(ctx context.Context, updates KeyUpdates) error
}

// Store is the full persistence surface a live connection binds its
// device state to: the auxiliary key records plus root record saves and
// the prefix operations the protocol layer needs for key enumeration
// and address migration.
type Store interface {
	KeyStore
	SaveCredentials(ctx context.Context, rec *CredentialRecord) error
	ListKeys(ctx context.Context, category, idPrefix string) ([]string, error)
	DeleteKeysByPrefix(ctx context.Context, category, idPrefix string) error
}

// KeyRef names one (category, id) pair in an update batch.
type KeyRef struct {
	Category string
	ID       string
}

func (r KeyRef) String() string {
	return r.Category + "/" + r.ID
}

// SetKeysError reports which triples of a SetKeys batch failed. The batch
// is not atomic: every other triple has been applied and callers retry
// only the failed subset.
type SetKeysError struct {
	Failed map[KeyRef]error
}

func (e *SetKeysError) Error() string {
	refs := make([]string, 0, len(e.Failed))
	for ref := range e.Failed {
		refs = append(refs, ref.String())
	}
	sort.Strings(refs)
	return fmt.Sprintf("set keys: %d update(s) failed: %s", len(e.Failed), strings.Join(refs, ", "))
}

func (e *SetKeysError) Unwrap() error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

// Adapter persists one session's credential state in the record store.
// It owns the translation between in-memory records and storage rows;
// row ids are session:<id>:creds for the root and
// session:<id>:<category>:<key> for auxiliary records. The colon
// delimiter is outside the session id charset, so no session's rows can
// shadow another's under prefix operations.
type Adapter struct {
	sessionID string
	records   store.Records
	logger    *zap.Logger
}

// NewAdapter creates an adapter for the given session id.
func NewAdapter(sessionID string, records store.Records, logger *zap.Logger) *Adapter {
	return &Adapter{
		sessionID: sessionID,
		records:   records,
		logger:    logger,
	}
}

// SessionID returns the session this adapter serves.
func (a *Adapter) SessionID() string {
	return a.sessionID
}

func (a *Adapter) rootRowID() string {
	return a.rowPrefix() + "creds"
}

func (a *Adapter) keyRowID(category, id string) string {
	return a.keyPrefix(category) + id
}

func (a *Adapter) keyPrefix(category string) string {
	return a.rowPrefix() + category + ":"
}

func (a *Adapter) rowPrefix() string {
	return "session:" + a.sessionID + ":"
}

// Load reads the root credential record. A missing row yields a fresh
// default record without writing anything; first persistence happens on
// the first SaveCredentials. A corrupt payload is treated the same way so
// the session can recover by re-pairing. A backend failure propagates.
func (a *Adapter) Load(ctx context.Context) (*CredentialRecord, error) {
	data, err := a.records.Get(ctx, a.rootRowID())
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Info("no stored credentials, initializing fresh",
			zap.String("session", a.sessionID))
		return NewCredentialRecord()
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	var rec CredentialRecord
	if err := codec.DecodeInto(data, &rec); err != nil {
		var cerr *codec.CodecError
		if errors.As(err, &cerr) {
			a.logger.Warn("stored credentials are corrupt, re-initializing",
				zap.String("session", a.sessionID), zap.Error(err))
			return NewCredentialRecord()
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return &rec, nil
}

// SaveCredentials encodes and upserts the root record. Called on every
// credential-relevant protocol event; upserts are idempotent so repeated
// saves of the same record are safe.
func (a *Adapter) SaveCredentials(ctx context.Context, rec *CredentialRecord) error {
	data, err := codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	if err := a.records.Put(ctx, a.rootRowID(), data); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// GetKeys fetches the named records of one category. Ids are fetched
// concurrently; absent ids are simply left out of the result, never an
// error. Backend failures for individual ids are aggregated.
func (a *Adapter) GetKeys(ctx context.Context, category string, ids []string) (map[string]KeyRecord, error) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = make(map[string]KeyRecord, len(ids))
		errs   error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			data, err := a.records.Get(ctx, a.keyRowID(category, id))
			if errors.Is(err, store.ErrNotFound) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("get key %s/%s: %w", category, id, err))
				return
			}
			value, err := codec.Decode(data)
			if err != nil {
				// Corrupt key record: treat as absent; the protocol
				// layer regenerates keys it cannot find.
				a.logger.Warn("corrupt key record, treating as absent",
					zap.String("category", category), zap.String("id", id), zap.Error(err))
				return
			}
			if doc, ok := value.(map[string]any); ok {
				result[id] = KeyRecord(doc)
			} else {
				result[id] = KeyRecord{"value": value}
			}
		}(id)
	}
	wg.Wait()
	return result, errs
}

// SetKeys applies an update batch. Each (category, id, value) triple is
// applied independently and concurrently; a nil value deletes the row.
// Partial failure returns a SetKeysError naming the failed triples.
func (a *Adapter) SetKeys(ctx context.Context, updates KeyUpdates) error {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = make(map[KeyRef]error)
	)
	for category, byID := range updates {
		for id, value := range byID {
			wg.Add(1)
			go func(category, id string, value KeyRecord) {
				defer wg.Done()
				err := a.applyKey(ctx, category, id, value)
				if err != nil {
					mu.Lock()
					failed[KeyRef{Category: category, ID: id}] = err
					mu.Unlock()
				}
			}(category, id, value)
		}
	}
	wg.Wait()
	if len(failed) > 0 {
		return &SetKeysError{Failed: failed}
	}
	return nil
}

func (a *Adapter) applyKey(ctx context.Context, category, id string, value KeyRecord) error {
	rowID := a.keyRowID(category, id)
	if value == nil {
		return a.records.Delete(ctx, rowID)
	}
	data, err := codec.Encode(map[string]any(value))
	if err != nil {
		return err
	}
	return a.records.Put(ctx, rowID, data)
}

// ListKeys returns the ids of one category's records, optionally
// narrowed to an id prefix.
func (a *Adapter) ListKeys(ctx context.Context, category, idPrefix string) ([]string, error) {
	pl, ok := a.records.(store.PrefixLister)
	if !ok {
		return nil, fmt.Errorf("list keys %s: backend cannot enumerate by prefix", category)
	}
	prefix := a.keyPrefix(category)
	rows, err := pl.ListPrefix(ctx, prefix+idPrefix)
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", category, err)
	}
	ids := make([]string, 0, len(rows))
	for _, rowID := range rows {
		ids = append(ids, strings.TrimPrefix(rowID, prefix))
	}
	return ids, nil
}

// DeleteKeysByPrefix drops every record of one category whose id starts
// with idPrefix.
func (a *Adapter) DeleteKeysByPrefix(ctx context.Context, category, idPrefix string) error {
	pd, ok := a.records.(store.PrefixDeleter)
	if !ok {
		return fmt.Errorf("delete keys %s: backend cannot delete by prefix", category)
	}
	if _, err := pd.DeletePrefix(ctx, a.keyPrefix(category)+idPrefix); err != nil {
		return fmt.Errorf("delete keys %s: %w", category, err)
	}
	return nil
}

// Wipe removes every row belonging to this session. It is an explicit
// logout-cleanup operation; nothing in the reconnect path calls it.
func (a *Adapter) Wipe(ctx context.Context) (int64, error) {
	if pd, ok := a.records.(store.PrefixDeleter); ok {
		n, err := pd.DeletePrefix(ctx, a.rowPrefix())
		if err != nil {
			return 0, fmt.Errorf("wipe session: %w", err)
		}
		return n, nil
	}
	// Backend cannot enumerate by prefix: at least drop the root record
	// so the next load starts a fresh pairing.
	if err := a.records.Delete(ctx, a.rootRowID()); err != nil {
		return 0, fmt.Errorf("wipe session: %w", err)
	}
	return 1, nil
}
