package sql

import (
	"context"
	"sort"
	"sync"
	"time"
)

// NewMemoryStore returns an in-memory Store, the relational-store analogue
// of dex's storage/memory package, used in tests and for the
// conformance-test idiom dex's storage/conformance package establishes.
func NewMemoryStore() Store {
	return &memStore{
		byKey:      make(map[string]TokenInfo),
		byIdentity: make(map[string]string),
		admins:     make(map[string]bool),
	}
}

type memStore struct {
	mu         sync.Mutex
	byKey      map[string]TokenInfo
	byIdentity map[string]string // identity key -> token key
	history    []HistoryEntry
	historySeq int64
	admins     map[string]bool
}

func (s *memStore) Close() error { return nil }

func (s *memStore) CreateTokenInfo(_ context.Context, info TokenInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[info.TokenKey] = info
	if info.IdentityKey != nil {
		s.byIdentity[*info.IdentityKey] = info.TokenKey
	}
	return nil
}

func (s *memStore) CreateDerivedIfAbsent(_ context.Context, info TokenInfo) (bool, TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info.IdentityKey == nil {
		return false, TokenInfo{}, errIdentityRequired
	}
	if existingKey, ok := s.byIdentity[*info.IdentityKey]; ok {
		return false, s.byKey[existingKey], nil
	}
	s.byKey[info.TokenKey] = info
	s.byIdentity[*info.IdentityKey] = info.TokenKey
	return true, info, nil
}

func (s *memStore) GetTokenInfo(_ context.Context, key string) (TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.byKey[key]
	if !ok {
		return TokenInfo{}, ErrNotFound
	}
	return info, nil
}

func (s *memStore) FindByIdentity(_ context.Context, identityKey string) (TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byIdentity[identityKey]
	if !ok {
		return TokenInfo{}, ErrNotFound
	}
	return s.byKey[key], nil
}

func (s *memStore) ListTokenInfo(_ context.Context, username string) ([]TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TokenInfo
	for _, info := range s.byKey {
		if info.Username == username {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (s *memStore) ListChildren(_ context.Context, parentKey string) ([]TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TokenInfo
	for _, info := range s.byKey {
		if info.ParentKey != nil && *info.ParentKey == parentKey {
			out = append(out, info)
		}
	}
	return out, nil
}

func (s *memStore) AllTokenKeys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) UpdateTokenInfo(_ context.Context, key string, updater func(TokenInfo) (TokenInfo, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.byKey[key]
	if !ok {
		return ErrNotFound
	}
	updated, err := updater(info)
	if err != nil {
		return err
	}
	s.byKey[key] = updated
	return nil
}

func (s *memStore) DeleteTokenInfo(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.byKey[key]
	if ok && info.IdentityKey != nil {
		delete(s.byIdentity, *info.IdentityKey)
	}
	delete(s.byKey, key)
	return nil
}

func (s *memStore) DeleteChildren(_ context.Context, parentKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, info := range s.byKey {
		if info.ParentKey != nil && *info.ParentKey == parentKey {
			if info.IdentityKey != nil {
				delete(s.byIdentity, *info.IdentityKey)
			}
			delete(s.byKey, k)
		}
	}
	return nil
}

func (s *memStore) InsertHistory(_ context.Context, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historySeq++
	entry.ID = s.historySeq
	s.history = append(s.history, entry)
	return nil
}

func (s *memStore) ListHistory(_ context.Context, tokenKey string) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryEntry
	for _, h := range s.history {
		if h.TokenKey == tokenKey {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *memStore) ExpireHistory(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []HistoryEntry
	var removed int64
	for _, h := range s.history {
		if h.EventTime.Before(before) {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	s.history = kept
	return removed, nil
}

func (s *memStore) ListAdmins(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for u := range s.admins {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) IsAdmin(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admins[username], nil
}

func (s *memStore) AddAdmin(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[username] = true
	return nil
}

func (s *memStore) RemoveAdmin(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.admins, username)
	return nil
}

func (s *memStore) BootstrapAdmins(_ context.Context, usernames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.admins) > 0 {
		return nil
	}
	for _, u := range usernames {
		s.admins[u] = true
	}
	return nil
}

func (s *memStore) ExpireTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for k, info := range s.byKey {
		if info.Expires != nil && info.Expires.Before(now) {
			if info.IdentityKey != nil {
				delete(s.byIdentity, *info.IdentityKey)
			}
			delete(s.byKey, k)
			removed++
		}
	}
	return removed, nil
}
