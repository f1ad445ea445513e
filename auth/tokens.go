package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mnehpets/tunequiz/seal"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// DefaultRefreshBuffer is how long before expiry a token stops being
// considered usable.
const DefaultRefreshBuffer = 5 * time.Minute

// ErrNoTokens is returned by TokenStore.Load when no usable record is stored.
var ErrNoTokens = errors.New("auth: no tokens stored")

// TokenRecord is the canonical token shape held by the TokenStore.
//
// ExpiresAtEpochMs is always computed by TokenStore.Save from ExpiresInSeconds;
// a value supplied by the caller is ignored.
type TokenRecord struct {
	AccessToken      string `cbor:"1,keyasint,omitempty" json:"access_token"`
	RefreshToken     string `cbor:"2,keyasint,omitempty" json:"refresh_token,omitempty"`
	TokenType        string `cbor:"3,keyasint,omitempty" json:"token_type"`
	GrantedScope     string `cbor:"4,keyasint,omitempty" json:"scope,omitempty"`
	ExpiresInSeconds int64  `cbor:"5,keyasint,omitempty" json:"expires_in"`
	ExpiresAtEpochMs int64  `cbor:"6,keyasint,omitempty" json:"expires_at_ms"`
}

// ExpiresAt returns the absolute expiry time.
func (r *TokenRecord) ExpiresAt() time.Time {
	return time.UnixMilli(r.ExpiresAtEpochMs)
}

// OAuth2 converts the record for use with golang.org/x/oauth2.
func (r *TokenRecord) OAuth2() *oauth2.Token {
	t := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    r.ExpiresInSeconds,
	}
	if r.ExpiresAtEpochMs != 0 {
		t.Expiry = r.ExpiresAt()
	}
	return t
}

// Storage persists one encoded token record. Read returns ErrNoTokens when
// nothing is stored; Delete of a missing record is not an error.
type Storage interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Delete(ctx context.Context) error
}

// RecordCodec converts records to and from their stored form.
type RecordCodec interface {
	Encode(rec *TokenRecord) ([]byte, error)
	Decode(data []byte, rec *TokenRecord) error
}

// CBORCodec stores records as plain CBOR.
type CBORCodec struct{}

func (CBORCodec) Encode(rec *TokenRecord) ([]byte, error) {
	return cbor.Marshal(rec)
}

func (CBORCodec) Decode(data []byte, rec *TokenRecord) error {
	return cbor.Unmarshal(data, rec)
}

// SealedCodec stores records as CBOR sealed with a seal.Codec. AAD binds the
// sealed value to a context, typically the storage location.
type SealedCodec struct {
	Codec *seal.Codec
	AAD   []byte
}

func (c SealedCodec) Encode(rec *TokenRecord) ([]byte, error) {
	s, err := c.Codec.SealValue(rec, c.AAD)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (c SealedCodec) Decode(data []byte, rec *TokenRecord) error {
	return c.Codec.OpenValue(string(data), c.AAD, rec)
}

// TokenStore owns the persisted TokenRecord.
type TokenStore struct {
	storage Storage
	codec   RecordCodec
	now     func() time.Time
	log     logrus.FieldLogger
}

// TokenStoreOption configures a TokenStore.
type TokenStoreOption func(*TokenStore)

// WithCodec sets the record codec. Defaults to CBORCodec.
func WithCodec(c RecordCodec) TokenStoreOption {
	return func(s *TokenStore) {
		s.codec = c
	}
}

// WithClock overrides the time source used to stamp and check expiry.
func WithClock(now func() time.Time) TokenStoreOption {
	return func(s *TokenStore) {
		s.now = now
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l logrus.FieldLogger) TokenStoreOption {
	return func(s *TokenStore) {
		s.log = l
	}
}

// NewTokenStore creates a TokenStore over storage. A nil storage means an
// in-memory store.
func NewTokenStore(storage Storage, opts ...TokenStoreOption) *TokenStore {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	s := &TokenStore{
		storage: storage,
		codec:   CBORCodec{},
		now:     time.Now,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save stamps rec.ExpiresAtEpochMs and replaces the stored record. rec is
// updated in place so callers see the stamped value.
func (s *TokenStore) Save(ctx context.Context, rec *TokenRecord) error {
	if rec == nil || rec.AccessToken == "" {
		return errors.New("auth: refusing to save empty token record")
	}
	if rec.TokenType == "" {
		rec.TokenType = "Bearer"
	}
	rec.ExpiresAtEpochMs = s.now().UnixMilli() + rec.ExpiresInSeconds*1000
	data, err := s.codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("auth: encode token record: %w", err)
	}
	if err := s.storage.Write(ctx, data); err != nil {
		return fmt.Errorf("auth: write token record: %w", err)
	}
	return nil
}

// Load returns the stored record, or ErrNoTokens. A record that cannot be
// decoded is deleted and reported as ErrNoTokens.
func (s *TokenStore) Load(ctx context.Context) (*TokenRecord, error) {
	data, err := s.storage.Read(ctx)
	if err != nil {
		return nil, err
	}
	var rec TokenRecord
	if err := s.codec.Decode(data, &rec); err != nil || rec.AccessToken == "" {
		s.log.WithError(err).Warn("discarding unreadable token record")
		if delErr := s.storage.Delete(ctx); delErr != nil {
			return nil, fmt.Errorf("auth: purge corrupt token record: %w", delErr)
		}
		return nil, ErrNoTokens
	}
	return &rec, nil
}

// Clear removes the stored record. It is a no-op when nothing is stored.
func (s *TokenStore) Clear(ctx context.Context) error {
	return s.storage.Delete(ctx)
}

// IsExpired reports whether there is no record or now >= expiresAt - buffer.
func (s *TokenStore) IsExpired(ctx context.Context, buffer time.Duration) bool {
	rec, err := s.Load(ctx)
	if err != nil {
		return true
	}
	return s.expired(rec, buffer)
}

func (s *TokenStore) expired(rec *TokenRecord, buffer time.Duration) bool {
	return s.now().UnixMilli() >= rec.ExpiresAtEpochMs-buffer.Milliseconds()
}

// AccessToken returns the stored access token without checking expiry.
func (s *TokenStore) AccessToken(ctx context.Context) (string, bool) {
	rec, err := s.Load(ctx)
	if err != nil {
		return "", false
	}
	return rec.AccessToken, true
}

// MemoryStorage keeps the encoded record in memory.
type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Read(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrNoTokens
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryStorage) Write(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

var _ Storage = (*MemoryStorage)(nil)
