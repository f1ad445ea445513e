package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mnehpets/tunequiz/auth"
	"github.com/mnehpets/tunequiz/config"
	"github.com/mnehpets/tunequiz/seal"
	log "github.com/sirupsen/logrus"
)

func newTokenStore(sc config.StoreConfig, l log.FieldLogger) (*auth.TokenStore, error) {
	switch sc.Type {
	case config.StoreMemory:
		return auth.NewTokenStore(nil, auth.WithStoreLogger(l)), nil
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		db, err := auth.OpenSQLite(sc.Path)
		if err != nil {
			return nil, err
		}
		storage, err := auth.NewSQLStorage(db, sc.Profile)
		if err != nil {
			return nil, err
		}
		return auth.NewTokenStore(storage, auth.WithStoreLogger(l)), nil
	case config.StoreFile:
		key, err := sealingKey(sc)
		if err != nil {
			return nil, err
		}
		codec, err := seal.New(sc.KeyID, map[string][]byte{sc.KeyID: key})
		if err != nil {
			return nil, err
		}
		return auth.NewTokenStore(auth.NewFileStorage(sc.Path),
			auth.WithCodec(auth.SealedCodec{Codec: codec, AAD: []byte(sc.Path)}),
			auth.WithStoreLogger(l),
		), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", sc.Type)
	}
}

// sealingKey returns the configured key, or the one in the key file next to
// the token file, creating it on first use.
func sealingKey(sc config.StoreConfig) ([]byte, error) {
	if sc.Key != "" {
		return seal.DecodeKey(sc.Key)
	}
	keyPath := sc.Path + ".key"
	data, err := os.ReadFile(keyPath)
	if err == nil {
		return seal.DecodeKey(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err := seal.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create key file: %w", err)
	}
	_, werr := f.WriteString(base64.RawURLEncoding.EncodeToString(key) + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, fmt.Errorf("write key file: %w", werr)
	}
	return key, nil
}
