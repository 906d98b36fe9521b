package securestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"iap-helper/internal/iap"
)

// SealedStore encrypts values with AES-GCM before handing them to the inner
// store. The account and key are bound as associated data, so a value copied
// to another key fails to open.
type SealedStore struct {
	inner iap.SecureRecordStore
	aead  cipher.AEAD
}

// NewSealedStore wraps inner with a base64-encoded 32-byte key.
func NewSealedStore(inner iap.SecureRecordStore, encodedKey string) (*SealedStore, error) {
	if encodedKey == "" {
		return nil, errors.New("seal key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode seal key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("seal key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SealedStore{inner: inner, aead: aead}, nil
}

func associatedData(account, key string) []byte {
	return []byte(account + "|" + key)
}

func (s *SealedStore) Get(ctx context.Context, account, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, account, key)
	if err != nil || sealed == nil {
		return sealed, err
	}

	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrTampered
	}
	plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], associatedData(account, key))
	if err != nil {
		return nil, ErrTampered
	}
	return plain, nil
}

func (s *SealedStore) Set(ctx context.Context, account, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, value, associatedData(account, key))
	return s.inner.Set(ctx, account, key, sealed)
}

func (s *SealedStore) Delete(ctx context.Context, account, key string) error {
	return s.inner.Delete(ctx, account, key)
}
