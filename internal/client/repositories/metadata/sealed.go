package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/cryptox"
)

// SealedRepository encrypts values before handing them to the wrapped
// Repository. A stored value that does not decrypt, e.g. because the key
// file was replaced, is deleted and reported as absent.
type SealedRepository struct {
	inner Repository
	key   []byte
}

func NewSealedRepository(inner Repository, key []byte) (*SealedRepository, error) {
	if len(key) != cryptox.KeySize {
		return nil, cryptox.ErrKeySize
	}
	return &SealedRepository{inner: inner, key: append([]byte(nil), key...)}, nil
}

func (r *SealedRepository) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := r.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	value, err := cryptox.Open(sealed, r.key)
	if errors.Is(err, cryptox.ErrMalformed) {
		if derr := r.inner.Delete(ctx, key); derr != nil {
			return nil, fmt.Errorf("drop unreadable %q: %w", key, derr)
		}
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", key, err)
	}
	return value, nil
}

// Set seals value and wipes the caller's plaintext.
func (r *SealedRepository) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := cryptox.Seal(value, r.key)
	common.WipeByteArray(value)
	if err != nil {
		return fmt.Errorf("seal %q: %w", key, err)
	}
	return r.inner.Set(ctx, key, sealed)
}

func (r *SealedRepository) Delete(ctx context.Context, key string) error {
	return r.inner.Delete(ctx, key)
}
