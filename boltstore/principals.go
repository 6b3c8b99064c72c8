package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"escrowflow/auth"
)

// Principals adapts the store's principals bucket to auth.Repository.
type Principals struct {
	store *Store
	now   func() time.Time
}

func (s *Store) Principals() *Principals {
	return &Principals{store: s, now: time.Now}
}

func (p *Principals) CreatePrincipal(ctx context.Context, params auth.CreatePrincipalParams) (auth.Principal, error) {
	if err := ctx.Err(); err != nil {
		return auth.Principal{}, err
	}
	principal := auth.Principal{
		ID:           params.ID,
		DisplayName:  params.DisplayName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    p.now().UTC(),
	}
	payload, err := json.Marshal(principal)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("boltstore: marshal principal: %w", err)
	}
	err = p.store.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, principalsBucket)
		if err != nil {
			return err
		}
		if b.Get([]byte(params.ID)) != nil {
			return auth.ErrDuplicatePrincipal
		}
		return b.Put([]byte(params.ID), payload)
	})
	if err != nil {
		return auth.Principal{}, err
	}
	return principal, nil
}

func (p *Principals) GetPrincipal(ctx context.Context, id string) (auth.Principal, error) {
	if err := ctx.Err(); err != nil {
		return auth.Principal{}, err
	}
	var principal auth.Principal
	err := p.store.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, principalsBucket)
		if err != nil {
			return err
		}
		payload := b.Get([]byte(id))
		if payload == nil {
			return auth.ErrPrincipalNotFound
		}
		if err := json.Unmarshal(payload, &principal); err != nil {
			return fmt.Errorf("boltstore: unmarshal principal: %w", err)
		}
		return nil
	})
	if err != nil {
		return auth.Principal{}, err
	}
	return principal, nil
}
