// Package auth verifies that an identity is permitted to connect. Credential
// hashes live in the users relation; everything else about account management
// is outside the delivery core.
package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/beeline-chat/beeline/internal/store"
)

// Sentinels for the authentication taxonomy. Both leave the connection open
// and mutate no state.
var (
	// ErrInvalidCredentials indicates the supplied password does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnidentified indicates no identity was supplied.
	ErrUnidentified = errors.New("no identity supplied")
)

// Authenticator checks an identity/credential pair.
type Authenticator interface {
	Verify(ctx context.Context, username, password string) error
}

// StoreAuthenticator verifies bcrypt hashes against the store. With open
// registration enabled, the first successful login for an unknown username
// provisions the account.
type StoreAuthenticator struct {
	store            store.Store
	openRegistration bool
	cost             int
}

// Options tunes the authenticator.
type Options struct {
	OpenRegistration bool
	BcryptCost       int
}

// New builds a store-backed authenticator.
func New(st store.Store, opts Options) *StoreAuthenticator {
	cost := opts.BcryptCost
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &StoreAuthenticator{
		store:            st,
		openRegistration: opts.OpenRegistration,
		cost:             cost,
	}
}

// Verify implements Authenticator.
func (a *StoreAuthenticator) Verify(ctx context.Context, username, password string) error {
	if username == "" {
		return ErrUnidentified
	}

	hash, err := a.store.Credentials(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		if !a.openRegistration {
			return ErrInvalidCredentials
		}
		return a.register(ctx, username, password)
	}
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (a *StoreAuthenticator) register(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	err = a.store.CreateUser(ctx, username, hash)
	if errors.Is(err, store.ErrExists) {
		// Lost a concurrent first-login race; verify against the winner's hash.
		stored, err := a.store.Credentials(ctx, username)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		if bcrypt.CompareHashAndPassword(stored, []byte(password)) != nil {
			return ErrInvalidCredentials
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}
