package keystore

import (
	"context"
	"crypto/ecdsa"
	"runtime"

	"github.com/forest6511/walletctl/pkg/crypto"

	"golang.org/x/sync/semaphore"
)

// Engine runs keystore operations on a bounded pool so that expensive KDF
// work never executes on the goroutine that holds session or cache locks.
type Engine struct {
	params Params
	sem    *semaphore.Weighted
}

// NewEngine creates an engine that runs at most workers KDF computations at
// once. workers <= 0 means GOMAXPROCS.
func NewEngine(params Params, workers int) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{params: params, sem: semaphore.NewWeighted(int64(workers))}, nil
}

// Params returns the parameters used for new keystores.
func (e *Engine) Params() Params {
	return e.params
}

type result[T any] struct {
	val T
	err error
}

// run executes fn on a pool slot. When ctx ends first the caller returns
// immediately and release is applied to the late result.
func run[T any](ctx context.Context, e *Engine, fn func() (T, error), release func(T)) (T, error) {
	var zero T
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	done := make(chan result[T], 1)
	go func() {
		defer e.sem.Release(1)
		v, err := fn()
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil && release != nil {
				release(r.val)
			}
		}()
		return zero, ctx.Err()
	}
}

// Encrypt encrypts secret under password using the engine parameters.
func (e *Engine) Encrypt(ctx context.Context, secret, password *crypto.Secret) (*EncryptedKey, error) {
	return run(ctx, e, func() (*EncryptedKey, error) {
		var out *EncryptedKey
		err := secret.Use(func(s []byte) error {
			return password.Use(func(pw []byte) error {
				var err error
				out, err = Encrypt(s, pw, e.params)
				return err
			})
		})
		return out, err
	}, nil)
}

// EncryptKey encrypts a private key and records its address.
func (e *Engine) EncryptKey(ctx context.Context, key *ecdsa.PrivateKey, password *crypto.Secret) (*EncryptedKey, error) {
	return run(ctx, e, func() (*EncryptedKey, error) {
		var out *EncryptedKey
		err := password.Use(func(pw []byte) error {
			var err error
			out, err = EncryptKey(key, pw, e.params)
			return err
		})
		return out, err
	}, nil)
}

// Decrypt returns the plaintext as a Secret owned by the caller.
func (e *Engine) Decrypt(ctx context.Context, k *EncryptedKey, password *crypto.Secret) (*crypto.Secret, error) {
	return run(ctx, e, func() (*crypto.Secret, error) {
		var out *crypto.Secret
		err := password.Use(func(pw []byte) error {
			raw, err := Decrypt(k, pw)
			if err != nil {
				return err
			}
			out = crypto.NewSecret(raw)
			return nil
		})
		return out, err
	}, func(s *crypto.Secret) { s.Destroy() })
}

// Verify reports whether password opens k. The plaintext is wiped before
// returning.
func (e *Engine) Verify(ctx context.Context, k *EncryptedKey, password *crypto.Secret) error {
	s, err := e.Decrypt(ctx, k, password)
	if err != nil {
		return err
	}
	s.Destroy()
	return nil
}
