package checkpoint

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicbot/governor/internal/apperr"
	"github.com/civicbot/governor/internal/storage"
)

func tempRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r, err := NewRegistry(db)
	require.NoError(t, err)
	return r
}

// #region keys

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.Len(t, kp.PublicKey, ed25519.PublicKeySize)
	assert.Len(t, kp.SecretKey, ed25519.SeedSize)
	assert.Len(t, kp.PublicKeyHex(), 64)
	assert.Equal(t, strings.ToLower(kp.SecretKeyHex()), kp.SecretKeyHex())

	derived := ed25519.NewKeyFromSeed(kp.SecretKey).Public().(ed25519.PublicKey)
	assert.True(t, bytes.Equal(derived, kp.PublicKey))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, _ := GenerateKeyPair()
	msg := []byte("7d2f3a5c-cycle")

	sig, err := Sign(msg, kp.SecretKey)
	require.NoError(t, err)
	assert.True(t, Verify(msg, sig, kp.PublicKey))

	again, _ := Sign(msg, kp.SecretKey)
	assert.Equal(t, sig, again, "ed25519 signatures are deterministic")

	expanded := ed25519.NewKeyFromSeed(kp.SecretKey)
	sig64, err := Sign(msg, expanded)
	require.NoError(t, err)
	assert.Equal(t, sig, sig64)
}

func TestVerifyRejectsWrongKeyOrMessage(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	msg := []byte("cycle-1")
	sig, _ := Sign(msg, a.SecretKey)

	assert.False(t, Verify(msg, sig, b.PublicKey))
	assert.False(t, Verify([]byte("cycle-2"), sig, a.PublicKey))

	tampered := append([]byte{}, sig...)
	tampered[0] ^= 0xff
	assert.False(t, Verify(msg, tampered, a.PublicKey))
}

func TestVerifyMalformedNeverPanics(t *testing.T) {
	kp, _ := GenerateKeyPair()
	assert.False(t, Verify([]byte("m"), nil, nil))
	assert.False(t, Verify([]byte("m"), []byte{1, 2, 3}, kp.PublicKey))
	assert.False(t, Verify([]byte("m"), make([]byte, 64), []byte{1}))
	assert.False(t, VerifyHex([]byte("m"), "zz", kp.PublicKeyHex()))
	assert.False(t, VerifyHex([]byte("m"), strings.Repeat("0", 128), "not-hex"))
	assert.False(t, VerifyHex([]byte("m"), "", ""))
}

func TestSignHex(t *testing.T) {
	kp, _ := GenerateKeyPair()
	sigHex, err := SignHex([]byte("cycle-9"), kp.SecretKeyHex())
	require.NoError(t, err)
	assert.True(t, VerifyHex([]byte("cycle-9"), sigHex, kp.PublicKeyHex()))

	_, err = SignHex([]byte("x"), "not hex")
	assert.ErrorIs(t, err, ErrMalformedKey)
	_, err = SignHex([]byte("x"), "abcd")
	assert.ErrorIs(t, err, ErrMalformedKey)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestWithSecretWipesInput(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	var seen []byte
	err := withSecret(raw, func(b []byte) error {
		seen = append([]byte{}, b...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, seen)
	assert.Equal(t, []byte{0, 0, 0, 0}, raw)
}

// #endregion keys

// #region registry

func TestRegistryRegisterAndVerify(t *testing.T) {
	r := tempRegistry(t)
	ctx := context.Background()
	kp, _ := GenerateKeyPair()

	ok, err := r.IsRegistered(ctx, kp.PublicKeyHex())
	require.NoError(t, err)
	assert.False(t, ok)

	k, err := r.Register(ctx, strings.ToUpper(kp.PublicKeyHex()), "clerk")
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKeyHex(), k.PublicKey)
	assert.Equal(t, "clerk", k.Label)

	sig, _ := SignHex([]byte("cycle-1"), kp.SecretKeyHex())
	assert.NoError(t, r.VerifyCheckpoint(ctx, "cycle-1", sig, kp.PublicKeyHex()))
	assert.ErrorIs(t, r.VerifyCheckpoint(ctx, "cycle-2", sig, kp.PublicKeyHex()), ErrInvalidSignature)

	other, _ := GenerateKeyPair()
	otherSig, _ := SignHex([]byte("cycle-1"), other.SecretKeyHex())
	err = r.VerifyCheckpoint(ctx, "cycle-1", otherSig, other.PublicKeyHex())
	assert.True(t, errors.Is(err, ErrUnregisteredKey))
	assert.Equal(t, apperr.KindRejected, apperr.KindOf(err))
}

func TestRegistryRevoke(t *testing.T) {
	r := tempRegistry(t)
	ctx := context.Background()
	kp, _ := GenerateKeyPair()
	_, err := r.Register(ctx, kp.PublicKeyHex(), "")
	require.NoError(t, err)

	require.NoError(t, r.Revoke(ctx, kp.PublicKeyHex()))
	ok, _ := r.IsRegistered(ctx, kp.PublicKeyHex())
	assert.False(t, ok)
	assert.ErrorIs(t, r.Revoke(ctx, kp.PublicKeyHex()), ErrUnregisteredKey)

	_, err = r.Register(ctx, kp.PublicKeyHex(), "again")
	require.NoError(t, err)
	ok, _ = r.IsRegistered(ctx, kp.PublicKeyHex())
	assert.True(t, ok)

	keys, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Nil(t, keys[0].RevokedAt)
}

func TestRegistryRejectsMalformedKey(t *testing.T) {
	r := tempRegistry(t)
	_, err := r.Register(context.Background(), hex.EncodeToString([]byte("short")), "")
	assert.ErrorIs(t, err, ErrMalformedKey)
	ok, err := r.IsRegistered(context.Background(), "nope")
	assert.NoError(t, err)
	assert.False(t, ok)
}

// #endregion registry
