// ABOUTME: Tests for the pairing service
// ABOUTME: Covers the issue/complete flow, single use, expiry, and revocation

package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehq/lattice-gateway/internal/auth"
	"github.com/latticehq/lattice-gateway/internal/crypto"
	"github.com/latticehq/lattice-gateway/internal/protocol"
	"github.com/latticehq/lattice-gateway/internal/registry"
	"github.com/latticehq/lattice-gateway/internal/store"
)

func newService(t *testing.T) (*Service, *store.MockStore, *registry.Registry) {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	st := store.NewMockStore()
	reg := registry.New()
	tokens := auth.NewJWTVerifier([]byte("test-secret"), 0)
	return NewService(st, keys, tokens, reg, 0), st, reg
}

func deviceMaterial(t *testing.T) (DeviceMaterial, *crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return DeviceMaterial{
		DeviceID:    "dev-1",
		PublicKey:   crypto.EncodePublicKey(kp.Public),
		DisplayName: "Work Laptop",
		Platform:    "darwin",
		Arch:        "arm64",
	}, kp
}

func TestInitiateAndComplete(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	pc, err := svc.Initiate(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, pc.Code, 6)
	assert.Equal(t, "user-1", pc.UserID)
	assert.WithinDuration(t, time.Now().Add(DefaultCodeTTL), pc.ExpiresAt, 5*time.Second)

	material, deviceKeys := deviceMaterial(t)
	device, token, err := svc.Complete(ctx, pc.Code, material)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", device.DeviceID)
	assert.Equal(t, "user-1", device.UserID)
	assert.NotEmpty(t, token)
	assert.NotZero(t, device.LastSequence)
	assert.NotEmpty(t, device.Fingerprint)

	// Persisted
	stored, err := st.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, device.EncryptC2S, stored.EncryptC2S)

	// The device derives the same keys from the server's public key
	serverPub, err := crypto.ParsePublicKey(svc.ServerPublicKey())
	require.NoError(t, err)
	agentKeys, err := deviceKeys.DeriveSessionKeys(serverPub, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, stored.EncryptC2S, agentKeys.EncryptC2S)
	assert.Equal(t, stored.EncryptS2C, agentKeys.EncryptS2C)
	assert.Equal(t, stored.AuthKey, agentKeys.Auth)
}

// collidingStore rejects the first few CreatePairingCode calls the way
// a store with a live colliding code would.
type collidingStore struct {
	store.Store
	failures int
	calls    int
}

func (c *collidingStore) CreatePairingCode(ctx context.Context, code *store.PairingCode) error {
	c.calls++
	if c.calls <= c.failures {
		return store.ErrCodeExists
	}
	return c.Store.CreatePairingCode(ctx, code)
}

func TestInitiate_RetriesOnCodeCollision(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	st := &collidingStore{Store: store.NewMockStore(), failures: codeIssueAttempts - 1}
	tokens := auth.NewJWTVerifier([]byte("test-secret"), 0)
	svc := NewService(st, keys, tokens, registry.New(), 0)

	pc, err := svc.Initiate(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, pc.Code, 6)
	assert.Equal(t, codeIssueAttempts, st.calls)
}

func TestInitiate_GivesUpAfterRepeatedCollisions(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	st := &collidingStore{Store: store.NewMockStore(), failures: codeIssueAttempts}
	tokens := auth.NewJWTVerifier([]byte("test-secret"), 0)
	svc := NewService(st, keys, tokens, registry.New(), 0)

	_, err = svc.Initiate(context.Background(), "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrCodeExists)
}

func TestComplete_CodeIsSingleUse(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	pc, err := svc.Initiate(ctx, "user-1")
	require.NoError(t, err)

	material, _ := deviceMaterial(t)
	_, _, err = svc.Complete(ctx, pc.Code, material)
	require.NoError(t, err)

	material.DeviceID = "dev-2"
	_, _, err = svc.Complete(ctx, pc.Code, material)
	assert.ErrorIs(t, err, ErrPairingFailed)
}

func TestComplete_UnknownCode(t *testing.T) {
	svc, _, _ := newService(t)

	material, _ := deviceMaterial(t)
	_, _, err := svc.Complete(context.Background(), "000000", material)
	assert.ErrorIs(t, err, ErrPairingFailed)
}

func TestComplete_ExpiredCode(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	st := store.NewMockStore()
	tokens := auth.NewJWTVerifier([]byte("test-secret"), 0)
	svc := NewService(st, keys, tokens, registry.New(), time.Millisecond)
	ctx := context.Background()

	pc, err := svc.Initiate(ctx, "user-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	material, _ := deviceMaterial(t)
	_, _, err = svc.Complete(ctx, pc.Code, material)
	assert.ErrorIs(t, err, ErrPairingFailed)
}

func TestComplete_BadPublicKey(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	pc, err := svc.Initiate(ctx, "user-1")
	require.NoError(t, err)

	material, _ := deviceMaterial(t)
	material.PublicKey = "AAAA"
	_, _, err = svc.Complete(ctx, pc.Code, material)
	assert.ErrorIs(t, err, ErrPairingFailed)
}

func TestComplete_MissingDeviceID(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	pc, err := svc.Initiate(ctx, "user-1")
	require.NoError(t, err)

	material, _ := deviceMaterial(t)
	material.DeviceID = ""
	_, _, err = svc.Complete(ctx, pc.Code, material)
	assert.ErrorIs(t, err, ErrPairingFailed)
}

type closeTransport struct{ closed bool }

func (c *closeTransport) SendEnvelope(env *protocol.Envelope) error { return nil }
func (c *closeTransport) Close() error                              { c.closed = true; return nil }

func TestUnpair(t *testing.T) {
	svc, st, reg := newService(t)
	ctx := context.Background()

	pc, err := svc.Initiate(ctx, "user-1")
	require.NoError(t, err)
	material, _ := deviceMaterial(t)
	_, _, err = svc.Complete(ctx, pc.Code, material)
	require.NoError(t, err)

	tr := &closeTransport{}
	conn := registry.NewConnection("conn-1", "user-1", "dev-1", "darwin", tr, 1)
	conn.SetStatus(registry.StatusConnected)
	reg.Register(conn)

	require.NoError(t, svc.Unpair(ctx, "user-1", "dev-1"))

	d, err := st.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, d.Revoked)
	assert.Nil(t, reg.Get("conn-1"))
	assert.True(t, tr.closed)
}

func TestUnpairOwnershipMismatch(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	pc, err := svc.Initiate(ctx, "user-1")
	require.NoError(t, err)
	material, _ := deviceMaterial(t)
	_, _, err = svc.Complete(ctx, pc.Code, material)
	require.NoError(t, err)

	// Another user's device ID reads as not-found
	err = svc.Unpair(ctx, "user-2", "dev-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	d, err := st.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, d.Revoked)
}

func TestRevokeAll(t *testing.T) {
	svc, st, reg := newService(t)
	ctx := context.Background()

	// Pair two devices for the same user
	for _, id := range []string{"dev-1", "dev-2"} {
		pc, err := svc.Initiate(ctx, "user-1")
		require.NoError(t, err)
		material, _ := deviceMaterial(t)
		material.DeviceID = id
		_, _, err = svc.Complete(ctx, pc.Code, material)
		require.NoError(t, err)
	}

	tr := &closeTransport{}
	conn := registry.NewConnection("conn-1", "user-1", "dev-1", "darwin", tr, 1)
	conn.SetStatus(registry.StatusConnected)
	reg.Register(conn)

	n, err := svc.RevokeAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, tr.closed)

	devices, err := st.ListDevicesForUser(ctx, "user-1")
	require.NoError(t, err)
	for _, d := range devices {
		assert.True(t, d.Revoked)
	}
}
