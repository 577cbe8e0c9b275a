package valkey

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jjrdk/dotauth/internal/testutil"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

func TestTickets_Lifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	older := testutil.GenerateTestTicket("photos", "read")
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := testutil.GenerateTestTicket("photos", "write")
	require.NoError(t, store.SaveTicket(ctx, newer))
	require.NoError(t, store.SaveTicket(ctx, older))

	tickets, err := store.ListTicketsForOwner(ctx, testutil.TestSubject)
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, older.ID, tickets[0].ID)
	assert.Equal(t, newer.ID, tickets[1].ID)

	approved, err := store.ApproveTicket(ctx, older.ID)
	require.NoError(t, err)
	assert.True(t, approved.IsAuthorizedByRO)

	got, err := store.GetTicket(ctx, older.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAuthorizedByRO)
	assert.Equal(t, older.Lines, got.Lines)

	consumed, err := store.ConsumeTicket(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, older.ID, consumed.ID)

	_, err = store.ConsumeTicket(ctx, older.ID)
	assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)

	require.NoError(t, store.DeleteTicket(ctx, newer.ID))
	assert.ErrorIs(t, store.DeleteTicket(ctx, newer.ID), storage.ErrNotFound)

	tickets, err = store.ListTicketsForOwner(ctx, testutil.TestSubject)
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestTickets_Expired(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	ticket := testutil.GenerateTestTicket("photos", "read")
	require.NoError(t, store.SaveTicket(ctx, ticket))

	store.SetClock(func() time.Time {
		return ticket.ExpiresAt.Add(security.DefaultClockSkewGracePeriod + time.Second)
	})

	_, err := store.ApproveTicket(ctx, ticket.ID)
	assert.ErrorIs(t, err, storage.ErrExpired)
	_, err = store.ConsumeTicket(ctx, ticket.ID)
	assert.ErrorIs(t, err, storage.ErrExpired)

	tickets, err := store.ListTicketsForOwner(ctx, testutil.TestSubject)
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestConfirmationCodes(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	now := time.Now()
	code := &storage.ConfirmationCode{
		Value:     "123456",
		Subject:   testutil.TestSubject,
		Method:    "sms",
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	require.NoError(t, store.SaveConfirmationCode(ctx, code))

	got, err := store.GetConfirmationCode(ctx, code.Subject, code.Value)
	require.NoError(t, err)
	assert.Equal(t, "sms", got.Method)

	_, err = store.ConsumeConfirmationCode(ctx, "someone-else", code.Value)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	consumed, err := store.ConsumeConfirmationCode(ctx, code.Subject, code.Value)
	require.NoError(t, err)
	assert.Equal(t, code.Value, consumed.Value)

	_, err = store.ConsumeConfirmationCode(ctx, code.Subject, code.Value)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConfirmationCodes_ExpiredStayInPlace(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	now := time.Now()
	code := &storage.ConfirmationCode{Value: "654321", Subject: testutil.TestSubject, IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, store.SaveConfirmationCode(ctx, code))

	store.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	_, err := store.ConsumeConfirmationCode(ctx, code.Subject, code.Value)
	assert.ErrorIs(t, err, storage.ErrExpired)

	_, err = store.GetConfirmationCode(ctx, code.Subject, code.Value)
	assert.NoError(t, err)

	require.NoError(t, store.DeleteConfirmationCode(ctx, code.Subject, code.Value))
	_, err = store.GetConfirmationCode(ctx, code.Subject, code.Value)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeviceAuthorizations_Approve(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	auth := testutil.GenerateTestDeviceAuthorization()
	require.NoError(t, store.SaveDeviceAuthorization(ctx, auth))

	dup := testutil.GenerateTestDeviceAuthorization()
	dup.UserCode = auth.UserCode
	assert.Error(t, store.SaveDeviceAuthorization(ctx, dup))

	_, err := store.ConsumeDeviceAuthorization(ctx, auth.DeviceCode)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	polledAt := time.Now().Truncate(time.Millisecond)
	before, err := store.TouchDeviceAuthorization(ctx, auth.DeviceCode, polledAt)
	require.NoError(t, err)
	assert.True(t, before.LastPolled.IsZero())

	byUser, err := store.GetDeviceAuthorizationByUserCode(ctx, auth.UserCode)
	require.NoError(t, err)
	assert.True(t, polledAt.Equal(byUser.LastPolled))

	approved, err := store.ApproveDeviceAuthorization(ctx, auth.UserCode, testutil.TestSubject)
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceStatusApproved, approved.Status)
	assert.Equal(t, testutil.TestSubject, approved.Subject)

	_, err = store.DenyDeviceAuthorization(ctx, auth.UserCode)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	consumed, err := store.ConsumeDeviceAuthorization(ctx, auth.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestSubject, consumed.Subject)

	_, err = store.GetDeviceAuthorization(ctx, auth.DeviceCode)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetDeviceAuthorizationByUserCode(ctx, auth.UserCode)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeviceAuthorizations_DenyExpired(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	auth := testutil.GenerateTestDeviceAuthorization()
	require.NoError(t, store.SaveDeviceAuthorization(ctx, auth))

	store.SetClock(func() time.Time { return auth.ExpiresAt.Add(time.Second) })
	_, err := store.DenyDeviceAuthorization(ctx, auth.UserCode)
	assert.ErrorIs(t, err, storage.ErrExpired)
}

func testSigningKey(t *testing.T) *storage.SigningKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &storage.SigningKey{
		Key:       jose.JSONWebKey{Key: priv, KeyID: "kid-1", Algorithm: string(jose.RS256), Use: "sig"},
		CreatedAt: time.Now(),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}
}

func TestSigningKeys(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	keys, err := store.GetSigningKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	key := testSigningKey(t)
	require.NoError(t, store.SaveSigningKeys(ctx, []*storage.SigningKey{key}))

	keys, err = store.GetSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "kid-1", keys[0].Key.KeyID)
	_, isPrivate := keys[0].Key.Key.(*rsa.PrivateKey)
	assert.True(t, isPrivate)
}

func TestSigningKeys_Sealed(t *testing.T) {
	store := testStore(t)
	enableEncryption(t, store)
	ctx := context.Background()

	require.NoError(t, store.SaveSigningKeys(ctx, []*storage.SigningKey{testSigningKey(t)}))

	raw, err := store.client.Do(ctx, store.client.B().Get().Key(store.signingKeysKey()).Build()).ToString()
	require.NoError(t, err)
	assert.NotContains(t, raw, "kid-1")

	keys, err := store.GetSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "kid-1", keys[0].Key.KeyID)
}
