package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/smartscale/internal/api"
	"github.com/sweeney/smartscale/internal/kv"
)

func TestEnsureWelcomeStoresNewID(t *testing.T) {
	client := api.NewFakeClient()
	client.SetWelcomeID("scale-9")
	store := kv.NewMemStore()

	id := EnsureWelcome(context.Background(), client, store, "AA:BB")
	assert.Equal(t, "scale-9", id)
	assert.Equal(t, "scale-9", Current(store))

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "AA:BB", calls[0].MAC)
	assert.Equal(t, api.NoID, calls[0].ID)
}

func TestEnsureWelcomeKeepsIDWhenServerSilent(t *testing.T) {
	client := api.NewFakeClient()
	store := kv.NewMemStore()
	require.NoError(t, store.Save(kv.KeyDeviceID, "scale-1"))

	assert.Equal(t, "scale-1", EnsureWelcome(context.Background(), client, store, "AA"))
	assert.Equal(t, 1, store.Saves(), "no write when nothing changed")
}

func TestEnsureWelcomeUnchanged(t *testing.T) {
	client := api.NewFakeClient()
	client.SetWelcomeID("scale-1")
	store := kv.NewMemStore()
	require.NoError(t, store.Save(kv.KeyDeviceID, "scale-1"))

	assert.Equal(t, "scale-1", EnsureWelcome(context.Background(), client, store, "AA"))
	assert.Equal(t, 1, store.Saves())
}

func TestEnsureWelcomeSaveFailure(t *testing.T) {
	client := api.NewFakeClient()
	client.SetWelcomeID("scale-2")
	store := kv.NewMemStore()
	store.FailSaves(true)

	assert.Equal(t, api.NoID, EnsureWelcome(context.Background(), client, store, "AA"))
}
