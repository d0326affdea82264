// Package identity keeps the server-assigned device id in sync.
package identity

import (
	"context"

	logger "github.com/sirupsen/logrus"

	"github.com/sweeney/smartscale/internal/api"
	"github.com/sweeney/smartscale/internal/kv"
)

// Current returns the stored device id, or api.NoID when none is stored.
func Current(store kv.Store) string {
	if id, ok := store.Load(kv.KeyDeviceID); ok {
		return id
	}
	return api.NoID
}

// EnsureWelcome announces the device to the server and stores the id it
// assigns when that differs from the local one. It returns the id in effect
// afterwards.
func EnsureWelcome(ctx context.Context, client api.Client, store kv.Store, mac string) string {
	log := logger.WithField("component", "identity")
	local := Current(store)

	serverID := client.Welcome(ctx, mac, local)
	if serverID == "" {
		log.Info("Server gave no id, keeping current")
		return local
	}
	if serverID == local {
		log.Debug("device_id unchanged")
		return local
	}
	if err := store.Save(kv.KeyDeviceID, serverID); err != nil {
		log.WithError(err).Error("Failed to save device_id")
		return local
	}
	log.Infof("device_id updated to %s", serverID)
	return serverID
}
