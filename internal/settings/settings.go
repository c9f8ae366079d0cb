// Package settings is the key-value provider of backend connection
// parameters. The clients never read it directly; the gateway loads a
// snapshot and hands each client an immutable config built from it.
package settings

import "context"

// Keys under which connection parameters are stored.
const (
	KeySearchURL     = "search.url"
	KeySearchAPIKey  = "search.api_key"
	KeySearchEnabled = "search.enabled"

	KeyTransferURL      = "transfer.url"
	KeyTransferUsername = "transfer.username"
	KeyTransferPassword = "transfer.password"
)

// Store persists individual settings values.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Settings is one immutable snapshot of all connection parameters.
type Settings struct {
	SearchURL     string `json:"search_url"`
	SearchAPIKey  string `json:"search_api_key"`
	SearchEnabled bool   `json:"search_enabled"`

	TransferURL      string `json:"transfer_url"`
	TransferUsername string `json:"transfer_username"`
	TransferPassword string `json:"transfer_password"`
}

// Load reads a full snapshot from the store. Missing keys resolve to the
// zero value, so a fresh store yields an empty (invalid) snapshot and the
// caller falls back to its defaults.
func Load(ctx context.Context, store Store) (Settings, error) {
	var s Settings

	var err error

	if s.SearchURL, err = store.Get(ctx, KeySearchURL); err != nil {
		return Settings{}, err
	}
	if s.SearchAPIKey, err = store.Get(ctx, KeySearchAPIKey); err != nil {
		return Settings{}, err
	}

	enabled, err := store.Get(ctx, KeySearchEnabled)
	if err != nil {
		return Settings{}, err
	}
	s.SearchEnabled = enabled == "true"

	if s.TransferURL, err = store.Get(ctx, KeyTransferURL); err != nil {
		return Settings{}, err
	}
	if s.TransferUsername, err = store.Get(ctx, KeyTransferUsername); err != nil {
		return Settings{}, err
	}
	if s.TransferPassword, err = store.Get(ctx, KeyTransferPassword); err != nil {
		return Settings{}, err
	}

	return s, nil
}

// Save writes a full snapshot to the store.
func Save(ctx context.Context, store Store, s Settings) error {
	enabled := "false"
	if s.SearchEnabled {
		enabled = "true"
	}

	pairs := []struct{ key, value string }{
		{KeySearchURL, s.SearchURL},
		{KeySearchAPIKey, s.SearchAPIKey},
		{KeySearchEnabled, enabled},
		{KeyTransferURL, s.TransferURL},
		{KeyTransferUsername, s.TransferUsername},
		{KeyTransferPassword, s.TransferPassword},
	}

	for _, p := range pairs {
		if err := store.Set(ctx, p.key, p.value); err != nil {
			return err
		}
	}

	return nil
}

// Merge overlays the non-empty values of override onto base and returns the
// result; neither input is modified.
func Merge(base, override Settings) Settings {
	if override.SearchURL != "" {
		base.SearchURL = override.SearchURL
	}
	if override.SearchAPIKey != "" {
		base.SearchAPIKey = override.SearchAPIKey
	}
	if override.SearchEnabled {
		base.SearchEnabled = true
	}
	if override.TransferURL != "" {
		base.TransferURL = override.TransferURL
	}
	if override.TransferUsername != "" {
		base.TransferUsername = override.TransferUsername
	}
	if override.TransferPassword != "" {
		base.TransferPassword = override.TransferPassword
	}

	return base
}
