// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package secrets stores provider credentials sealed in the settings table:
// webhook signing secrets for payment gateways and API keys for notification
// providers. Values are encrypted with the master passphrase and decrypted
// once at startup.
package secrets

import (
	"context"
	"errors"
	"fmt"

	"camforge/internal/store"
	"camforge/pkg/crypto"
)

// Setting-key prefixes. One row per provider.
const (
	webhookPrefix = "secret.webhook."
	notifyPrefix  = "secret.notify."
)

// WebhookKey names the settings row holding a payment gateway's webhook
// signing secret.
func WebhookKey(provider string) string { return webhookPrefix + provider }

// NotifyKey names the settings row holding a notification provider's API key.
func NotifyKey(provider string) string { return notifyPrefix + provider }

// Store seals value and upserts it under key. A nil encryptor stores the
// value raw; callers running without a master passphrase warn once at
// startup.
func Store(ctx context.Context, st *store.Store, enc *crypto.Encryptor, key, value string) error {
	if value == "" {
		return errors.New("secret value cannot be empty")
	}
	if enc == nil {
		return st.SetSetting(ctx, key, value)
	}
	sealed, err := enc.Encrypt(value)
	if err != nil {
		return fmt.Errorf("seal secret %s: %w", key, err)
	}
	if err := st.SetSetting(ctx, key, sealed); err != nil {
		return fmt.Errorf("store secret %s: %w", key, err)
	}
	return nil
}

// Load returns the plaintext secret stored under key, or store.ErrNotFound
// when no row exists. Rows written before sealing was enabled hold plaintext
// and are returned as-is; they get sealed on the next Store.
func Load(ctx context.Context, st *store.Store, enc *crypto.Encryptor, key string) (string, error) {
	raw, err := st.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	if !crypto.IsEncrypted(raw) {
		return raw, nil
	}
	if enc == nil {
		return "", fmt.Errorf("secret %s is sealed but no master passphrase is configured", key)
	}
	plain, err := enc.Decrypt(raw)
	if err != nil {
		return "", fmt.Errorf("open secret %s: %w", key, err)
	}
	return plain, nil
}
