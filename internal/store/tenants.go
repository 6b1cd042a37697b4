package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stellarlinkco/retentiond/internal/tenant"
)

// UpsertTenant registers or updates a tenant. Provisioning happens outside the
// cycle; this is the entry point it uses.
func (s *Store) UpsertTenant(ctx context.Context, t tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := t.Channel.Kind
	if kind == "" {
		kind = tenant.ChannelWhatsApp
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, channel_kind, channel_id, timezone, active, connected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			channel_kind = excluded.channel_kind,
			channel_id = excluded.channel_id,
			timezone = excluded.timezone,
			active = excluded.active,
			connected = excluded.connected
	`, t.ID, t.Name, kind, t.Channel.ID, t.Timezone, boolToInt(t.Active), boolToInt(t.Connected), s.timestamp())
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

// SetConnected records the channel state reported by the connection lifecycle.
func (s *Store) SetConnected(ctx context.Context, tenantID string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET connected = ? WHERE id = ?`, boolToInt(connected), tenantID)
	if err != nil {
		return fmt.Errorf("set tenant connected: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	return nil
}

// ListConnected returns active tenants whose messaging channel is connected.
func (s *Store) ListConnected(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, channel_kind, channel_id, timezone, active, connected
		FROM tenants
		WHERE active = 1 AND connected = 1 AND channel_id != ''
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list connected tenants: %w", err)
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return out, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, channel_kind, channel_id, timezone, active, connected
		FROM tenants WHERE id = ?
	`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return t, err
}

// TenantByChannel resolves the tenant that owns a messaging account.
func (s *Store) TenantByChannel(ctx context.Context, kind, channelID string) (tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, channel_kind, channel_id, timezone, active, connected
		FROM tenants WHERE channel_kind = ? AND channel_id = ?
		ORDER BY id LIMIT 1
	`, kind, channelID)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, fmt.Errorf("tenant for %s %s: %w", kind, channelID, ErrNotFound)
	}
	return t, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(sc scanner) (tenant.Tenant, error) {
	var t tenant.Tenant
	var active, connected int
	if err := sc.Scan(&t.ID, &t.Name, &t.Channel.Kind, &t.Channel.ID, &t.Timezone, &active, &connected); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan tenant: %w", err)
	}
	t.Active = active == 1
	t.Connected = connected == 1
	return t, nil
}

func (s *Store) UpsertClient(ctx context.Context, c tenant.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (tenant_id, phone, name, chat_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, phone) DO UPDATE SET
			name = excluded.name,
			chat_id = excluded.chat_id
	`, c.TenantID, c.Phone, c.Name, c.ChatID, s.timestamp())
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", c.Phone, err)
	}
	return nil
}

// Clients lists a tenant's clients ordered by phone.
func (s *Store) Clients(ctx context.Context, tenantID string) ([]tenant.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, phone, name, chat_id FROM clients
		WHERE tenant_id = ?
		ORDER BY phone
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []tenant.Client
	for rows.Next() {
		var c tenant.Client
		if err := rows.Scan(&c.TenantID, &c.Phone, &c.Name, &c.ChatID); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return out, nil
}

func (s *Store) GetClient(ctx context.Context, tenantID, phone string) (tenant.Client, error) {
	var c tenant.Client
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, phone, name, chat_id FROM clients WHERE tenant_id = ? AND phone = ?
	`, tenantID, phone).Scan(&c.TenantID, &c.Phone, &c.Name, &c.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("client %s/%s: %w", tenantID, phone, ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}
