// ABOUTME: Tenant, operator and customer persistence for SQLStore
// ABOUTME: Customers are tenant-scoped and never hard-deleted

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateTenant inserts a tenant, assigning an ID if empty.
func (s *SQLStore) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, owner_email, notify_room, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.OwnerEmail, t.NotifyRoom, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by ID.
func (s *SQLStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_email, notify_room, created_at
		FROM tenants WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &t.OwnerEmail, &t.NotifyRoom, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// ListTenants returns all tenants ordered by name.
func (s *SQLStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_email, notify_room, created_at
		FROM tenants ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Name, &t.OwnerEmail, &t.NotifyRoom, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// CreateOperator inserts an operator for a tenant.
func (s *SQLStore) CreateOperator(ctx context.Context, op *Operator) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Status == "" {
		op.Status = OperatorStatusActive
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (id, tenant_id, display_name, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, op.ID, op.TenantID, op.DisplayName, string(op.Status), formatTime(op.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting operator: %w", err)
	}
	return nil
}

// GetOperator retrieves an operator by ID.
func (s *SQLStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	var op Operator
	var status, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, display_name, status, created_at
		FROM operators WHERE id = ?
	`, id).Scan(&op.ID, &op.TenantID, &op.DisplayName, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying operator: %w", err)
	}
	op.Status = OperatorStatus(status)
	op.CreatedAt = parseTime(createdAt)
	return &op, nil
}

// RevokeOperator marks an operator as revoked. Tokens already issued stop working.
func (s *SQLStore) RevokeOperator(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE operators SET status = ? WHERE id = ?`,
		string(OperatorStatusRevoked), id)
	if err != nil {
		return fmt.Errorf("revoking operator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateCustomer inserts a customer. Returns ErrDuplicateEmail when the
// tenant already has a customer with the same email.
func (s *SQLStore) CreateCustomer(ctx context.Context, c *Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = CustomerStatusActive
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	c.Email = normalizeEmail(c.Email)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, tenant_id, email, display_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.TenantID, nullString(c.Email), c.DisplayName, string(c.Status),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting customer: %w", err)
	}
	return nil
}

const customerColumns = `id, tenant_id, email, display_name, status, created_at, updated_at`

func scanCustomer(row interface{ Scan(...any) error }) (*Customer, error) {
	var c Customer
	var email sql.NullString
	var status, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.TenantID, &email, &c.DisplayName, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Email = email.String
	c.Status = CustomerStatus(status)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// GetCustomer retrieves a customer scoped to a tenant.
func (s *SQLStore) GetCustomer(ctx context.Context, tenantID, id string) (*Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = ? AND tenant_id = ?`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying customer: %w", err)
	}
	return c, nil
}

// GetCustomerByEmail finds a tenant's customer by email (case-insensitive).
func (s *SQLStore) GetCustomerByEmail(ctx context.Context, tenantID, email string) (*Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = ? AND email = ?`,
		tenantID, normalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying customer by email: %w", err)
	}
	return c, nil
}

// SetCustomerEmail attaches an email to a customer. Returns ErrDuplicateEmail
// if another customer of the tenant already owns it.
func (s *SQLStore) SetCustomerEmail(ctx context.Context, tenantID, id, email string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers SET email = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?
	`, normalizeEmail(email), formatTime(time.Now()), id, tenantID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("updating customer email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateCustomer marks a customer inactive. Customers are never deleted.
func (s *SQLStore) DeactivateCustomer(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers SET status = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?
	`, string(CustomerStatusInactive), formatTime(time.Now()), id, tenantID)
	if err != nil {
		return fmt.Errorf("deactivating customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
