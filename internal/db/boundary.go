package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Boundary lookups. Template, mailbox, and contact management is owned
// by other services; the dispatch pipeline only reads what it needs to
// send.

// GetTemplate retrieves the subject and body of a stored template.
func (r *Repository) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	var t Template
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, subject, html FROM templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Subject, &t.HTML)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return &t, nil
}

// GetMailbox retrieves the sending identity for a campaign.
func (r *Repository) GetMailbox(ctx context.Context, id uuid.UUID) (*Mailbox, error) {
	var m Mailbox
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, email, from_name FROM mailboxes WHERE id = $1`, id,
	).Scan(&m.ID, &m.Email, &m.FromName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mailbox %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query mailbox: %w", err)
	}
	return &m, nil
}

// ListContacts returns a tenant's contact records with their metadata,
// the raw material for a campaign's recipient snapshot.
func (r *Repository) ListContacts(ctx context.Context, tenantID uuid.UUID) ([]*Contact, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, tenant_id, name, email, metadata
		FROM contacts
		WHERE tenant_id = $1
		ORDER BY created_at ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Email, &c.Metadata); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return contacts, nil
}
