package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Campaign statuses. Terminal statuses (COMPLETED, STOPPED, FAILED)
// are never left except by operator-gated actions.
const (
	CampaignDraft      = "DRAFT"
	CampaignScheduled  = "SCHEDULED"
	CampaignQueued     = "QUEUED"
	CampaignInProgress = "IN_PROGRESS"
	CampaignCompleted  = "COMPLETED"
	CampaignStopped    = "STOPPED"
	CampaignFailed     = "FAILED"
)

// Recipient delivery statuses. A recipient leaves PENDING at most once.
const (
	RecipientPending = "PENDING"
	RecipientSent    = "SENT"
	RecipientFailed  = "FAILED"
)

var (
	// ErrNotFound is returned when a campaign or recipient does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTokenNotFound is returned when a tracking token resolves to no recipient.
	ErrTokenNotFound = errors.New("tracking token not found")
)

// Campaign is one bulk-send operation: one template, one mailbox,
// one snapshot of recipients.
type Campaign struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	Name            string     `json:"name"`
	TemplateID      uuid.UUID  `json:"template_id"`
	MailboxID       uuid.UUID  `json:"mailbox_id"`
	EmailKey        string     `json:"email_key,omitempty"` // variable key holding the address; empty = contact's own email
	Status          string     `json:"status"`
	TotalRecipients int        `json:"total_recipients"`
	SentCount       int        `json:"sent_count"`
	FailedCount     int        `json:"failed_count"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Recipient is one addressee within a campaign. Variables is the
// per-recipient snapshot captured at enqueue time; later edits to the
// source contact never change an in-flight send.
type Recipient struct {
	ID            uuid.UUID         `json:"id"`
	CampaignID    uuid.UUID         `json:"campaign_id"`
	Email         string            `json:"email"`
	Variables     map[string]string `json:"variables"`
	Status        string            `json:"status"`
	TrackingToken string            `json:"tracking_token"`
	ErrorMessage  *string           `json:"error_message,omitempty"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	OpenedAt      *time.Time        `json:"opened_at,omitempty"`
	AckedAt       *time.Time        `json:"acked_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// RecipientCounts aggregates per-recipient state for one campaign.
type RecipientCounts struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Opened  int `json:"opened"`
	Acked   int `json:"acked"`
}

// Terminal reports how many recipients have reached a final delivery state.
func (c RecipientCounts) Terminal() int {
	return c.Sent + c.Failed
}

// Template is the boundary view of a stored email template.
type Template struct {
	ID      uuid.UUID `json:"id"`
	Subject string    `json:"subject"`
	HTML    string    `json:"html"`
}

// Mailbox is the boundary view of a sending identity. Credentials
// live with the transport (SES), not here.
type Mailbox struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	FromName string    `json:"from_name"`
}

// Contact is one row of the recipient source for a tenant: an address
// plus arbitrary key/value metadata from uploaded data.
type Contact struct {
	ID       uuid.UUID         `json:"id"`
	TenantID uuid.UUID         `json:"tenant_id"`
	Name     string            `json:"name"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}
