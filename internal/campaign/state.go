// Package campaign owns the campaign lifecycle: creation, enqueue,
// stop/resume, retry of failures, and scheduled promotion.
package campaign

import "errors"

// Lifecycle errors surfaced to the API layer.
var (
	// ErrInvalidTransition means the campaign exists but is not in a
	// status that allows the requested action.
	ErrInvalidTransition = errors.New("campaign status does not allow this action")

	// ErrNoRecipients means the tenant's contact source produced no
	// usable addresses for the campaign.
	ErrNoRecipients = errors.New("campaign has no recipients")

	// ErrNoFailedRecipients means a retry was requested but every
	// recipient already succeeded.
	ErrNoFailedRecipients = errors.New("campaign has no failed recipients")
)

// Allowed source statuses per action. Each action is applied as a
// single compare-and-set against one of these lists, so two racing
// operators cannot both win.
var (
	stopFrom    = []string{"QUEUED", "SCHEDULED", "IN_PROGRESS"}
	resumeFrom  = []string{"STOPPED"}
	retryFrom   = []string{"COMPLETED", "FAILED"}
	promoteFrom = []string{"SCHEDULED"}
)
