// Package flow implements the lead conversation: routing of inbound messages, the
// scheduling webhook, and the reminder and follow-up dispatchers.
package flow

import "errors"

var (
	// ErrInvalidInput marks a request that is missing required fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrLeadNotFound is returned when a booking cannot be linked to a known phone.
	ErrLeadNotFound = errors.New("lead not found")
	// ErrUpstream wraps failures of the completion service.
	ErrUpstream = errors.New("completion service failed")
)
