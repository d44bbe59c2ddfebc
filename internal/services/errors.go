// Package services implements the planning pipeline: upserting imported
// records with change tracking, summarizing changes for subscriptions,
// dispatching notifications and the batch runs that drive them.
//
// This file centralizes service-level error values. Translation into HTTP
// status codes or exit codes happens in the callers.
package services

import (
	"errors"

	"github.com/tbourn/go-planwatch/internal/repo"
)

// Validation errors. The offending record is rejected and nothing is written.
var (
	// ErrNoLocation is returned when a record has no resolvable point.
	ErrNoLocation = errors.New("record has no location")

	// ErrNoCaseNumber is returned when a record carries no case number.
	ErrNoCaseNumber = errors.New("record has no case number")

	// ErrNoRegion is returned when a record does not name its region.
	ErrNoRegion = errors.New("record has no region")
)

// Integrity errors.
var (
	// ErrConflict is returned when a concurrent writer keeps violating a
	// uniqueness constraint after one re-read and retry.
	ErrConflict = errors.New("conflicting concurrent update")
)

// Subscription and delivery errors.
var (
	// ErrSubscriptionNotFound indicates that the requested subscription does
	// not exist.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNoRecipient is returned when a subscription owner has no email
	// address.
	ErrNoRecipient = errors.New("subscription has no recipient")
)

// IsValidation reports whether err rejects a single record rather than
// signalling a failure of the run.
func IsValidation(err error) bool {
	return errors.Is(err, ErrNoLocation) ||
		errors.Is(err, ErrNoCaseNumber) ||
		errors.Is(err, ErrNoRegion)
}

// isNotFound treats the repo-level not found sentinel as "not found" in a
// driver-agnostic way.
func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
