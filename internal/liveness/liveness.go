// Package liveness classifies crew members as active from their last activity timestamp.
package liveness

import "time"

// ActiveThreshold is how recent last_active_at must be for a member to count as active.
const ActiveThreshold = 5 * time.Minute

// IsActive reports whether now - lastActiveAt < ActiveThreshold.
// Exactly ActiveThreshold ago is inactive; nil is inactive.
func IsActive(lastActiveAt *time.Time, now time.Time) bool {
	if lastActiveAt == nil || lastActiveAt.IsZero() {
		return false
	}
	return now.Sub(*lastActiveAt) < ActiveThreshold
}
