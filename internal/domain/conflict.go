package domain

import "time"

// Conflict pairs the local and remote versions of a record whose content
// diverged during a merge. The collection already holds Remote when a
// Conflict is reported; Local is kept so the user can restore it.
type Conflict struct {
	ID         string
	Local      Quote
	Remote     Quote
	DetectedAt time.Time
}
