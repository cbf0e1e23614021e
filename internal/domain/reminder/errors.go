package reminder

import "errors"

var (
	// ErrInvalidMedicine is returned when a prescription has no medicine name
	ErrInvalidMedicine = errors.New("invalid medicine: name is required")

	// Non-fatal compile warnings, always resolved with a default
	ErrUnparseableCadence  = errors.New("unparseable cadence")
	ErrUnparseableDuration = errors.New("unparseable duration")
	ErrUnparseableDose     = errors.New("unparseable dose")

	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrChannelSendFailed wraps a failed send on one channel
	ErrChannelSendFailed = errors.New("channel send failed")

	// ErrNoActiveInstance means a reply arrived with no sent instance to apply it to
	ErrNoActiveInstance = errors.New("no active reminder instance")

	// ErrFamilyContactMissing means the critical tier fired for a patient without a family contact
	ErrFamilyContactMissing = errors.New("family contact missing")

	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned by stores when a compare-and-set lost the race
	ErrConflict = errors.New("concurrent modification")

	ErrNotFound = errors.New("not found")
)
