package tariff

import "errors"

// Failure kinds surfaced in run reports. Each wraps the underlying cause.
var (
	ErrDiscovery   = errors.New("discovery failure")
	ErrSelection   = errors.New("selection failure")
	ErrFetch       = errors.New("fetch failure")
	ErrPersistence = errors.New("persistence failure")
)

// Narrower causes, always reported under one of the kinds above.
var (
	ErrInvalidURL  = errors.New("invalid url")
	ErrNotDocument = errors.New("unexpected content type")
	ErrNotActive   = errors.New("document is not active")
)

// Kind names used in reports and metrics labels.
const (
	KindDiscovery   = "discovery"
	KindSelection   = "selection"
	KindFetch       = "fetch"
	KindPersistence = "persistence"
	KindUnknown     = "unknown"
)

// Classify maps an error to its report kind.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDiscovery):
		return KindDiscovery
	case errors.Is(err, ErrSelection):
		return KindSelection
	case errors.Is(err, ErrFetch):
		return KindFetch
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindUnknown
	}
}
