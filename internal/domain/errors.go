package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownVariable means an agency variable id is not in the registry.
	ErrUnknownVariable = errors.New("unknown variable")

	// ErrUnknownAgency means no data source is registered for an agency.
	ErrUnknownAgency = errors.New("unknown agency")

	// ErrNoNetwork is returned when a batch was abandoned because the network
	// is unreachable.
	ErrNoNetwork = errors.New("no network available")
)

// DataParseError reports a payload for one site that could not be decoded.
// It is non-fatal to a batch.
type DataParseError struct {
	SiteID    SiteID
	SourceURL string
	Err       error
}

func (e *DataParseError) Error() string {
	return fmt.Sprintf("parse data for site %s from %s: %v", e.SiteID, e.SourceURL, e.Err)
}

func (e *DataParseError) Unwrap() error { return e.Err }

// TransportError reports a failed network exchange. Any transport error
// aborts the batch it occurs in.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is or wraps a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ValueFormatError reports a reading whose text is not numeric.
type ValueFormatError struct {
	Value string
	Err   error
}

func (e *ValueFormatError) Error() string {
	return fmt.Sprintf("invalid reading value %q: %v", e.Value, e.Err)
}

func (e *ValueFormatError) Unwrap() error { return e.Err }

// MigrationError reports a legacy favorite that could not be repaired.
type MigrationError struct {
	SiteID SiteID
	Reason string
	Err    error
}

func (e *MigrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("migrate favorite %s: %s: %v", e.SiteID, e.Reason, e.Err)
	}
	return fmt.Sprintf("migrate favorite %s: %s", e.SiteID, e.Reason)
}

func (e *MigrationError) Unwrap() error { return e.Err }
