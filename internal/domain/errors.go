package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// branch with errors.Is.
var (
	ErrAmbiguousSymbol       = errors.New("ambiguous symbol")
	ErrUnknownAssetType      = errors.New("unknown asset type")
	ErrMalformedCode         = errors.New("malformed code")
	ErrSourceUnavailable     = errors.New("source unavailable")
	ErrEmptyPayload          = errors.New("empty payload")
	ErrUnsupported           = errors.New("unsupported by provider")
	ErrHistoricalMismatch    = errors.New("historical mismatch")
	ErrBadPayload            = errors.New("bad payload")
	ErrMarketOpenBarDeferred = errors.New("market open, bar deferred")
	ErrNotFound              = errors.New("not found")
	ErrNotRegistered         = errors.New("asset not registered")
	ErrCurrencyMismatch      = errors.New("currency mismatch")
)

// SymbolError reports a canonicalization failure.
type SymbolError struct {
	Kind       error // ErrAmbiguousSymbol, ErrUnknownAssetType or ErrMalformedCode
	Input      string
	Candidates []CanonicalID
	Detail     string
}

func (e *SymbolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %q", e.Kind, e.Input)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Candidates) > 0 {
		ids := make([]string, len(e.Candidates))
		for i, c := range e.Candidates {
			ids[i] = c.String()
		}
		fmt.Fprintf(&b, " (candidates: %s)", strings.Join(ids, ", "))
	}
	return b.String()
}

func (e *SymbolError) Unwrap() error { return e.Kind }

// SourceError is the SourceUnavailable error raised by adapters.
type SourceError struct {
	Provider    Provider
	CanonicalID CanonicalID
	Period      Period
	Cause       error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s unavailable for %s %s: %v", e.Provider, e.CanonicalID, e.Period, e.Cause)
}

// Unwrap exposes both the sentinel and the cause.
func (e *SourceError) Unwrap() []error { return []error{ErrSourceUnavailable, e.Cause} }

// MismatchError reports an incoming historical bar that disagrees with the
// stored one beyond tolerance.
type MismatchError struct {
	CanonicalID CanonicalID
	Timestamp   time.Time
	Field       string
	Existing    float64
	Incoming    float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("historical mismatch for %s at %s: %s stored %.6g, incoming %.6g",
		e.CanonicalID, FormatTimestamp(e.Timestamp), e.Field, e.Existing, e.Incoming)
}

func (e *MismatchError) Unwrap() error { return ErrHistoricalMismatch }

// PayloadError marks a raw row whose body cannot be decoded.
type PayloadError struct {
	RawID int64
	Cause error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("raw %d: bad payload: %v", e.RawID, e.Cause)
}

func (e *PayloadError) Unwrap() []error { return []error{ErrBadPayload, e.Cause} }
