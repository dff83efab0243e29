package dsc

import (
	"errors"
	"math/big"
)

var (
	errNilState  = errors.New("dsc engine: state not configured")
	errNilIssuer = errors.New("dsc engine: issuer not configured")
	errNilRecord = errors.New("dsc engine: nil position record")
)

// ErrorKind enumerates the failure variants an engine operation can abort with.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindConfigurationMismatch
	KindZeroAmount
	KindUnknownAsset
	KindTransferFailed
	KindMintFailed
	KindInsufficientCollateral
	KindBurnAmountExceedsBalance
	KindBreaksHealthFactor
	KindHealthFactorOk
	KindHealthFactorNotImproved
	KindReentrantCall
	KindAmountOverflow
	KindInvalidPrice
)

var kindLabels = map[ErrorKind]string{
	KindUnknown:                  "unknown",
	KindConfigurationMismatch:    "configuration_mismatch",
	KindZeroAmount:               "zero_amount",
	KindUnknownAsset:             "unknown_asset",
	KindTransferFailed:           "transfer_failed",
	KindMintFailed:               "mint_failed",
	KindInsufficientCollateral:   "insufficient_collateral",
	KindBurnAmountExceedsBalance: "burn_amount_exceeds_balance",
	KindBreaksHealthFactor:       "breaks_health_factor",
	KindHealthFactorOk:           "health_factor_ok",
	KindHealthFactorNotImproved:  "health_factor_not_improved",
	KindReentrantCall:            "reentrant_call",
	KindAmountOverflow:           "amount_overflow",
	KindInvalidPrice:             "invalid_price",
}

// String returns the stable snake_case label used in logs, metrics and API
// responses.
func (k ErrorKind) String() string {
	if label, ok := kindLabels[k]; ok {
		return label
	}
	return kindLabels[KindUnknown]
}

// Error is the failure returned by every aborted engine operation. Only the
// payload relevant to the kind is populated.
type Error struct {
	Kind ErrorKind
	// HealthFactor carries the computed ratio for KindBreaksHealthFactor.
	HealthFactor *big.Int
	// Asset names the offending collateral for KindUnknownAsset.
	Asset string
	// Err is the underlying cause, typically a collaborator failure.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "dsc engine: " + e.Kind.String()
	if e.HealthFactor != nil {
		msg += " (health factor " + e.HealthFactor.String() + ")"
	}
	if e.Asset != "" {
		msg += " (asset " + e.Asset + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind so callers can compare against the
// exported sentinels regardless of payload.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

var (
	ErrConfigurationMismatch    = &Error{Kind: KindConfigurationMismatch}
	ErrZeroAmount               = &Error{Kind: KindZeroAmount}
	ErrUnknownAsset             = &Error{Kind: KindUnknownAsset}
	ErrTransferFailed           = &Error{Kind: KindTransferFailed}
	ErrMintFailed               = &Error{Kind: KindMintFailed}
	ErrInsufficientCollateral   = &Error{Kind: KindInsufficientCollateral}
	ErrBurnAmountExceedsBalance = &Error{Kind: KindBurnAmountExceedsBalance}
	ErrBreaksHealthFactor       = &Error{Kind: KindBreaksHealthFactor}
	ErrHealthFactorOk           = &Error{Kind: KindHealthFactorOk}
	ErrHealthFactorNotImproved  = &Error{Kind: KindHealthFactorNotImproved}
	ErrReentrantCall            = &Error{Kind: KindReentrantCall}
	ErrAmountOverflow           = &Error{Kind: KindAmountOverflow}
	ErrInvalidPrice             = &Error{Kind: KindInvalidPrice}
)

// KindOf extracts the failure variant from err, returning KindUnknown for
// errors that did not originate from the engine taxonomy.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) && typed != nil {
		return typed.Kind
	}
	return KindUnknown
}

// HealthFactorOf returns the ratio attached to a BreaksHealthFactor failure.
func HealthFactorOf(err error) (*big.Int, bool) {
	var typed *Error
	if !errors.As(err, &typed) || typed == nil || typed.HealthFactor == nil {
		return nil, false
	}
	return new(big.Int).Set(typed.HealthFactor), true
}

func newError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

func unknownAsset(asset string) *Error {
	return &Error{Kind: KindUnknownAsset, Asset: asset}
}

func breaksHealthFactor(ratio *big.Int) *Error {
	return &Error{Kind: KindBreaksHealthFactor, HealthFactor: new(big.Int).Set(ratio)}
}
