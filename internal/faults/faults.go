// Package faults classifies errors across the settlement core.
//
// Packages declare their own sentinel errors with New so callers can match
// them with errors.Is, while boundary code (HTTP, workers, logs) classifies
// any wrapped chain with KindOf.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a coarse error category.
type Kind string

const (
	Validation             Kind = "validation"
	Authorization          Kind = "authorization"
	NotFound               Kind = "not_found"
	LedgerUnavailable      Kind = "ledger_unavailable"
	LedgerRevert           Kind = "ledger_revert"
	TransactionReverted    Kind = "transaction_reverted"
	ConfirmationTimeout    Kind = "confirmation_timeout"
	MissingExpectedEvent   Kind = "missing_expected_event"
	BusinessRule           Kind = "business_rule"
	SoftRejection          Kind = "soft_rejection"
	ReconciliationRequired Kind = "reconciliation_required"
	Internal               Kind = "internal"
)

// Metadata describes how a kind should be surfaced.
type Metadata struct {
	HTTPStatus int
	Retryable  bool
}

var metadataByKind = map[Kind]Metadata{
	Validation:             {HTTPStatus: http.StatusBadRequest},
	Authorization:          {HTTPStatus: http.StatusForbidden},
	NotFound:               {HTTPStatus: http.StatusNotFound},
	LedgerUnavailable:      {HTTPStatus: http.StatusBadGateway, Retryable: true},
	LedgerRevert:           {HTTPStatus: http.StatusUnprocessableEntity},
	TransactionReverted:    {HTTPStatus: http.StatusUnprocessableEntity},
	ConfirmationTimeout:    {HTTPStatus: http.StatusAccepted},
	MissingExpectedEvent:   {HTTPStatus: http.StatusInternalServerError},
	BusinessRule:           {HTTPStatus: http.StatusConflict},
	SoftRejection:          {HTTPStatus: http.StatusOK},
	ReconciliationRequired: {HTTPStatus: http.StatusInternalServerError},
	Internal:               {HTTPStatus: http.StatusInternalServerError},
}

// MetadataFor returns the surfacing metadata of k.
func MetadataFor(k Kind) Metadata {
	if md, ok := metadataByKind[k]; ok {
		return md
	}
	return metadataByKind[Internal]
}

// Error is a classified sentinel error.
type Error struct {
	kind Kind
	msg  string
}

// New declares a sentinel of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind returns the category of e.
func (e *Error) Kind() Kind { return e.kind }

// Classified is implemented by errors that carry their own Kind.
type Classified interface {
	Kind() Kind
}

// KindOf walks the wrap chain and returns the first Kind found, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var c Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	return Internal
}

// Is reports whether err is classified as k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// ReconciliationError reports a saga that failed after its ledger side effect
// was committed. Ref is the ledger-assigned identifier that must be re-attached.
type ReconciliationError struct {
	Op     string
	Ref    string
	TxHash string
	Err    error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%s: reconciliation required (ref %s, tx %s): %v", e.Op, e.Ref, e.TxHash, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Kind always reports ReconciliationRequired, regardless of the cause.
func (e *ReconciliationError) Kind() Kind { return ReconciliationRequired }
