package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errStock = New(BusinessRule, "insufficient stock")

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"sentinel", errStock, BusinessRule},
		{"wrapped sentinel", fmt.Errorf("reserve: %w", errStock), BusinessRule},
		{"plain error", errors.New("boom"), Internal},
		{
			"reconciliation wins over cause",
			&ReconciliationError{Op: "listing", Ref: "7", Err: New(Internal, "db down")},
			ReconciliationRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestReconciliationError_Unwrap(t *testing.T) {
	cause := errors.New("insert failed")
	err := &ReconciliationError{Op: "create_listing", Ref: "12", TxHash: "0xabc", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, ReconciliationRequired))
	assert.Contains(t, err.Error(), "ref 12")
}

func TestMetadataFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, MetadataFor(Validation).HTTPStatus)
	assert.True(t, MetadataFor(LedgerUnavailable).Retryable)
	assert.False(t, MetadataFor(TransactionReverted).Retryable)
	assert.Equal(t, http.StatusInternalServerError, MetadataFor(Kind("bogus")).HTTPStatus)
}
