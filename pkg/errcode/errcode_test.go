package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(AbortedComputation, "offset %d", 7)

	assert.ErrorIs(t, err, ErrAbortedComputation)
	assert.NotErrorIs(t, err, ErrInvalidAllergyData)
	assert.True(t, Is(fmt.Errorf("callback: %w", err), AbortedComputation))
}

func TestWrapKeepsCauseCode(t *testing.T) {
	cause := New(AddressAlreadyInUse, "account x")
	err := Wrap(AlreadyInitialized, cause, "circuit %q", "c")

	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	assert.ErrorIs(t, err, ErrAddressAlreadyInUse)

	code, ok := CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, AlreadyInitialized, code)
}

func TestCodeOfPlainError(t *testing.T) {
	_, ok := CodeOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorString(t *testing.T) {
	err := New(InvalidAllergyData, "got 10 ciphertexts")
	assert.Equal(t, "InvalidAllergyData (6001): invalid allergy data format: got 10 ciphertexts", err.Error())
	assert.Equal(t, "Code(42)", Code(42).String())
	assert.Equal(t, "ClusterNotSet", ClusterNotSet.String())
}
