package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string `json:"name" validate:"required"`
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	Skip string `json:"-" validate:"omitempty,max=1"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(&sample{Name: "x", Date: "2025-05-01"}))

	err := Struct(&sample{Date: "05/01/2025"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name required")
	assert.Contains(t, err.Error(), "date datetime=2006-01-02")
}

func TestStructRejectsNonStruct(t *testing.T) {
	assert.EqualError(t, Struct(nil), "is nil")
	assert.EqualError(t, Struct("text"), "not a struct")
}
