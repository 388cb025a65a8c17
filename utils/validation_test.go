package utils

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	ActorID *string `validate:"omitempty,uuid"`
	Action  string  `validate:"required,max=16"`
	Status  string  `validate:"omitempty,oneof=success failure blocked"`
	Lamport int64   `validate:"gte=0,lt=100"`
}

func TestValidateStruct(t *testing.T) {
	actor := uuid.NewString()
	badActor := "not-a-uuid"

	tests := []struct {
		name      string
		input     testEvent
		wantField string
		wantMsg   string
	}{
		{name: "valid", input: testEvent{ActorID: &actor, Action: "login", Status: "success"}},
		{name: "optional fields omitted", input: testEvent{Action: "login"}},
		{name: "missing action", input: testEvent{}, wantField: "Action", wantMsg: "Action is required"},
		{name: "action too long", input: testEvent{Action: "a-very-long-action-name"}, wantField: "Action", wantMsg: "Action must be at most 16"},
		{name: "bad actor", input: testEvent{ActorID: &badActor, Action: "x"}, wantField: "ActorID", wantMsg: "ActorID must be a valid UUID"},
		{name: "bad status", input: testEvent{Action: "x", Status: "maybe"}, wantField: "Status", wantMsg: "Status must be one of: success failure blocked"},
		{name: "negative lamport", input: testEvent{Action: "x", Lamport: -1}, wantField: "Lamport", wantMsg: "Lamport must be greater than or equal to 0"},
		{name: "lamport too large", input: testEvent{Action: "x", Lamport: 100}, wantField: "Lamport", wantMsg: "Lamport must be less than 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.input)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Equal(t, tt.wantMsg, GetValidationFields(err)[tt.wantField])
		})
	}
}

func TestNewValidationError(t *testing.T) {
	err := ValidateStruct(&testEvent{Status: "maybe", Lamport: -5})
	require.Error(t, err)

	validationErr, ok := err.(*ValidationError)
	require.True(t, ok)

	assert.Equal(t, "Validation failed", validationErr.Message)
	assert.Len(t, validationErr.Fields, 3)
	assert.Contains(t, validationErr.Fields, "Action")
	assert.Contains(t, validationErr.Fields, "Status")
	assert.Contains(t, validationErr.Fields, "Lamport")
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Message: "Test validation error",
		Fields:  map[string]string{"field1": "error1"},
	}

	assert.Equal(t, "Test validation error", err.Error())
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(&ValidationError{Message: "test"}))
	assert.True(t, IsValidationError(NewFieldError("tenantID", "bad")))
	assert.False(t, IsValidationError(assert.AnError))
}

func TestGetValidationFields(t *testing.T) {
	t.Run("gets fields from validation error", func(t *testing.T) {
		fields := map[string]string{
			"field1": "error1",
			"field2": "error2",
		}
		err := &ValidationError{Message: "test", Fields: fields}

		assert.Equal(t, fields, GetValidationFields(err))
	})

	t.Run("returns nil for non-validation error", func(t *testing.T) {
		assert.Nil(t, GetValidationFields(assert.AnError))
	})
}

func TestParseUUID(t *testing.T) {
	want := uuid.New()

	got, err := ParseUUID(want.String(), "tenantID")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = ParseUUID("nope", "tenantID")
	require.Error(t, err)
	assert.Equal(t, uuid.Nil, got)
	assert.Equal(t, "tenantID must be a valid UUID", GetValidationFields(err)["tenantID"])
}
