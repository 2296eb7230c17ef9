package errno

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type innerInfo struct {
	ClusterID uint `json:"cluster_id" validate:"required"`
}

type sampleDetails struct {
	Infos []innerInfo `json:"infos" validate:"required,min=1,dive"`
}

func TestFromValidator(t *testing.T) {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	})

	err := v.Struct(&sampleDetails{Infos: []innerInfo{{ClusterID: 0}}})
	require.Error(t, err)

	converted := FromValidator("details", err)
	var ve *ValidationError
	require.True(t, errors.As(converted, &ve))
	require.Len(t, ve.Fields, 1)
	assert.Equal(t, "details.infos[0].cluster_id", ve.Fields[0].Field)
	assert.Contains(t, converted.Error(), "details.infos[0].cluster_id")
}

func TestValidationErrorHelpers(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *ValidationError
		wantNil bool
	}{
		{"空错误返回nil", func() *ValidationError { return &ValidationError{} }, true},
		{"nil指针返回nil", func() *ValidationError { return nil }, true},
		{"有字段错误", func() *ValidationError { return NewValidationError("details.x", "bad %d", 1) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().OrNil()
			if tt.wantNil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidation(fmt.Errorf("wrap: %w", err)))
		})
	}
}

func TestWithFieldPrefix(t *testing.T) {
	ve := NewValidationError("details.cluster_id", "required")
	err := WithFieldPrefix("tickets[1].", fmt.Errorf("wrap: %w", ve))
	require.True(t, IsValidation(err))
	assert.Equal(t, "tickets[1].details.cluster_id", err.(*ValidationError).Fields[0].Field)
	assert.Equal(t, "details.cluster_id", ve.Fields[0].Field)

	assert.Equal(t, ErrTicketNotFound, WithFieldPrefix("tickets[0].", ErrTicketNotFound))
}

func TestIs(t *testing.T) {
	annotated := pkgerrors.Annotatef(ErrRetryNotAllowed, "pipeline %s is %s", "r1", "FINISHED")
	assert.True(t, Is(annotated, ErrRetryNotAllowed))
	assert.True(t, Is(fmt.Errorf("wrap: %w", ErrTicketNotFound), ErrTicketNotFound))
	assert.False(t, Is(annotated, ErrTicketNotFound))
	assert.False(t, Is(nil, ErrTicketNotFound))
}
