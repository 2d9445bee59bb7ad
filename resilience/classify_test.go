package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

func statusErr(code int) error {
	return &core.InvocationError{
		ToolID:     "tool-1",
		Capability: "search_restaurants_by_district",
		StatusCode: code,
		Err:        errors.New("upstream said no"),
	}
}

func TestClassifyHTTPStatusCodes(t *testing.T) {
	cases := []struct {
		code int
		want FailureClass
	}{
		{401, ClassAuthentication},
		{403, ClassAuthentication},
		{408, ClassTimeout},
		{504, ClassTimeout},
		{400, ClassValidation},
		{422, ClassValidation},
		{429, ClassResourceError},
		{503, ClassServiceUnavailable},
		{502, ClassServiceUnavailable},
		{424, ClassDependencyError},
		{500, ClassToolError},
	}
	for _, tc := range cases {
		if got := Classify(statusErr(tc.code)); got != tc.want {
			t.Errorf("status %d classified %s, want %s", tc.code, got, tc.want)
		}
	}
}

func TestClassifySentinels(t *testing.T) {
	cases := []struct {
		err  error
		want FailureClass
	}{
		{context.DeadlineExceeded, ClassTimeout},
		{fmt.Errorf("wrapped: %w", core.ErrTimeout), ClassTimeout},
		{core.ErrConnectionFailed, ClassNetwork},
		{core.ErrRequestFailed, ClassServiceUnavailable},
		{core.ErrCircuitBreakerOpen, ClassServiceUnavailable},
		{core.ErrToolNotFound, ClassDependencyError},
		{core.ErrInvalidConfiguration, ClassValidation},
		{errors.New("something else entirely"), ClassToolError},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	transient := []FailureClass{ClassTimeout, ClassNetwork, ClassServiceUnavailable}
	for _, class := range transient {
		if !IsTransient(class) {
			t.Errorf("%s should be transient", class)
		}
	}
	permanent := []FailureClass{ClassAuthentication, ClassValidation, ClassToolError, ClassDependencyError, ClassResourceError}
	for _, class := range permanent {
		if IsTransient(class) {
			t.Errorf("%s should not be transient", class)
		}
	}
}
