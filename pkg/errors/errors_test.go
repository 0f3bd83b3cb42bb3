package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Format(t *testing.T) {
	err := New(CodeConfiguration, "bad value").
		WithContext("b", 2).
		WithContext("a", 1)

	got := err.Error()
	want := "[E101] bad value (a=1, b=2)"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, CodePersistence, "x") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, CodePersistence, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestCodeOf(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := fmt.Errorf("saving state: %w", Persistence(base, "save"))

	tests := []struct {
		err  error
		want Code
	}{
		{InvalidGranularity("fortnight"), CodeConfiguration},
		{MissingField("resource_id"), CodeMalformedRecord},
		{wrapped, CodePersistence},
		{base, CodeUnknown},
	}

	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}

	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to the cause")
	}
	if !errors.Is(wrapped, &Error{Code: CodePersistence}) {
		t.Error("errors.Is should match by code")
	}
}

func TestMissingResourceSpecs(t *testing.T) {
	err := MissingResourceSpecs([]int64{3, 17})
	if !IsCode(err, CodePrecondition) {
		t.Fatalf("expected precondition code, got %s", err.Code)
	}
	if !strings.Contains(err.Error(), "3, 17") {
		t.Errorf("message should list offending ids: %s", err.Error())
	}
}

func TestMultiError_Combined(t *testing.T) {
	var m MultiError
	if m.Combined() != nil {
		t.Error("empty MultiError should combine to nil")
	}
	one := errors.New("one")
	m.Add(one)
	m.Add(nil)
	if m.Combined() != one {
		t.Error("single error should be returned as is")
	}
	m.Add(errors.New("two"))
	if !strings.HasPrefix(m.Combined().Error(), "2 errors occurred") {
		t.Errorf("unexpected message: %s", m.Combined().Error())
	}
}
