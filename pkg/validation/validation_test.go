package validation

import (
	"testing"

	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
)

type sample struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"omitempty,oneof=price other"`
	Note  string `validate:"max=3"`
}

func TestStructReportsFieldsByJSONName(t *testing.T) {
	err := Struct(sample{Email: "nope", Code: "bad", Note: "toolong"})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, ok := typed.Details().(map[string]string)
	if !ok {
		t.Fatalf("expected map details, got %T", typed.Details())
	}
	if details["email"] != "must be a valid email" {
		t.Fatalf("unexpected email detail: %q", details["email"])
	}
	if details["code"] != "must be one of price other" {
		t.Fatalf("unexpected code detail: %q", details["code"])
	}
	if details["Note"] != "must be at most 3" {
		t.Fatalf("unexpected note detail: %q", details["Note"])
	}
}

func TestStructAcceptsValidInput(t *testing.T) {
	if err := Struct(sample{Email: "ana@example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
