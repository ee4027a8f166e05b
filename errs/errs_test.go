package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesScopeAndRawFields(t *testing.T) {
	err := New(
		"transport",
		CodeResponse,
		WithMessage("contract validation failed"),
		WithRawCode("ContractValidationError"),
		WithRawMessage("maximum stake exceeded"),
		WithCause(errors.New("server rejected request")),
	)

	out := err.Error()
	if !strings.Contains(out, "scope=transport") {
		t.Fatalf("expected scope marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=response") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "raw_code=\"ContractValidationError\"") {
		t.Fatalf("expected raw code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"server rejected request\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestResponseExtractsServerError(t *testing.T) {
	response := map[string]any{
		"msg_type": "buy",
		"error": map[string]any{
			"code":    "InvalidContractProposal",
			"message": "Contract proposal not found",
		},
	}

	err := Response("transport", response)
	if err.Code != CodeResponse {
		t.Fatalf("expected response code, got %q", err.Code)
	}
	if err.RawCode != "InvalidContractProposal" {
		t.Fatalf("expected raw code from payload, got %q", err.RawCode)
	}
	if err.Message != "Contract proposal not found" {
		t.Fatalf("expected message from payload, got %q", err.Message)
	}
	if err.Response["msg_type"] != "buy" {
		t.Fatal("expected full response body to be retained")
	}
}

func TestIsCodeUnwrapsNestedEnvelopes(t *testing.T) {
	inner := API("subs", "Subscription type is not found in deriv-api")
	wrapped := fmt.Errorf("subscribe: %w", inner)

	if !IsCode(wrapped, CodeAPI) {
		t.Fatal("expected IsCode to match wrapped api_misuse error")
	}
	if IsCode(wrapped, CodeConnection) {
		t.Fatal("IsCode should not match a different code")
	}
	if IsCode(errors.New("plain"), CodeAPI) {
		t.Fatal("IsCode should not match plain errors")
	}
}

func TestAddedTaskCarriesTaskNameAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := AddedTask("subs manager: process response", cause)

	if err.Code != CodeAddedTask {
		t.Fatalf("expected added_task code, got %q", err.Code)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable via errors.Is")
	}
	if !strings.Contains(err.Error(), "task=\"subs manager: process response\"") {
		t.Fatalf("expected task name in error string: %s", err.Error())
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
