package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfWrapped(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(CodeStoreUnavailable, "upsert position", base)
	wrapped := fmt.Errorf("ingest: %w", err)

	if got := CodeOf(wrapped); got != CodeStoreUnavailable {
		t.Fatalf("CodeOf = %q, want %q", got, CodeStoreUnavailable)
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("cause not reachable via errors.Is")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf plain error = %q, want empty", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidInput:      400,
		CodeNotFound:          404,
		CodeUnauthenticated:   401,
		CodeUnauthorized:      403,
		CodeRateLimited:       429,
		CodeAlreadyAssigned:   409,
		CodeAgentMismatch:     409,
		CodeInvalidTransition: 409,
		CodeNoAgentsAvailable: 422,
		CodeStoreUnavailable:  503,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}
