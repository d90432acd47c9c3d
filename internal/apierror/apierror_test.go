package apierror

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDocumentLockedCarriesTimestamp(t *testing.T) {
	lockedAt := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	err := DocumentLocked(&lockedAt)
	if err.Code != CodeDocumentLocked {
		t.Fatalf("unexpected code: %s", err.Code)
	}
	if !strings.Contains(err.Message, "2021-06-01T12:00:00Z") {
		t.Fatalf("expected lock timestamp in message, got %q", err.Message)
	}

	// Non-draft failure has no lock timestamp to report.
	err = DocumentLocked(nil)
	if strings.Contains(err.Message, "Locked at") {
		t.Fatalf("unexpected lock timestamp in message: %q", err.Message)
	}
}

func TestIsAuthzFailure(t *testing.T) {
	if !IsAuthzFailure(PermissionDenied("")) {
		t.Fatal("permission denied should be an authz failure")
	}
	if !IsAuthzFailure(NotAuthenticated()) {
		t.Fatal("not authenticated should be an authz failure")
	}
	if !IsAuthzFailure(fmt.Errorf("scope documents: %w", PermissionDenied(""))) {
		t.Fatal("wrapped permission denied should be an authz failure")
	}
	if IsAuthzFailure(DocumentLocked(nil)) {
		t.Fatal("locked document is not an authz failure for audit purposes")
	}
	if IsAuthzFailure(InvalidField("bad")) {
		t.Fatal("validation failure is not an authz failure")
	}
	if IsAuthzFailure(errors.New("boom")) {
		t.Fatal("generic error is not an authz failure")
	}
}

func TestAsError(t *testing.T) {
	apiErr, ok := AsError(fmt.Errorf("outer: %w", NotFound()))
	if !ok || apiErr.Status != 404 {
		t.Fatalf("expected wrapped not found, got %v %v", apiErr, ok)
	}
	if _, ok := AsError(errors.New("plain")); ok {
		t.Fatal("plain error should not convert")
	}
}
