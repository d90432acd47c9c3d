package documents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"atv.dev/internal/apierror"
	"atv.dev/internal/authz"
	"atv.dev/internal/services"
)

type stubGrants struct {
	kinds map[string]bool
}

func (s *stubGrants) UserHasGrant(_ context.Context, _ uuid.UUID, kind string, _ int64) (bool, error) {
	return s.kinds[kind], nil
}

func (s *stubGrants) GrantToUser(context.Context, uuid.UUID, string, int64) error    { return nil }
func (s *stubGrants) GrantToGroup(context.Context, int64, string, int64) error       { return nil }
func (s *stubGrants) RevokeFromUser(context.Context, uuid.UUID, string, int64) error { return nil }

func newPolicy(kinds map[string]bool, now time.Time) *Policy {
	eval := authz.NewEvaluator(&stubGrants{kinds: kinds})
	return NewPolicy(eval, WithPolicyClock(func() time.Time { return now }))
}

func identFor(u *services.User) services.Identity {
	return services.Identity{User: u}
}

func ownedDoc(owner uuid.UUID) *Document {
	return &Document{
		ID:        uuid.New(),
		ServiceID: 1,
		UserID:    &owner,
		Draft:     true,
		Deletable: true,
	}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	apiErr, ok := apierror.AsError(err)
	if !ok {
		t.Fatalf("got %v, want *apierror.Error", err)
	}
	if apiErr.Code != code {
		t.Fatalf("code = %s, want %s", apiErr.Code, code)
	}
}

func TestScopeDocuments(t *testing.T) {
	now := time.Now()
	svc := &services.Service{ID: 1, Name: "parking"}
	user := &services.User{ID: uuid.New(), Username: "alice"}

	t.Run("superuser sees everything", func(t *testing.T) {
		p := newPolicy(nil, now)
		scope, err := p.ScopeDocuments(context.Background(), identFor(&services.User{ID: uuid.New(), IsSuperuser: true}), svc, false)
		if err != nil || !scope.All {
			t.Fatalf("scope=%+v err=%v", scope, err)
		}
	})

	t.Run("anonymous sees nothing", func(t *testing.T) {
		p := newPolicy(nil, now)
		scope, err := p.ScopeDocuments(context.Background(), services.Identity{}, svc, false)
		if err != nil || !scope.Empty {
			t.Fatalf("scope=%+v err=%v", scope, err)
		}
	})

	t.Run("staff with view sees the service", func(t *testing.T) {
		p := newPolicy(map[string]bool{authz.PermViewDocuments: true}, now)
		scope, err := p.ScopeDocuments(context.Background(), identFor(user), svc, false)
		if err != nil {
			t.Fatal(err)
		}
		if scope.ServiceID != 1 || scope.OwnerID != nil {
			t.Fatalf("scope=%+v", scope)
		}
	})

	t.Run("ordinary user sees own rows", func(t *testing.T) {
		p := newPolicy(nil, now)
		scope, err := p.ScopeDocuments(context.Background(), identFor(user), svc, false)
		if err != nil {
			t.Fatal(err)
		}
		if scope.OwnerID == nil || *scope.OwnerID != user.ID || scope.ServiceID != 1 {
			t.Fatalf("scope=%+v", scope)
		}
	})

	t.Run("api key without view is a configuration error", func(t *testing.T) {
		p := newPolicy(nil, now)
		_, err := p.ScopeDocuments(context.Background(), identFor(user), svc, true)
		wantCode(t, err, apierror.CodePermissionDenied)
	})

	t.Run("staff without view is denied", func(t *testing.T) {
		p := newPolicy(nil, now)
		staff := &services.User{ID: uuid.New(), Username: "clerk", IsStaff: true}
		_, err := p.ScopeDocuments(context.Background(), identFor(staff), svc, false)
		wantCode(t, err, apierror.CodePermissionDenied)
	})
}

func TestAuthorizeUpdateOwner(t *testing.T) {
	now := time.Now()
	owner := uuid.New()
	ident := identFor(&services.User{ID: owner})

	t.Run("draft owner may update allowed fields", func(t *testing.T) {
		p := newPolicy(nil, now)
		if err := p.AuthorizeUpdate(context.Background(), ident, ownedDoc(owner), []string{"content", "draft"}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("non-draft owner is locked out without a timestamp", func(t *testing.T) {
		p := newPolicy(nil, now)
		doc := ownedDoc(owner)
		doc.Draft = false
		err := p.AuthorizeUpdate(context.Background(), ident, doc, []string{"content"})
		wantCode(t, err, apierror.CodeDocumentLocked)
		apiErr, _ := apierror.AsError(err)
		if strings.Contains(apiErr.Message, "Locked at") {
			t.Fatalf("message should not carry a timestamp: %q", apiErr.Message)
		}
	})

	t.Run("owner may not touch restricted fields", func(t *testing.T) {
		p := newPolicy(nil, now)
		err := p.AuthorizeUpdate(context.Background(), ident, ownedDoc(owner), []string{"content", "locked_after"})
		wantCode(t, err, apierror.CodeInvalidField)
		apiErr, _ := apierror.AsError(err)
		if !strings.Contains(apiErr.Message, "locked_after") {
			t.Fatalf("message should name the field: %q", apiErr.Message)
		}
	})
}

func TestAuthorizeUpdateStaffAndLock(t *testing.T) {
	now := time.Now()
	stranger := identFor(&services.User{ID: uuid.New()})

	t.Run("staff may update non-draft documents", func(t *testing.T) {
		p := newPolicy(map[string]bool{authz.PermChangeDocuments: true}, now)
		doc := ownedDoc(uuid.New())
		doc.Draft = false
		if err := p.AuthorizeUpdate(context.Background(), stranger, doc, []string{"status"}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("staff may not touch content or attachments", func(t *testing.T) {
		p := newPolicy(map[string]bool{authz.PermChangeDocuments: true}, now)
		doc := ownedDoc(uuid.New())
		doc.Draft = false
		err := p.AuthorizeUpdate(context.Background(), stranger, doc, []string{"status", "content"})
		wantCode(t, err, apierror.CodePermissionDenied)
		apiErr, _ := apierror.AsError(err)
		if !strings.Contains(apiErr.Message, "content") {
			t.Fatalf("message should name the field: %q", apiErr.Message)
		}
	})

	t.Run("passed lock blocks staff too", func(t *testing.T) {
		p := newPolicy(map[string]bool{authz.PermChangeDocuments: true}, now)
		doc := ownedDoc(uuid.New())
		doc.Draft = false
		lockedAt := now.Add(-time.Hour).UTC()
		doc.LockedAfter = &lockedAt
		err := p.AuthorizeUpdate(context.Background(), stranger, doc, []string{"status"})
		wantCode(t, err, apierror.CodeDocumentLocked)
		apiErr, _ := apierror.AsError(err)
		if !strings.Contains(apiErr.Message, lockedAt.Format(time.RFC3339)) {
			t.Fatalf("lock denial should carry the timestamp: %q", apiErr.Message)
		}
	})

	t.Run("passed lock on a draft blocks the owner with the timestamp", func(t *testing.T) {
		p := newPolicy(nil, now)
		owner := uuid.New()
		doc := ownedDoc(owner)
		lockedAt := now.Add(-24 * time.Hour).UTC()
		doc.LockedAfter = &lockedAt
		err := p.AuthorizeUpdate(context.Background(), identFor(&services.User{ID: owner}), doc, []string{"content"})
		wantCode(t, err, apierror.CodeDocumentLocked)
		apiErr, _ := apierror.AsError(err)
		if !strings.Contains(apiErr.Message, lockedAt.Format(time.RFC3339)) {
			t.Fatalf("lock denial should carry the timestamp: %q", apiErr.Message)
		}
	})

	t.Run("neither owner nor staff is denied", func(t *testing.T) {
		p := newPolicy(nil, now)
		err := p.AuthorizeUpdate(context.Background(), stranger, ownedDoc(uuid.New()), []string{"status"})
		wantCode(t, err, apierror.CodePermissionDenied)
	})
}

func TestAuthorizeDelete(t *testing.T) {
	now := time.Now()
	owner := uuid.New()
	ident := identFor(&services.User{ID: owner})

	t.Run("owner may delete own draft", func(t *testing.T) {
		p := newPolicy(nil, now)
		if err := p.AuthorizeDelete(context.Background(), ident, ownedDoc(owner)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("lock denial carries the timestamp", func(t *testing.T) {
		p := newPolicy(nil, now)
		doc := ownedDoc(owner)
		lockedAt := now.Add(-time.Hour).UTC()
		doc.LockedAfter = &lockedAt
		err := p.AuthorizeDelete(context.Background(), ident, doc)
		wantCode(t, err, apierror.CodeDocumentLocked)
		apiErr, _ := apierror.AsError(err)
		if !strings.Contains(apiErr.Message, "Locked at") {
			t.Fatalf("message should carry the lock timestamp: %q", apiErr.Message)
		}
	})

	t.Run("non-draft owner denial has no timestamp", func(t *testing.T) {
		p := newPolicy(nil, now)
		doc := ownedDoc(owner)
		doc.Draft = false
		err := p.AuthorizeDelete(context.Background(), ident, doc)
		wantCode(t, err, apierror.CodeDocumentLocked)
		apiErr, _ := apierror.AsError(err)
		if strings.Contains(apiErr.Message, "Locked at") {
			t.Fatalf("message should not carry a timestamp: %q", apiErr.Message)
		}
	})

	t.Run("undeletable document needs the override permission", func(t *testing.T) {
		p := newPolicy(map[string]bool{authz.PermDeleteDocuments: true}, now)
		doc := ownedDoc(uuid.New())
		doc.Draft = false
		doc.Deletable = false
		err := p.AuthorizeDelete(context.Background(), identFor(&services.User{ID: uuid.New()}), doc)
		wantCode(t, err, apierror.CodePermissionDenied)
		apiErr, _ := apierror.AsError(err)
		if !strings.Contains(apiErr.Message, "contractual obligation") {
			t.Fatalf("message = %q", apiErr.Message)
		}
	})

	t.Run("override permission allows undeletable removal", func(t *testing.T) {
		p := newPolicy(map[string]bool{
			authz.PermDeleteDocuments:           true,
			authz.PermDeleteDocumentUndeletable: true,
		}, now)
		doc := ownedDoc(uuid.New())
		doc.Draft = false
		doc.Deletable = false
		if err := p.AuthorizeDelete(context.Background(), identFor(&services.User{ID: uuid.New()}), doc); err != nil {
			t.Fatal(err)
		}
	})
}

func TestValidateDeletableChange(t *testing.T) {
	doc := ownedDoc(uuid.New())
	doc.Deletable = false
	err := ValidateDeletableChange(doc, true)
	wantCode(t, err, apierror.CodePermissionDenied)
	apiErr, _ := apierror.AsError(err)
	if apiErr.Message != "Field 'deletable' can't be changed if set to False" {
		t.Fatalf("message = %q", apiErr.Message)
	}
	if err := ValidateDeletableChange(doc, false); err != nil {
		t.Fatal(err)
	}
	doc.Deletable = true
	if err := ValidateDeletableChange(doc, false); err != nil {
		t.Fatal(err)
	}
}

func TestAuthorizeAttachmentAdd(t *testing.T) {
	now := time.Now()
	owner := uuid.New()

	t.Run("owner may attach to a draft", func(t *testing.T) {
		p := newPolicy(nil, now)
		if err := p.AuthorizeAttachmentAdd(context.Background(), identFor(&services.User{ID: owner}), ownedDoc(owner)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("owner may not attach to a finalized document", func(t *testing.T) {
		p := newPolicy(nil, now)
		doc := ownedDoc(owner)
		doc.Draft = false
		err := p.AuthorizeAttachmentAdd(context.Background(), identFor(&services.User{ID: owner}), doc)
		wantCode(t, err, apierror.CodeDocumentLocked)
	})

	t.Run("staff needs the attachment permission", func(t *testing.T) {
		p := newPolicy(map[string]bool{authz.PermChangeDocuments: true}, now)
		err := p.AuthorizeAttachmentAdd(context.Background(), identFor(&services.User{ID: uuid.New()}), ownedDoc(owner))
		wantCode(t, err, apierror.CodePermissionDenied)
	})

	t.Run("change grant also lets staff attach", func(t *testing.T) {
		p := newPolicy(map[string]bool{authz.PermChangeAttachments: true}, now)
		if err := p.AuthorizeAttachmentAdd(context.Background(), identFor(&services.User{ID: uuid.New()}), ownedDoc(owner)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("passed lock blocks attaching with the timestamp", func(t *testing.T) {
		p := newPolicy(map[string]bool{authz.PermAddAttachments: true}, now)
		doc := ownedDoc(owner)
		lockedAt := now.Add(-time.Hour).UTC()
		doc.LockedAfter = &lockedAt
		err := p.AuthorizeAttachmentAdd(context.Background(), identFor(&services.User{ID: uuid.New()}), doc)
		wantCode(t, err, apierror.CodeDocumentLocked)
		apiErr, _ := apierror.AsError(err)
		if !strings.Contains(apiErr.Message, lockedAt.Format(time.RFC3339)) {
			t.Fatalf("lock denial should carry the timestamp: %q", apiErr.Message)
		}
	})
}

func TestScopeGDPR(t *testing.T) {
	svc := &services.Service{ID: 3}
	p := newPolicy(nil, time.Now())

	_, err := p.ScopeGDPR(services.Identity{}, svc, false)
	wantCode(t, err, apierror.CodeNotAuthenticated)

	_, err = p.ScopeGDPR(identFor(&services.User{ID: uuid.New()}), svc, false)
	wantCode(t, err, apierror.CodePermissionDenied)

	scope, err := p.ScopeGDPR(identFor(&services.User{ID: uuid.New()}), svc, true)
	if err != nil || scope.ServiceID != 3 {
		t.Fatalf("scope=%+v err=%v", scope, err)
	}

	scope, err = p.ScopeGDPR(identFor(&services.User{ID: uuid.New(), IsSuperuser: true}), nil, false)
	if err != nil || !scope.All {
		t.Fatalf("scope=%+v err=%v", scope, err)
	}
}
