package authz

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

type stubGrants struct {
	grants map[string]bool
	calls  int
}

func (s *stubGrants) UserHasGrant(_ context.Context, userID uuid.UUID, kind string, serviceID int64) (bool, error) {
	s.calls++
	return s.grants[kind], nil
}

func (s *stubGrants) GrantToUser(context.Context, uuid.UUID, string, int64) error    { return nil }
func (s *stubGrants) GrantToGroup(context.Context, int64, string, int64) error       { return nil }
func (s *stubGrants) RevokeFromUser(context.Context, uuid.UUID, string, int64) error { return nil }

func TestHasPermissionSuperuserBypass(t *testing.T) {
	grants := &stubGrants{grants: map[string]bool{}}
	eval := NewEvaluator(grants)

	sub := Subject{UserID: uuid.New(), IsSuperuser: true}
	ok, err := eval.HasPermission(context.Background(), sub, PermDeleteDocumentUndeletable, 1)
	if err != nil {
		t.Fatalf("HasPermission: %v", err)
	}
	if !ok {
		t.Fatal("superuser must hold every permission")
	}
	if grants.calls != 0 {
		t.Fatal("superuser check must not hit the store")
	}
}

func TestHasPermissionAnonymous(t *testing.T) {
	eval := NewEvaluator(&stubGrants{grants: map[string]bool{PermViewDocuments: true}})
	ok, err := eval.HasPermission(context.Background(), Subject{Anonymous: true}, PermViewDocuments, 1)
	if err != nil {
		t.Fatalf("HasPermission: %v", err)
	}
	if ok {
		t.Fatal("anonymous subject must hold no permissions")
	}
}

func TestHasPermissionDelegatesToStore(t *testing.T) {
	grants := &stubGrants{grants: map[string]bool{PermChangeDocuments: true}}
	eval := NewEvaluator(grants)
	sub := Subject{UserID: uuid.New()}

	ok, err := eval.HasPermission(context.Background(), sub, PermChangeDocuments, 7)
	if err != nil || !ok {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
	ok, err = eval.HasPermission(context.Background(), sub, PermDeleteDocuments, 7)
	if err != nil || ok {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
}

func TestHasPermissionUnknownKind(t *testing.T) {
	eval := NewEvaluator(&stubGrants{grants: map[string]bool{}})
	if _, err := eval.HasPermission(context.Background(), Subject{UserID: uuid.New()}, "can_fly", 1); err != ErrUnknownPermission {
		t.Fatalf("got %v, want ErrUnknownPermission", err)
	}
}
