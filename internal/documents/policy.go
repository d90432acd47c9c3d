package documents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"atv.dev/internal/apierror"
	"atv.dev/internal/authz"
	"atv.dev/internal/services"
)

// Scope restricts a query to what the caller may see. Zero fields mean no
// restriction on that axis; Empty short-circuits to no rows.
type Scope struct {
	All       bool
	Empty     bool
	ServiceID int64
	OwnerID   *uuid.UUID
}

// OwnerPatchFields are the document fields an owner may touch on update.
// Staff updates are not limited to this set, except that content and
// attachments belong to the owner alone.
var OwnerPatchFields = map[string]struct{}{
	"draft":                 {},
	"content":               {},
	"metadata":              {},
	"status":                {},
	"status_display_values": {},
	"attachments":           {},
}

// Policy decides who may see and mutate documents and attachments.
type Policy struct {
	eval *authz.Evaluator
	now  func() time.Time
}

type PolicyOption func(*Policy)

func WithPolicyClock(fn func() time.Time) PolicyOption {
	return func(p *Policy) {
		if fn != nil {
			p.now = fn
		}
	}
}

func NewPolicy(eval *authz.Evaluator, opts ...PolicyOption) *Policy {
	p := &Policy{eval: eval, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func subject(ident services.Identity) authz.Subject {
	sub := authz.Subject{Anonymous: ident.Anonymous()}
	if ident.User != nil {
		sub.UserID = ident.User.ID
		sub.IsSuperuser = ident.User.IsSuperuser
		sub.IsStaff = ident.User.IsStaff
	}
	return sub
}

func isOwner(ident services.Identity, doc *Document) bool {
	return ident.User != nil && doc.UserID != nil && *doc.UserID == ident.User.ID
}

// scope applies the shared visibility rules for documents and attachments,
// differing only in which view permission gates the service-wide set.
func (p *Policy) scope(ctx context.Context, ident services.Identity, svc *services.Service, apiKeyPresent bool, viewPerm string) (Scope, error) {
	if ident.Superuser() {
		return Scope{All: true}, nil
	}
	if ident.Anonymous() {
		return Scope{Empty: true}, nil
	}

	var serviceID int64
	if svc != nil {
		serviceID = svc.ID
	}
	canView := false
	if svc != nil {
		var err error
		canView, err = p.eval.HasPermission(ctx, subject(ident), viewPerm, svc.ID)
		if err != nil {
			return Scope{}, err
		}
	}
	if canView {
		return Scope{ServiceID: serviceID}, nil
	}
	// An API key caller has no rows of its own; falling through to the
	// owner filter would be a misconfigured key, not an empty result.
	if apiKeyPresent {
		return Scope{}, apierror.PermissionDenied("")
	}
	// Same reasoning for staff accounts: they work with the service-wide
	// set or not at all, never silently degrade to their own rows.
	if ident.Staff() {
		return Scope{}, apierror.PermissionDenied("")
	}
	ownerID := ident.User.ID
	return Scope{ServiceID: serviceID, OwnerID: &ownerID}, nil
}

// ScopeDocuments returns the visibility filter for document queries.
func (p *Policy) ScopeDocuments(ctx context.Context, ident services.Identity, svc *services.Service, apiKeyPresent bool) (Scope, error) {
	return p.scope(ctx, ident, svc, apiKeyPresent, authz.PermViewDocuments)
}

// ScopeAttachments returns the visibility filter for attachment queries,
// evaluated against the parent document's service and owner.
func (p *Policy) ScopeAttachments(ctx context.Context, ident services.Identity, svc *services.Service, apiKeyPresent bool) (Scope, error) {
	return p.scope(ctx, ident, svc, apiKeyPresent, authz.PermViewAttachments)
}

// ScopeMetadata returns the filter for the per-user metadata listing.
// Superusers and API key callers see every user's metadata; token users only
// their own.
func (p *Policy) ScopeMetadata(ident services.Identity, apiKeyPresent bool) (Scope, error) {
	if ident.Anonymous() {
		return Scope{}, apierror.NotAuthenticated()
	}
	if ident.Superuser() || apiKeyPresent {
		return Scope{All: true}, nil
	}
	ownerID := ident.User.ID
	return Scope{OwnerID: &ownerID}, nil
}

// ScopeStatistics returns the filter for the statistics listing, which is
// gated on a dedicated override permission rather than document visibility.
func (p *Policy) ScopeStatistics(ctx context.Context, ident services.Identity, svc *services.Service, apiKeyPresent bool) (Scope, error) {
	if ident.Anonymous() {
		return Scope{}, apierror.NotAuthenticated()
	}
	hasOverride := false
	if !apiKeyPresent {
		var err error
		hasOverride, err = p.eval.HasPermission(ctx, subject(ident), authz.PermViewDocumentStatistics, 0)
		if err != nil {
			return Scope{}, err
		}
		if !hasOverride && !ident.Superuser() {
			return Scope{}, apierror.PermissionDenied("")
		}
	}
	if hasOverride || ident.Superuser() {
		return Scope{All: true}, nil
	}
	var serviceID int64
	if svc != nil {
		serviceID = svc.ID
	}
	return Scope{ServiceID: serviceID}, nil
}

// ScopeGDPR returns the filter for GDPR inspection and erasure. Only API key
// callers and superusers qualify; API key callers are limited to their
// service.
func (p *Policy) ScopeGDPR(ident services.Identity, svc *services.Service, apiKeyPresent bool) (Scope, error) {
	if ident.Anonymous() {
		return Scope{}, apierror.NotAuthenticated()
	}
	if !apiKeyPresent && !ident.Superuser() {
		return Scope{}, apierror.PermissionDenied("")
	}
	if ident.Superuser() {
		return Scope{All: true}, nil
	}
	var serviceID int64
	if svc != nil {
		serviceID = svc.ID
	}
	return Scope{ServiceID: serviceID}, nil
}

// AuthorizeCreate gates document creation. API key callers need the add
// permission on their service; token callers create documents they own.
func (p *Policy) AuthorizeCreate(ctx context.Context, ident services.Identity, svc *services.Service, apiKeyPresent bool) error {
	if !apiKeyPresent {
		return nil
	}
	if svc == nil {
		return apierror.PermissionDenied("")
	}
	ok, err := p.eval.HasPermission(ctx, subject(ident), authz.PermAddDocuments, svc.ID)
	if err != nil {
		return err
	}
	if !ok {
		return apierror.PermissionDenied("")
	}
	return nil
}

// AuthorizeUpdate gates a document PATCH. The caller must be the owner or
// hold the change permission; owners may only touch drafts and a restricted
// field set. A passed lock timestamp blocks everyone.
func (p *Policy) AuthorizeUpdate(ctx context.Context, ident services.Identity, doc *Document, touched []string) error {
	owner := isOwner(ident, doc)
	staff, err := p.eval.HasPermission(ctx, subject(ident), authz.PermChangeDocuments, doc.ServiceID)
	if err != nil {
		return err
	}
	if !owner && !staff {
		return apierror.PermissionDenied("")
	}
	if owner {
		if !doc.Draft {
			return apierror.DocumentLocked(nil)
		}
		var invalid []string
		for _, f := range touched {
			if _, ok := OwnerPatchFields[f]; !ok {
				invalid = append(invalid, f)
			}
		}
		if len(invalid) > 0 {
			sort.Strings(invalid)
			return apierror.InvalidField(fmt.Sprintf("Got invalid input fields: %s", strings.Join(invalid, ", ")))
		}
	} else {
		// Non-owners administer the document record; the content and its
		// attachments stay between the owner and the issuing service.
		for _, f := range touched {
			if f == "content" || f == "attachments" {
				return apierror.PermissionDenied(fmt.Sprintf("Field '%s' can be changed only by the document owner.", f))
			}
		}
	}
	if doc.Locked(p.now()) {
		// The lock, not draft status, caused this denial; report when it
		// took effect.
		return apierror.DocumentLocked(doc.LockedAfter)
	}
	return nil
}

// ValidateDeletableChange enforces the one-directional deletable transition.
func ValidateDeletableChange(doc *Document, newDeletable bool) error {
	if newDeletable && !doc.Deletable {
		return apierror.PermissionDenied("Field 'deletable' can't be changed if set to False")
	}
	return nil
}

// AuthorizeOwnerChange only lets API key callers reassign a document that
// already has an owner.
func AuthorizeOwnerChange(doc *Document, apiKeyPresent bool) error {
	if doc.UserID != nil && !apiKeyPresent {
		return apierror.PermissionDenied("Document owner can be changed only by API key users.")
	}
	return nil
}

// AuthorizeDelete gates document deletion.
func (p *Policy) AuthorizeDelete(ctx context.Context, ident services.Identity, doc *Document) error {
	return p.authorizeRemoval(ctx, ident, doc, authz.PermDeleteDocuments,
		"Document can't be deleted due to contractual obligation.")
}

// AuthorizeAttachmentDelete gates attachment deletion against the parent
// document.
func (p *Policy) AuthorizeAttachmentDelete(ctx context.Context, ident services.Identity, doc *Document) error {
	return p.authorizeRemoval(ctx, ident, doc, authz.PermDeleteAttachments,
		"File can't be deleted due to contractual obligation.")
}

func (p *Policy) authorizeRemoval(ctx context.Context, ident services.Identity, doc *Document, deletePerm, holdDetail string) error {
	owner := isOwner(ident, doc)
	staff, err := p.eval.HasPermission(ctx, subject(ident), deletePerm, doc.ServiceID)
	if err != nil {
		return err
	}
	if !owner && !staff {
		return apierror.PermissionDenied("")
	}

	notDraft := owner && !doc.Draft
	locked := doc.Locked(p.now())
	if locked || notDraft {
		// The timestamp is reported only when the lock caused the denial.
		var lockedAt *time.Time
		if locked {
			lockedAt = doc.LockedAfter
		}
		return apierror.DocumentLocked(lockedAt)
	}

	if !doc.Deletable && !doc.Draft {
		override, err := p.eval.HasPermission(ctx, subject(ident), authz.PermDeleteDocumentUndeletable, doc.ServiceID)
		if err != nil {
			return err
		}
		if !override {
			return apierror.PermissionDenied(holdDetail)
		}
	}
	return nil
}

// AuthorizeAttachmentAdd gates adding a file to a document. Owners may only
// attach to drafts; staff need the attachment add or change permission. A
// passed lock timestamp blocks everyone.
func (p *Policy) AuthorizeAttachmentAdd(ctx context.Context, ident services.Identity, doc *Document) error {
	owner := isOwner(ident, doc)
	staff, err := p.eval.HasPermission(ctx, subject(ident), authz.PermAddAttachments, doc.ServiceID)
	if err != nil {
		return err
	}
	if !staff {
		staff, err = p.eval.HasPermission(ctx, subject(ident), authz.PermChangeAttachments, doc.ServiceID)
		if err != nil {
			return err
		}
	}
	if !owner && !staff {
		return apierror.PermissionDenied("")
	}
	if doc.Locked(p.now()) {
		return apierror.DocumentLocked(doc.LockedAfter)
	}
	if owner && !doc.Draft {
		return apierror.DocumentLocked(nil)
	}
	return nil
}
