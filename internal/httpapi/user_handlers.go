package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"atv.dev/internal/apierror"
	"atv.dev/internal/audit"
	"atv.dev/internal/documents"
	"atv.dev/internal/services"
)

// metadataPayload is the document shape exposed by the per-user listing:
// everything except the encrypted content and file data.
type metadataPayload struct {
	ID                string            `json:"id"`
	ServiceID         int64             `json:"service_id"`
	BusinessID        string            `json:"business_id"`
	TransactionID     string            `json:"transaction_id"`
	Draft             bool              `json:"draft"`
	LockedAfter       *time.Time        `json:"locked_after"`
	Deletable         bool              `json:"deletable"`
	DeleteAfter       *string           `json:"delete_after"`
	HumanReadableType map[string]string `json:"human_readable_type"`
	DocumentLanguage  string            `json:"document_language"`
	Metadata          map[string]any    `json:"metadata"`
	Status            string            `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func documentToMetadata(doc *documents.Document) metadataPayload {
	p := metadataPayload{
		ID:                doc.ID.String(),
		ServiceID:         doc.ServiceID,
		BusinessID:        doc.BusinessID,
		TransactionID:     doc.TransactionID,
		Draft:             doc.Draft,
		LockedAfter:       doc.LockedAfter,
		Deletable:         doc.Deletable,
		HumanReadableType: doc.HumanReadableType,
		DocumentLanguage:  doc.DocumentLanguage,
		Metadata:          doc.Metadata,
		Status:            doc.StatusValue,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
	if doc.DeleteAfter != nil {
		s := doc.DeleteAfter.Format(dateLayout)
		p.DeleteAfter = &s
	}
	return p
}

func parseUserPath(path, prefix string) (uuid.UUID, error) {
	raw := strings.TrimPrefix(path, prefix)
	raw = strings.TrimSuffix(raw, "/")
	if raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, apierror.NotFound()
	}
	uid, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierror.NotFound()
	}
	return uid, nil
}

// lookupUser resolves the target user, reported with the exact detail the
// integrators match on.
func (a *API) lookupUser(ctx context.Context, id uuid.UUID) (*services.User, error) {
	user, err := a.users.FindUser(ctx, id)
	if errors.Is(err, services.ErrNotFound) {
		return nil, &apierror.Error{
			Code:    apierror.CodeNotFound,
			Message: "No user matches the given query.",
			Status:  http.StatusNotFound,
		}
	}
	return user, err
}

func (a *API) handleUserDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ident := identity(r)
	targetID, err := parseUserPath(r.URL.Path, "/v1/userdocuments/")
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	actor := a.actorFor(r, ident)
	var payloads []metadataPayload
	var total int

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationRead,
		audit.UserTarget(targetID, r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeMetadata(ident, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			if !scope.All && (scope.OwnerID == nil || *scope.OwnerID != targetID) {
				return nil, apierror.PermissionDenied("")
			}
			if _, err := a.lookupUser(ctx, targetID); err != nil {
				return nil, err
			}
			docs, count, err := a.docs.List(ctx, documents.Scope{All: true},
				documents.Filter{UserID: &targetID})
			if err != nil {
				return nil, err
			}
			payloads = make([]metadataPayload, 0, len(docs))
			for _, doc := range docs {
				payloads = append(payloads, documentToMetadata(doc))
			}
			total = count
			return nil, nil
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Count: total, Results: payloads})
}

type statisticsRow struct {
	ID                string            `json:"id"`
	ServiceID         int64             `json:"service_id"`
	Status            string            `json:"status"`
	HumanReadableType map[string]string `json:"human_readable_type"`
	TransactionID     string            `json:"transaction_id"`
	CreatedAt         time.Time         `json:"created_at"`
}

func (a *API) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ident := identity(r)
	filter, err := a.listFilter(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	actor := a.actorFor(r, ident)
	var rows []statisticsRow
	var total int

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationRead,
		audit.CollectionTarget("DocumentStatistics", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeStatistics(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			docs, count, err := a.docs.List(ctx, scope, filter)
			if err != nil {
				return nil, err
			}
			rows = make([]statisticsRow, 0, len(docs))
			for _, doc := range docs {
				rows = append(rows, statisticsRow{
					ID:                doc.ID.String(),
					ServiceID:         doc.ServiceID,
					Status:            doc.StatusValue,
					HumanReadableType: doc.HumanReadableType,
					TransactionID:     doc.TransactionID,
					CreatedAt:         doc.CreatedAt,
				})
			}
			total = count
			return nil, nil
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Count: total, Results: rows})
}

type gdprRow struct {
	ID        string `json:"id"`
	Deletable bool   `json:"deletable"`
}

func (a *API) handleGDPR(w http.ResponseWriter, r *http.Request) {
	ident := identity(r)
	targetID, err := parseUserPath(r.URL.Path, "/v1/gdpr/")
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.gdprInspect(w, r, ident, targetID)
	case http.MethodDelete:
		a.gdprErase(w, r, ident, targetID)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

// gdprInspect lists the target user's documents and whether each can be
// erased.
func (a *API) gdprInspect(w http.ResponseWriter, r *http.Request, ident services.Identity, targetID uuid.UUID) {
	actor := a.actorFor(r, ident)
	var rows []gdprRow

	err := a.recorder.RecordAction(r.Context(), actor, audit.OperationRead,
		audit.UserTarget(targetID, r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeGDPR(ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			if _, err := a.lookupUser(ctx, targetID); err != nil {
				return nil, err
			}
			docs, _, err := a.docs.List(ctx, scope, documents.Filter{UserID: &targetID})
			if err != nil {
				return nil, err
			}
			rows = make([]gdprRow, 0, len(docs))
			for _, doc := range docs {
				rows = append(rows, gdprRow{ID: doc.ID.String(), Deletable: doc.Deletable})
			}
			return nil, nil
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Count: len(rows), Results: rows})
}

// gdprErase anonymizes the target user's deletable documents: attachments
// removed, owner cleared, content and business id blanked. Non-deletable
// documents are left in place.
func (a *API) gdprErase(w http.ResponseWriter, r *http.Request, ident services.Identity, targetID uuid.UUID) {
	actor := a.actorFor(r, ident)
	var blobKeys []string

	err := a.recorder.RecordAction(r.Context(), actor, audit.OperationDelete,
		audit.UserTarget(targetID, r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeGDPR(ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			if _, err := a.lookupUser(ctx, targetID); err != nil {
				return nil, err
			}
			paths, err := a.docs.AnonymizeUserTx(ctx, tx, targetID, scope)
			if err != nil {
				return nil, err
			}
			blobKeys = paths
			return nil, nil
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	a.removeBlobs(r.Context(), blobKeys)
	w.WriteHeader(http.StatusNoContent)
}
