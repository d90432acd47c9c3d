package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"atv.dev/internal/apierror"
	"atv.dev/internal/audit"
	"atv.dev/internal/documents"
)

type activityPayload struct {
	ID         int64             `json:"id"`
	Title      map[string]string `json:"title"`
	Message    map[string]string `json:"message"`
	Links      map[string]string `json:"links"`
	ShowToUser bool              `json:"show_to_user"`
	CreatedAt  time.Time         `json:"created_at"`
}

type statusPayload struct {
	ID            int64             `json:"id"`
	Value         string            `json:"value"`
	DisplayValues map[string]string `json:"status_display_values"`
	CreatedAt     time.Time         `json:"timestamp"`
	Activities    []activityPayload `json:"activities"`
}

func statusToPayload(sh *documents.StatusHistory) statusPayload {
	p := statusPayload{
		ID:            sh.ID,
		Value:         sh.Value,
		DisplayValues: sh.DisplayValues,
		CreatedAt:     sh.CreatedAt,
		Activities:    []activityPayload{},
	}
	for _, act := range sh.Activities {
		p.Activities = append(p.Activities, activityPayload{
			ID:         act.ID,
			Title:      act.Title,
			Message:    act.Message,
			Links:      act.Links,
			ShowToUser: act.ShowToUser,
			CreatedAt:  act.CreatedAt,
		})
	}
	return p
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request, rawDocID string, rest []string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			a.listStatus(w, r, rawDocID)
		case http.MethodPost:
			a.postStatus(w, r, rawDocID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case len(rest) == 2 && rest[1] == "activities":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.postActivity(w, r, rawDocID, rest[0])
	default:
		e := apierror.NotFound()
		writeError(w, e.Status, e.Code, e.Message)
	}
}

func (a *API) listStatus(w http.ResponseWriter, r *http.Request, rawDocID string) {
	ident := identity(r)
	docID, err := parseDocID(rawDocID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	// End users only see activities marked for them; integrations and
	// staff see everything.
	onlyVisible := !apiKeyPresent(ident) && !ident.Staff() && !ident.Superuser()

	actor := a.actorFor(r, ident)
	var payloads []statusPayload

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationRead,
		audit.CollectionTarget("DocumentStatusHistory", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeDocuments(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			if _, err := a.docs.GetTx(ctx, tx, docID, scope); err != nil {
				return nil, err
			}
			rows, err := a.docs.ListStatusHistory(ctx, docID, onlyVisible)
			if err != nil {
				return nil, err
			}
			payloads = make([]statusPayload, 0, len(rows))
			for _, sh := range rows {
				payloads = append(payloads, statusToPayload(sh))
			}
			return nil, nil
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Count: len(payloads), Results: payloads})
}

type statusRequest struct {
	Value         string            `json:"value"`
	DisplayValues map[string]string `json:"status_display_values"`
}

func (a *API) postStatus(w http.ResponseWriter, r *http.Request, rawDocID string) {
	ident := identity(r)
	if ident.Anonymous() {
		writeDomainError(w, r, apierror.NotAuthenticated())
		return
	}
	docID, err := parseDocID(rawDocID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if req.Value == "" {
		writeDomainError(w, r, apierror.InvalidField("value is required"))
		return
	}

	actor := a.actorFor(r, ident)
	var payload statusPayload
	var created bool

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationCreate,
		audit.CollectionTarget("DocumentStatusHistory", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeDocuments(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			doc, err := a.docs.GetTx(ctx, tx, docID, scope)
			if err != nil {
				return nil, err
			}
			if err := a.policy.AuthorizeUpdate(ctx, ident, doc, []string{"status"}); err != nil {
				return nil, err
			}
			sh, wasCreated, err := a.docs.SetStatusTx(ctx, tx, docID, req.Value, req.DisplayValues)
			if err != nil {
				return nil, err
			}
			payload = statusToPayload(sh)
			created = wasCreated
			target := audit.InstanceTarget("DocumentStatusHistory",
				strconv.FormatInt(sh.ID, 10), "id", r.URL.Path)
			return &target, nil
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	// Reposting the current value acknowledges the existing row instead of
	// duplicating it.
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, payload)
}

type activityRequest struct {
	Title      map[string]string `json:"title"`
	Message    map[string]string `json:"message"`
	Links      map[string]string `json:"links"`
	ShowToUser *bool             `json:"show_to_user"`
}

func (a *API) postActivity(w http.ResponseWriter, r *http.Request, rawDocID, rawStatusID string) {
	ident := identity(r)
	if ident.Anonymous() {
		writeDomainError(w, r, apierror.NotAuthenticated())
		return
	}
	docID, err := parseDocID(rawDocID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	statusID, err := strconv.ParseInt(rawStatusID, 10, 64)
	if err != nil {
		writeDomainError(w, r, apierror.NotFound())
		return
	}
	var req activityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	actor := a.actorFor(r, ident)
	var payload activityPayload

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationCreate,
		audit.CollectionTarget("StatusActivity", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeDocuments(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			doc, err := a.docs.GetTx(ctx, tx, docID, scope)
			if err != nil {
				return nil, err
			}
			if err := a.policy.AuthorizeUpdate(ctx, ident, doc, []string{"status"}); err != nil {
				return nil, err
			}
			statusFound := false
			rows, err := a.docs.ListStatusHistory(ctx, docID, false)
			if err != nil {
				return nil, err
			}
			for _, sh := range rows {
				if sh.ID == statusID {
					statusFound = true
					break
				}
			}
			if !statusFound {
				return nil, apierror.NotFound()
			}

			act := &documents.Activity{
				StatusID:   statusID,
				Title:      req.Title,
				Message:    req.Message,
				Links:      req.Links,
				ShowToUser: true,
			}
			if req.ShowToUser != nil {
				act.ShowToUser = *req.ShowToUser
			}
			if err := a.docs.AddActivityTx(ctx, tx, act); err != nil {
				return nil, err
			}
			payload = activityPayload{
				ID:         act.ID,
				Title:      act.Title,
				Message:    act.Message,
				Links:      act.Links,
				ShowToUser: act.ShowToUser,
				CreatedAt:  act.CreatedAt,
			}
			target := audit.InstanceTarget("StatusActivity",
				strconv.FormatInt(act.ID, 10), "id", r.URL.Path)
			return &target, nil
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}
