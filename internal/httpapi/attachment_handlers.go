package httpapi

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"atv.dev/internal/apierror"
	"atv.dev/internal/audit"
	"atv.dev/internal/documents"
)

func (a *API) handleAttachments(w http.ResponseWriter, r *http.Request, rawDocID string, rest []string) {
	switch len(rest) {
	case 0:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.addAttachment(w, r, rawDocID)
	case 1:
		attID, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			e := apierror.NotFound()
			writeError(w, e.Status, e.Code, e.Message)
			return
		}
		switch r.Method {
		case http.MethodGet:
			a.downloadAttachment(w, r, rawDocID, attID)
		case http.MethodDelete:
			a.deleteAttachment(w, r, rawDocID, attID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	default:
		e := apierror.NotFound()
		writeError(w, e.Status, e.Code, e.Message)
	}
}

func (a *API) addAttachment(w http.ResponseWriter, r *http.Request, rawDocID string) {
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
	if err := r.ParseMultipartForm(a.maxRequestBytes()); err != nil {
		writeDomainError(w, r, apierror.InvalidField("Invalid multipart body"))
		return
	}
	uploads, err := a.collectUploads(r, "file")
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if len(uploads) != 1 {
		writeDomainError(w, r, apierror.InvalidField("Exactly one file is required"))
		return
	}

	actor := a.actorFor(r, ident)

	// The blob is sealed and written before the transaction opens; a
	// rejected upload deletes it again below.
	att, err := a.sealAndSave(r.Context(), docID, uploads[0])
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationCreate,
		audit.CollectionTarget("Attachment", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeAttachments(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			doc, err := a.docs.GetTx(ctx, tx, docID, scope)
			if err != nil {
				return nil, err
			}
			if err := a.policy.AuthorizeAttachmentAdd(ctx, ident, doc); err != nil {
				return nil, err
			}
			count, err := a.docs.CountAttachments(ctx, docID)
			if err != nil {
				return nil, err
			}
			if count >= a.cfg.MaxFileUploadAllowed {
				return nil, apierror.MaxFileCountExceeded(a.cfg.MaxFileUploadAllowed)
			}
			if err := a.docs.AddAttachmentTx(ctx, tx, att); err != nil {
				return nil, err
			}
			target := audit.InstanceTarget("Attachment",
				strconv.FormatInt(att.ID, 10), "id", r.URL.Path)
			return &target, nil
		})
	if err != nil {
		_ = a.blobs.Delete(r.Context(), att.Path)
		writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Location",
		fmt.Sprintf("/v1/documents/%s/attachments/%d", docID, att.ID))
	writeJSON(w, http.StatusCreated, attachmentToPayload(docID, *att))
}

func (a *API) downloadAttachment(w http.ResponseWriter, r *http.Request, rawDocID string, attID int64) {
	ident := identity(r)
	docID, err := parseDocID(rawDocID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	actor := a.actorFor(r, ident)
	var att *documents.Attachment

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationRead,
		audit.InstanceTarget("Attachment", strconv.FormatInt(attID, 10), "id", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeAttachments(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			found, doc, err := a.docs.GetAttachment(ctx, attID, scope)
			if err != nil {
				return nil, err
			}
			if doc.ID != docID {
				return nil, apierror.NotFound()
			}
			att = found
			return nil, nil
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	rc, err := a.blobs.Open(r.Context(), att.Path)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	defer rc.Close()
	sealed, err := io.ReadAll(rc)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	data, err := a.box.Open(sealed)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	mediaType := att.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", att.Filename))
	_, _ = w.Write(data)
}

func (a *API) deleteAttachment(w http.ResponseWriter, r *http.Request, rawDocID string, attID int64) {
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

	actor := a.actorFor(r, ident)
	var blobKey string

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationDelete,
		audit.InstanceTarget("Attachment", strconv.FormatInt(attID, 10), "id", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeAttachments(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			_, doc, err := a.docs.GetAttachment(ctx, attID, scope)
			if err != nil {
				return nil, err
			}
			if doc.ID != docID {
				return nil, apierror.NotFound()
			}
			if err := a.policy.AuthorizeAttachmentDelete(ctx, ident, doc); err != nil {
				return nil, err
			}
			path, err := a.docs.DeleteAttachmentTx(ctx, tx, attID)
			if err != nil {
				return nil, err
			}
			blobKey = path
			return nil, nil
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	a.removeBlobs(r.Context(), []string{blobKey})
	w.WriteHeader(http.StatusNoContent)
}
