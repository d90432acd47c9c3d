package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"atv.dev/internal/apierror"
	"atv.dev/internal/audit"
	"atv.dev/internal/documents"
	"atv.dev/internal/obs"
	"atv.dev/internal/services"
	"atv.dev/internal/storage"
)

const dateLayout = "2006-01-02"

type attachmentPayload struct {
	ID        int64     `json:"id"`
	Filename  string    `json:"filename"`
	MediaType string    `json:"media_type"`
	Size      int64     `json:"size"`
	Href      string    `json:"href"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type documentPayload struct {
	ID                  string              `json:"id"`
	ServiceID           int64               `json:"service_id"`
	UserID              *string             `json:"user_id"`
	BusinessID          string              `json:"business_id"`
	TransactionID       string              `json:"transaction_id"`
	TOSFunctionID       string              `json:"tos_function_id"`
	TOSRecordID         string              `json:"tos_record_id"`
	Draft               bool                `json:"draft"`
	LockedAfter         *time.Time          `json:"locked_after"`
	Deletable           bool                `json:"deletable"`
	DeleteAfter         *string             `json:"delete_after"`
	HumanReadableType   map[string]string   `json:"human_readable_type"`
	DocumentLanguage    string              `json:"document_language"`
	ContentSchemaURL    string              `json:"content_schema_url"`
	Metadata            map[string]any      `json:"metadata"`
	Content             map[string]any      `json:"content"`
	Status              string              `json:"status"`
	StatusDisplayValues map[string]string   `json:"status_display_values"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	Attachments         []attachmentPayload `json:"attachments"`
}

func documentToPayload(doc *documents.Document) documentPayload {
	p := documentPayload{
		ID:                  doc.ID.String(),
		ServiceID:           doc.ServiceID,
		BusinessID:          doc.BusinessID,
		TransactionID:       doc.TransactionID,
		TOSFunctionID:       doc.TOSFunctionID,
		TOSRecordID:         doc.TOSRecordID,
		Draft:               doc.Draft,
		LockedAfter:         doc.LockedAfter,
		Deletable:           doc.Deletable,
		HumanReadableType:   doc.HumanReadableType,
		DocumentLanguage:    doc.DocumentLanguage,
		ContentSchemaURL:    doc.ContentSchemaURL,
		Metadata:            doc.Metadata,
		Content:             doc.Content,
		Status:              doc.StatusValue,
		StatusDisplayValues: doc.StatusDisplayValues,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
		Attachments:         []attachmentPayload{},
	}
	if doc.UserID != nil {
		s := doc.UserID.String()
		p.UserID = &s
	}
	if doc.DeleteAfter != nil {
		s := doc.DeleteAfter.Format(dateLayout)
		p.DeleteAfter = &s
	}
	for _, att := range doc.Attachments {
		p.Attachments = append(p.Attachments, attachmentToPayload(doc.ID, att))
	}
	return p
}

func attachmentToPayload(docID uuid.UUID, att documents.Attachment) attachmentPayload {
	return attachmentPayload{
		ID:        att.ID,
		Filename:  att.Filename,
		MediaType: att.MediaType,
		Size:      att.Size,
		Href:      fmt.Sprintf("/v1/documents/%s/attachments/%d", docID, att.ID),
		CreatedAt: att.CreatedAt,
		UpdatedAt: att.UpdatedAt,
	}
}

type listResponse struct {
	Count   int `json:"count"`
	Results any `json:"results"`
}

type documentRequest struct {
	UserID              *uuid.UUID        `json:"user_id"`
	BusinessID          string            `json:"business_id"`
	TransactionID       string            `json:"transaction_id"`
	TOSFunctionID       string            `json:"tos_function_id"`
	TOSRecordID         string            `json:"tos_record_id"`
	Draft               bool              `json:"draft"`
	LockedAfter         *time.Time        `json:"locked_after"`
	Deletable           *bool             `json:"deletable"`
	DeleteAfter         *string           `json:"delete_after"`
	HumanReadableType   map[string]string `json:"human_readable_type"`
	DocumentLanguage    string            `json:"document_language"`
	ContentSchemaURL    string            `json:"content_schema_url"`
	Metadata            map[string]any    `json:"metadata"`
	Content             map[string]any    `json:"content"`
	Status              string            `json:"status"`
	StatusDisplayValues map[string]string `json:"status_display_values"`
}

type upload struct {
	filename  string
	mediaType string
	data      []byte
}

func parseDocID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierror.NotFound()
	}
	return id, nil
}

func parseDeleteAfter(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, *raw)
	if err != nil {
		return nil, apierror.InvalidField("delete_after must be a date in YYYY-MM-DD format")
	}
	return &t, nil
}

// parseCreateRequest accepts either a plain JSON body or a multipart form
// with a "document" JSON field plus "attachments" file parts.
func (a *API) parseCreateRequest(w http.ResponseWriter, r *http.Request) (*documentRequest, []upload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		var req documentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return nil, nil, err
		}
		return &req, nil, nil
	}

	if err := r.ParseMultipartForm(a.maxRequestBytes()); err != nil {
		return nil, nil, apierror.InvalidField("Invalid multipart body")
	}
	var req documentRequest
	if raw := r.FormValue("document"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, nil, apierror.InvalidField("Field 'document' must be valid JSON")
		}
	}
	uploads, err := a.collectUploads(r, "attachments")
	if err != nil {
		return nil, nil, err
	}
	return &req, uploads, nil
}

func (a *API) collectUploads(r *http.Request, field string) ([]upload, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	files := r.MultipartForm.File[field]
	if len(files) > a.cfg.MaxFileUploadAllowed {
		return nil, apierror.MaxFileCountExceeded(a.cfg.MaxFileUploadAllowed)
	}
	var uploads []upload
	for _, fh := range files {
		if fh.Size > a.cfg.MaxFileSize {
			return nil, apierror.MaxFileSizeExceeded(a.cfg.MaxFileSize)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(io.LimitReader(f, a.cfg.MaxFileSize+1))
		f.Close()
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > a.cfg.MaxFileSize {
			return nil, apierror.MaxFileSizeExceeded(a.cfg.MaxFileSize)
		}
		clean, err := a.scanner.Scan(r.Context(), fh.Filename, data)
		if err != nil {
			return nil, err
		}
		if !clean {
			return nil, apierror.MaliciousFile(fh.Filename)
		}
		uploads = append(uploads, upload{
			filename:  fh.Filename,
			mediaType: fh.Header.Get("Content-Type"),
			data:      data,
		})
	}
	return uploads, nil
}

func (a *API) createDocument(w http.ResponseWriter, r *http.Request) {
	ident := identity(r)
	if ident.Anonymous() {
		writeDomainError(w, r, apierror.NotAuthenticated())
		return
	}
	req, uploads, err := a.parseCreateRequest(w, r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	svc := ident.Service
	actor := a.actorFor(r, ident)

	doc := &documents.Document{
		ID:                  uuid.New(),
		BusinessID:          req.BusinessID,
		TransactionID:       req.TransactionID,
		TOSFunctionID:       req.TOSFunctionID,
		TOSRecordID:         req.TOSRecordID,
		Draft:               req.Draft,
		LockedAfter:         req.LockedAfter,
		Deletable:           true,
		HumanReadableType:   req.HumanReadableType,
		DocumentLanguage:    req.DocumentLanguage,
		ContentSchemaURL:    req.ContentSchemaURL,
		Metadata:            req.Metadata,
		Content:             req.Content,
		StatusValue:         req.Status,
		StatusDisplayValues: req.StatusDisplayValues,
	}
	if req.Deletable != nil {
		doc.Deletable = *req.Deletable
	}
	deleteAfter, err := parseDeleteAfter(req.DeleteAfter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	doc.DeleteAfter = deleteAfter

	if apiKeyPresent(ident) {
		doc.UserID = req.UserID
	} else {
		uid := ident.User.ID
		doc.UserID = &uid
	}

	// Blobs are written before the transaction opens; a failed create
	// deletes them again below.
	var saved []documents.Attachment
	cleanup := func() {
		for _, att := range saved {
			_ = a.blobs.Delete(r.Context(), att.Path)
		}
	}
	for _, up := range uploads {
		att, err := a.sealAndSave(r.Context(), doc.ID, up)
		if err != nil {
			cleanup()
			writeDomainError(w, r, err)
			return
		}
		saved = append(saved, *att)
	}

	var created *documents.Document

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationCreate,
		audit.CollectionTarget("Document", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			if err := a.policy.AuthorizeCreate(ctx, ident, svc, apiKeyPresent(ident)); err != nil {
				return nil, err
			}
			if svc == nil {
				return nil, apierror.PermissionDenied("Service cannot be determined.")
			}
			doc.ServiceID = svc.ID

			if err := a.docs.CreateTx(ctx, tx, doc); err != nil {
				return nil, err
			}
			for i := range saved {
				if err := a.docs.AddAttachmentTx(ctx, tx, &saved[i]); err != nil {
					return nil, err
				}
			}
			doc.Attachments = saved
			created = doc
			target := audit.InstanceTarget("Document", doc.ID.String(), "id", r.URL.Path)
			return &target, nil
		})
	if err != nil {
		cleanup()
		writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/documents/"+created.ID.String())
	writeJSON(w, http.StatusCreated, documentToPayload(created))
}

// sealAndSave encrypts the file and writes the blob. It runs before the
// surrounding transaction opens so a slow upload never holds a row lock;
// the caller inserts the returned row inside the transaction and deletes
// the blob if that fails. Size reflects the original plaintext.
func (a *API) sealAndSave(ctx context.Context, docID uuid.UUID, up upload) (*documents.Attachment, error) {
	sealed, err := a.box.Seal(up.data)
	if err != nil {
		return nil, err
	}
	key := storage.NewKey(docID.String(), up.filename)
	if _, err := a.blobs.Save(ctx, key, bytes.NewReader(sealed)); err != nil {
		return nil, err
	}
	return &documents.Attachment{
		DocumentID: docID,
		Filename:   up.filename,
		MediaType:  up.mediaType,
		Size:       int64(len(up.data)),
		Path:       key,
	}, nil
}

func parseLimitOffset(r *http.Request) (int, int, error) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			return 0, 0, apierror.InvalidField("limit must be between 1 and 1000")
		}
		limit = v
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, apierror.InvalidField("offset must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}

// parseLookfor turns "key:value,key2:value2" into a metadata containment
// filter.
func parseLookfor(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	out := map[string]any{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, apierror.InvalidField("lookfor must be a comma-separated list of key:value pairs")
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func (a *API) listFilter(r *http.Request) (documents.Filter, error) {
	var filter documents.Filter
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	filter.Offset = offset

	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("user_id")); raw != "" {
		uid, err := uuid.Parse(raw)
		if err != nil {
			return filter, apierror.InvalidField("user_id must be a valid uuid")
		}
		filter.UserID = &uid
	}
	filter.TransactionID = strings.TrimSpace(q.Get("transaction_id"))
	filter.BusinessID = strings.TrimSpace(q.Get("business_id"))
	filter.StatusValue = strings.TrimSpace(q.Get("status"))
	lookfor, err := parseLookfor(strings.TrimSpace(q.Get("lookfor")))
	if err != nil {
		return filter, err
	}
	filter.Metadata = lookfor
	return filter, nil
}

func (a *API) listDocuments(w http.ResponseWriter, r *http.Request) {
	ident := identity(r)
	filter, err := a.listFilter(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	actor := a.actorFor(r, ident)
	var payloads []documentPayload
	var total int

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationRead,
		audit.CollectionTarget("Document", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeDocuments(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			docs, count, err := a.docs.List(ctx, scope, filter)
			if err != nil {
				return nil, err
			}
			payloads = make([]documentPayload, 0, len(docs))
			for _, doc := range docs {
				payloads = append(payloads, documentToPayload(doc))
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

type batchListRequest struct {
	DocumentIDs []string `json:"document_ids"`
}

func (a *API) batchListDocuments(w http.ResponseWriter, r *http.Request) {
	ident := identity(r)
	var req batchListRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if len(req.DocumentIDs) == 0 {
		writeDomainError(w, r, apierror.InvalidField("document_ids is required"))
		return
	}
	ids := make([]uuid.UUID, 0, len(req.DocumentIDs))
	var invalid []string
	for _, raw := range req.DocumentIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		ids = append(ids, id)
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		writeDomainError(w, r, apierror.InvalidField(
			"Got invalid document ids: "+strings.Join(invalid, ", ")))
		return
	}

	actor := a.actorFor(r, ident)
	var payloads []documentPayload

	err := a.recorder.RecordAction(r.Context(), actor, audit.OperationRead,
		audit.CollectionTarget("Document", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeDocuments(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			docs, _, err := a.docs.List(ctx, scope, documents.Filter{IDs: ids})
			if err != nil {
				return nil, err
			}
			payloads = make([]documentPayload, 0, len(docs))
			for _, doc := range docs {
				payloads = append(payloads, documentToPayload(doc))
			}
			return nil, nil
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Count: len(payloads), Results: payloads})
}

func (a *API) getDocument(w http.ResponseWriter, r *http.Request, rawID string) {
	ident := identity(r)
	docID, err := parseDocID(rawID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	actor := a.actorFor(r, ident)
	var payload documentPayload

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationRead,
		audit.InstanceTarget("Document", docID.String(), "id", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeDocuments(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			doc, err := a.docs.GetTx(ctx, tx, docID, scope)
			if err != nil {
				return nil, err
			}
			payload = documentToPayload(doc)
			return nil, nil
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) patchDocument(w http.ResponseWriter, r *http.Request, rawID string) {
	ident := identity(r)
	if ident.Anonymous() {
		writeDomainError(w, r, apierror.NotAuthenticated())
		return
	}
	docID, err := parseDocID(rawID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var rawFields map[string]json.RawMessage
	if err := decodeJSON(w, r, &rawFields); err != nil {
		writeDomainError(w, r, err)
		return
	}
	touched := make([]string, 0, len(rawFields))
	for field := range rawFields {
		touched = append(touched, field)
	}
	merged, err := json.Marshal(rawFields)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req documentRequest
	if err := json.Unmarshal(merged, &req); err != nil {
		writeDomainError(w, r, apierror.InvalidField(err.Error()))
		return
	}

	actor := a.actorFor(r, ident)
	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationUpdate,
		audit.InstanceTarget("Document", docID.String(), "id", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeDocuments(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			doc, err := a.docs.GetTx(ctx, tx, docID, scope)
			if err != nil {
				return nil, err
			}
			if err := a.policy.AuthorizeUpdate(ctx, ident, doc, touched); err != nil {
				return nil, err
			}
			return nil, a.applyPatch(ctx, tx, doc, rawFields, &req, ident)
		})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	doc, err := a.docs.Get(r.Context(), docID, documents.Scope{All: true})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentToPayload(doc))
}

func (a *API) applyPatch(ctx context.Context, tx *sql.Tx, doc *documents.Document, rawFields map[string]json.RawMessage, req *documentRequest, ident services.Identity) error {
	if _, ok := rawFields["deletable"]; ok {
		newDeletable := doc.Deletable
		if req.Deletable != nil {
			newDeletable = *req.Deletable
		}
		if err := documents.ValidateDeletableChange(doc, newDeletable); err != nil {
			return err
		}
		doc.Deletable = newDeletable
	}
	if _, ok := rawFields["user_id"]; ok {
		if err := documents.AuthorizeOwnerChange(doc, apiKeyPresent(ident)); err != nil {
			return err
		}
		doc.UserID = req.UserID
	}
	if _, ok := rawFields["business_id"]; ok {
		doc.BusinessID = req.BusinessID
	}
	if _, ok := rawFields["draft"]; ok {
		doc.Draft = req.Draft
	}
	if _, ok := rawFields["locked_after"]; ok {
		doc.LockedAfter = req.LockedAfter
	}
	if _, ok := rawFields["delete_after"]; ok {
		deleteAfter, err := parseDeleteAfter(req.DeleteAfter)
		if err != nil {
			return err
		}
		doc.DeleteAfter = deleteAfter
	}
	if _, ok := rawFields["human_readable_type"]; ok {
		doc.HumanReadableType = req.HumanReadableType
	}
	if _, ok := rawFields["document_language"]; ok {
		doc.DocumentLanguage = req.DocumentLanguage
	}
	if _, ok := rawFields["content_schema_url"]; ok {
		doc.ContentSchemaURL = req.ContentSchemaURL
	}
	if _, ok := rawFields["metadata"]; ok {
		doc.Metadata = req.Metadata
	}
	if _, ok := rawFields["content"]; ok {
		doc.Content = req.Content
	}

	statusTouched := false
	if _, ok := rawFields["status"]; ok {
		statusTouched = true
	}
	if _, ok := rawFields["status_display_values"]; ok {
		statusTouched = true
	}

	if err := a.docs.UpdateTx(ctx, tx, doc); err != nil {
		return err
	}
	// Status transitions go through the history table so every change
	// leaves a row.
	if statusTouched {
		value := doc.StatusValue
		if _, ok := rawFields["status"]; ok {
			value = req.Status
		}
		display := doc.StatusDisplayValues
		if _, ok := rawFields["status_display_values"]; ok {
			display = req.StatusDisplayValues
		}
		if _, _, err := a.docs.SetStatusTx(ctx, tx, doc.ID, value, display); err != nil {
			return err
		}
	}
	return nil
}

func (a *API) deleteDocument(w http.ResponseWriter, r *http.Request, rawID string) {
	ident := identity(r)
	if ident.Anonymous() {
		writeDomainError(w, r, apierror.NotAuthenticated())
		return
	}
	docID, err := parseDocID(rawID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	actor := a.actorFor(r, ident)
	var blobKeys []string

	err = a.recorder.RecordAction(r.Context(), actor, audit.OperationDelete,
		audit.InstanceTarget("Document", docID.String(), "id", r.URL.Path), "",
		func(ctx context.Context, tx *sql.Tx) (*audit.Target, error) {
			scope, err := a.policy.ScopeDocuments(ctx, ident, ident.Service, apiKeyPresent(ident))
			if err != nil {
				return nil, err
			}
			doc, err := a.docs.GetTx(ctx, tx, docID, scope)
			if err != nil {
				return nil, err
			}
			if err := a.policy.AuthorizeDelete(ctx, ident, doc); err != nil {
				return nil, err
			}
			paths, err := a.docs.DeleteTx(ctx, tx, docID)
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

func (a *API) removeBlobs(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := a.blobs.Delete(ctx, key); err != nil {
			obs.LogJSON(map[string]any{
				"level": "error",
				"msg":   "blob removal failed",
				"key":   key,
				"error": err.Error(),
			})
		}
	}
}
