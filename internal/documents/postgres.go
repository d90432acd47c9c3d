package documents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"atv.dev/internal/cryptox"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so store operations can run
// standalone or inside a caller-owned transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGStore persists documents, status history, activities and attachments.
// Document content is sealed with the field-encryption box before it touches
// the database; metadata stays plaintext jsonb so it can be queried.
type PGStore struct {
	db  *sql.DB
	box *cryptox.Box
}

func NewPGStore(db *sql.DB, box *cryptox.Box) *PGStore {
	return &PGStore{db: db, box: box}
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalMap(data []byte, dst *map[string]string) error {
	if len(data) == 0 {
		*dst = nil
		return nil
	}
	return json.Unmarshal(data, dst)
}

func (s *PGStore) sealContent(content map[string]any) ([]byte, error) {
	if content == nil {
		content = map[string]any{}
	}
	return s.box.SealJSON(content)
}

func (s *PGStore) openContent(sealed []byte, dst *map[string]any) error {
	if len(sealed) == 0 {
		*dst = map[string]any{}
		return nil
	}
	return s.box.OpenJSON(sealed, dst)
}

// scopeClause renders a Scope into SQL conditions over the given column
// aliases. Returns false when the scope admits no rows.
func scopeClause(scope Scope, serviceCol, userCol string, args *[]any, conds *[]string) bool {
	if scope.Empty {
		return false
	}
	if scope.All {
		return true
	}
	if scope.ServiceID != 0 {
		*args = append(*args, scope.ServiceID)
		*conds = append(*conds, fmt.Sprintf("%s = $%d", serviceCol, len(*args)))
	}
	if scope.OwnerID != nil {
		*args = append(*args, *scope.OwnerID)
		*conds = append(*conds, fmt.Sprintf("%s = $%d", userCol, len(*args)))
	}
	return true
}

const documentCols = `id, service_id, user_id, business_id, transaction_id, tos_function_id, tos_record_id,
	draft, locked_after, deletable, delete_after, human_readable_type, document_language, content_schema_url,
	metadata, content, status, status_display_values, created_at, updated_at`

func (s *PGStore) scanDocument(scanner interface{ Scan(...any) error }) (*Document, error) {
	var (
		doc         Document
		hrType      []byte
		metadata    []byte
		content     []byte
		displayVals []byte
	)
	err := scanner.Scan(&doc.ID, &doc.ServiceID, &doc.UserID, &doc.BusinessID, &doc.TransactionID,
		&doc.TOSFunctionID, &doc.TOSRecordID, &doc.Draft, &doc.LockedAfter, &doc.Deletable, &doc.DeleteAfter,
		&hrType, &doc.DocumentLanguage, &doc.ContentSchemaURL, &metadata, &content,
		&doc.StatusValue, &displayVals, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalMap(hrType, &doc.HumanReadableType); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return nil, err
		}
	}
	if err := s.openContent(content, &doc.Content); err != nil {
		return nil, err
	}
	if err := unmarshalMap(displayVals, &doc.StatusDisplayValues); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Create inserts the document and, when an initial status value is present,
// its first status history row in one transaction.
func (s *PGStore) Create(ctx context.Context, doc *Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.CreateTx(ctx, tx, doc); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateTx is Create running inside the caller's transaction.
func (s *PGStore) CreateTx(ctx context.Context, tx *sql.Tx, doc *Document) error {
	return s.create(ctx, tx, doc)
}

func (s *PGStore) create(ctx context.Context, q dbtx, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	hrType, err := marshalJSON(doc.HumanReadableType)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(doc.Metadata)
	if err != nil {
		return err
	}
	content, err := s.sealContent(doc.Content)
	if err != nil {
		return err
	}
	displayVals, err := marshalJSON(doc.StatusDisplayValues)
	if err != nil {
		return err
	}

	err = q.QueryRowContext(ctx, `
		insert into documents(id, service_id, user_id, business_id, transaction_id, tos_function_id, tos_record_id,
			draft, locked_after, deletable, delete_after, human_readable_type, document_language, content_schema_url,
			metadata, content, status, status_display_values, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now(), now())
		returning created_at, updated_at
	`, doc.ID, doc.ServiceID, doc.UserID, doc.BusinessID, doc.TransactionID, doc.TOSFunctionID, doc.TOSRecordID,
		doc.Draft, doc.LockedAfter, doc.Deletable, doc.DeleteAfter, hrType, doc.DocumentLanguage, doc.ContentSchemaURL,
		metadata, content, doc.StatusValue, displayVals,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return err
	}

	if doc.StatusValue != "" {
		if _, err := q.ExecContext(ctx, `
			insert into status_history(document_id, value, display_values, created_at)
			values ($1, $2, $3, now())
		`, doc.ID, doc.StatusValue, displayVals); err != nil {
			return err
		}
	}
	return nil
}

// Get fetches one document within the scope, including its attachments.
// A row outside the scope is indistinguishable from a missing one.
func (s *PGStore) Get(ctx context.Context, id uuid.UUID, scope Scope) (*Document, error) {
	return s.get(ctx, s.db, id, scope)
}

// GetTx is Get running inside the caller's transaction.
func (s *PGStore) GetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, scope Scope) (*Document, error) {
	return s.get(ctx, tx, id, scope)
}

func (s *PGStore) get(ctx context.Context, q dbtx, id uuid.UUID, scope Scope) (*Document, error) {
	args := []any{id}
	conds := []string{"id = $1"}
	if !scopeClause(scope, "service_id", "user_id", &args, &conds) {
		return nil, ErrNotFound
	}
	doc, err := s.scanDocument(q.QueryRowContext(ctx,
		`select `+documentCols+` from documents where `+strings.Join(conds, " and "), args...))
	if err != nil {
		return nil, err
	}
	atts, err := listAttachments(ctx, q, doc.ID)
	if err != nil {
		return nil, err
	}
	doc.Attachments = atts
	return doc, nil
}

// Filter narrows a List call. Zero values are not applied.
type Filter struct {
	UserID        *uuid.UUID
	TransactionID string
	BusinessID    string
	StatusValue   string
	// Metadata is matched with jsonb containment.
	Metadata map[string]any
	// IDs limits the result to an explicit set (batch lookups).
	IDs []uuid.UUID
	// OnlyDeletable limits to deletable rows (GDPR erasure preview).
	OnlyDeletable bool

	Limit  int
	Offset int
}

// List returns documents within the scope matching the filter, newest
// updates first, along with the total match count for pagination.
func (s *PGStore) List(ctx context.Context, scope Scope, filter Filter) ([]*Document, int, error) {
	var args []any
	conds := []string{"true"}
	if !scopeClause(scope, "service_id", "user_id", &args, &conds) {
		return nil, 0, nil
	}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.TransactionID != "" {
		args = append(args, filter.TransactionID)
		conds = append(conds, fmt.Sprintf("transaction_id = $%d", len(args)))
	}
	if filter.BusinessID != "" {
		args = append(args, filter.BusinessID)
		conds = append(conds, fmt.Sprintf("business_id = $%d", len(args)))
	}
	if filter.StatusValue != "" {
		args = append(args, filter.StatusValue)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(filter.Metadata) > 0 {
		meta, err := json.Marshal(filter.Metadata)
		if err != nil {
			return nil, 0, err
		}
		args = append(args, meta)
		conds = append(conds, fmt.Sprintf("metadata @> $%d", len(args)))
	}
	if len(filter.IDs) > 0 {
		placeholders := make([]string, 0, len(filter.IDs))
		for _, id := range filter.IDs {
			args = append(args, id)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		conds = append(conds, fmt.Sprintf("id in (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.OnlyDeletable {
		conds = append(conds, "deletable = true")
	}
	where := strings.Join(conds, " and ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from documents where `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `select ` + documentCols + ` from documents where ` + where + ` order by updated_at desc`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" limit %d offset %d", filter.Limit, filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		doc, err := s.scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, doc := range out {
		atts, err := listAttachments(ctx, s.db, doc.ID)
		if err != nil {
			return nil, 0, err
		}
		doc.Attachments = atts
	}
	return out, total, nil
}

// Update writes the mutable document fields and touches updated_at.
func (s *PGStore) Update(ctx context.Context, doc *Document) error {
	return s.update(ctx, s.db, doc)
}

// UpdateTx is Update running inside the caller's transaction.
func (s *PGStore) UpdateTx(ctx context.Context, tx *sql.Tx, doc *Document) error {
	return s.update(ctx, tx, doc)
}

func (s *PGStore) update(ctx context.Context, q dbtx, doc *Document) error {
	hrType, err := marshalJSON(doc.HumanReadableType)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(doc.Metadata)
	if err != nil {
		return err
	}
	content, err := s.sealContent(doc.Content)
	if err != nil {
		return err
	}
	displayVals, err := marshalJSON(doc.StatusDisplayValues)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		update documents
		set user_id = $2, business_id = $3, draft = $4, locked_after = $5, deletable = $6, delete_after = $7,
		    human_readable_type = $8, document_language = $9, content_schema_url = $10,
		    metadata = $11, content = $12, status = $13, status_display_values = $14, updated_at = now()
		where id = $1
	`, doc.ID, doc.UserID, doc.BusinessID, doc.Draft, doc.LockedAfter, doc.Deletable, doc.DeleteAfter,
		hrType, doc.DocumentLanguage, doc.ContentSchemaURL, metadata, content, doc.StatusValue, displayVals)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the document; history, activities and attachments cascade.
// It returns the storage paths of the removed attachments so the caller can
// delete the backing files.
func (s *PGStore) Delete(ctx context.Context, id uuid.UUID) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	paths, err := s.DeleteTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return paths, nil
}

// DeleteTx is Delete running inside the caller's transaction.
func (s *PGStore) DeleteTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) ([]string, error) {
	paths, err := attachmentPaths(ctx, tx, `document_id = $1`, id)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `delete from documents where id = $1`, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return paths, nil
}

func attachmentPaths(ctx context.Context, q dbtx, cond string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, `select path from attachments where `+cond, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// SetStatus appends a status row if the value differs from the current one.
// The document row is locked for the duration so two concurrent posts of the
// same value cannot both decide to insert. Returns the latest row and
// whether a new one was created.
func (s *PGStore) SetStatus(ctx context.Context, docID uuid.UUID, value string, displayValues map[string]string) (*StatusHistory, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()
	sh, created, err := s.SetStatusTx(ctx, tx, docID, value, displayValues)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return sh, created, nil
}

// SetStatusTx is SetStatus running inside the caller's transaction. The row
// lock it takes is held until that transaction ends.
func (s *PGStore) SetStatusTx(ctx context.Context, tx *sql.Tx, docID uuid.UUID, value string, displayValues map[string]string) (*StatusHistory, bool, error) {
	displayJSON, err := marshalJSON(displayValues)
	if err != nil {
		return nil, false, err
	}

	var current string
	err = tx.QueryRowContext(ctx,
		`select status from documents where id = $1 for update`, docID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	if current == value {
		var sh StatusHistory
		var display []byte
		err = tx.QueryRowContext(ctx, `
			select id, document_id, value, display_values, created_at
			from status_history
			where document_id = $1
			order by created_at desc, id desc
			limit 1
		`, docID).Scan(&sh.ID, &sh.DocumentID, &sh.Value, &display, &sh.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			// Document predates status tracking; fall through to insert.
		} else if err != nil {
			return nil, false, err
		} else {
			if err := unmarshalMap(display, &sh.DisplayValues); err != nil {
				return nil, false, err
			}
			return &sh, false, nil
		}
	}

	var sh StatusHistory
	err = tx.QueryRowContext(ctx, `
		insert into status_history(document_id, value, display_values, created_at)
		values ($1, $2, $3, now())
		returning id, document_id, value, created_at
	`, docID, value, displayJSON).Scan(&sh.ID, &sh.DocumentID, &sh.Value, &sh.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	sh.DisplayValues = displayValues

	if _, err := tx.ExecContext(ctx, `
		update documents
		set status = $2, status_display_values = $3, updated_at = now()
		where id = $1
	`, docID, value, displayJSON); err != nil {
		return nil, false, err
	}
	return &sh, true, nil
}

// ListStatusHistory returns all status rows of a document, newest first,
// with their activities. When onlyVisible is set, activities hidden from end
// users are dropped.
func (s *PGStore) ListStatusHistory(ctx context.Context, docID uuid.UUID, onlyVisible bool) ([]*StatusHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, document_id, value, display_values, created_at
		from status_history
		where document_id = $1
		order by created_at desc, id desc
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StatusHistory
	byID := map[int64]*StatusHistory{}
	for rows.Next() {
		var sh StatusHistory
		var display []byte
		if err := rows.Scan(&sh.ID, &sh.DocumentID, &sh.Value, &display, &sh.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalMap(display, &sh.DisplayValues); err != nil {
			return nil, err
		}
		out = append(out, &sh)
		byID[sh.ID] = out[len(out)-1]
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	actQuery := `
		select a.id, a.status_id, a.title, a.message, a.links, a.show_to_user, a.created_at
		from activities a
		join status_history sh on sh.id = a.status_id
		where sh.document_id = $1`
	if onlyVisible {
		actQuery += ` and a.show_to_user = true`
	}
	actQuery += ` order by a.created_at desc, a.id desc`

	actRows, err := s.db.QueryContext(ctx, actQuery, docID)
	if err != nil {
		return nil, err
	}
	defer actRows.Close()
	for actRows.Next() {
		var act Activity
		var title, message, links []byte
		if err := actRows.Scan(&act.ID, &act.StatusID, &title, &message, &links, &act.ShowToUser, &act.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalMap(title, &act.Title); err != nil {
			return nil, err
		}
		if err := unmarshalMap(message, &act.Message); err != nil {
			return nil, err
		}
		if err := unmarshalMap(links, &act.Links); err != nil {
			return nil, err
		}
		if sh, ok := byID[act.StatusID]; ok {
			sh.Activities = append(sh.Activities, act)
		}
	}
	return out, actRows.Err()
}

// AddActivity appends an activity to a status row.
func (s *PGStore) AddActivity(ctx context.Context, act *Activity) error {
	return s.addActivity(ctx, s.db, act)
}

// AddActivityTx is AddActivity running inside the caller's transaction.
func (s *PGStore) AddActivityTx(ctx context.Context, tx *sql.Tx, act *Activity) error {
	return s.addActivity(ctx, tx, act)
}

func (s *PGStore) addActivity(ctx context.Context, q dbtx, act *Activity) error {
	title, err := marshalJSON(act.Title)
	if err != nil {
		return err
	}
	message, err := marshalJSON(act.Message)
	if err != nil {
		return err
	}
	links, err := marshalJSON(act.Links)
	if err != nil {
		return err
	}
	if err := q.QueryRowContext(ctx, `
		insert into activities(status_id, title, message, links, show_to_user, created_at)
		values ($1, $2, $3, $4, $5, now())
		returning id, created_at
	`, act.StatusID, title, message, links, act.ShowToUser).Scan(&act.ID, &act.CreatedAt); err != nil {
		return err
	}
	// An activity counts as a change to the document itself.
	_, err = q.ExecContext(ctx, `
		update documents set updated_at = now()
		where id = (select document_id from status_history where id = $1)
	`, act.StatusID)
	return err
}

func listAttachments(ctx context.Context, q dbtx, docID uuid.UUID) ([]Attachment, error) {
	rows, err := q.QueryContext(ctx, `
		select id, document_id, filename, media_type, size, path, created_at, updated_at
		from attachments
		where document_id = $1
		order by updated_at desc, id asc
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var att Attachment
		if err := rows.Scan(&att.ID, &att.DocumentID, &att.Filename, &att.MediaType, &att.Size, &att.Path, &att.CreatedAt, &att.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// AddAttachment inserts the attachment row. The file itself is stored by the
// caller before this runs.
func (s *PGStore) AddAttachment(ctx context.Context, att *Attachment) error {
	return addAttachment(ctx, s.db, att)
}

// AddAttachmentTx is AddAttachment running inside the caller's transaction.
func (s *PGStore) AddAttachmentTx(ctx context.Context, tx *sql.Tx, att *Attachment) error {
	return addAttachment(ctx, tx, att)
}

func addAttachment(ctx context.Context, q dbtx, att *Attachment) error {
	return q.QueryRowContext(ctx, `
		insert into attachments(document_id, filename, media_type, size, path, created_at, updated_at)
		values ($1, $2, $3, $4, $5, now(), now())
		returning id, created_at, updated_at
	`, att.DocumentID, att.Filename, att.MediaType, att.Size, att.Path).Scan(&att.ID, &att.CreatedAt, &att.UpdatedAt)
}

// GetAttachment fetches one attachment together with its parent document,
// applying the scope to the parent. Out-of-scope rows read as missing.
func (s *PGStore) GetAttachment(ctx context.Context, id int64, scope Scope) (*Attachment, *Document, error) {
	args := []any{id}
	conds := []string{"a.id = $1"}
	if !scopeClause(scope, "d.service_id", "d.user_id", &args, &conds) {
		return nil, nil, ErrNotFound
	}
	var att Attachment
	err := s.db.QueryRowContext(ctx, `
		select a.id, a.document_id, a.filename, a.media_type, a.size, a.path, a.created_at, a.updated_at
		from attachments a
		join documents d on d.id = a.document_id
		where `+strings.Join(conds, " and "), args...,
	).Scan(&att.ID, &att.DocumentID, &att.Filename, &att.MediaType, &att.Size, &att.Path, &att.CreatedAt, &att.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	doc, err := s.Get(ctx, att.DocumentID, Scope{All: true})
	if err != nil {
		return nil, nil, err
	}
	return &att, doc, nil
}

// DeleteAttachment removes the row and returns the storage path of the file.
func (s *PGStore) DeleteAttachment(ctx context.Context, id int64) (string, error) {
	return deleteAttachment(ctx, s.db, id)
}

// DeleteAttachmentTx is DeleteAttachment running inside the caller's
// transaction.
func (s *PGStore) DeleteAttachmentTx(ctx context.Context, tx *sql.Tx, id int64) (string, error) {
	return deleteAttachment(ctx, tx, id)
}

func deleteAttachment(ctx context.Context, q dbtx, id int64) (string, error) {
	var path string
	err := q.QueryRowContext(ctx,
		`delete from attachments where id = $1 returning path`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return path, err
}

// CountAttachments reports how many files a document currently has.
func (s *PGStore) CountAttachments(ctx context.Context, docID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from attachments where document_id = $1`, docID).Scan(&n)
	return n, err
}

// SweepExpired hard-deletes every document whose delete_after date has
// passed, regardless of draft, lock or deletable state. Returns the number
// of documents removed and the storage paths of their attachments.
func (s *PGStore) SweepExpired(ctx context.Context, now time.Time) (int, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	paths, err := attachmentPaths(ctx, tx,
		`document_id in (select id from documents where delete_after is not null and delete_after < $1)`, now)
	if err != nil {
		return 0, nil, err
	}
	res, err := tx.ExecContext(ctx,
		`delete from documents where delete_after is not null and delete_after < $1`, now)
	if err != nil {
		return 0, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return int(n), paths, nil
}

// AnonymizeUser erases the deletable documents of one user within the scope:
// attachments are deleted, the owner link is cleared and content and
// business id are blanked. Non-deletable documents are left untouched.
// Returns the storage paths of the removed attachments.
func (s *PGStore) AnonymizeUser(ctx context.Context, userID uuid.UUID, scope Scope) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	paths, err := s.AnonymizeUserTx(ctx, tx, userID, scope)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return paths, nil
}

// AnonymizeUserTx is AnonymizeUser running inside the caller's transaction.
func (s *PGStore) AnonymizeUserTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, scope Scope) ([]string, error) {
	var args []any
	conds := []string{"deletable = true"}
	args = append(args, userID)
	conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	if !scopeClause(scope, "service_id", "user_id", &args, &conds) {
		return nil, nil
	}
	where := strings.Join(conds, " and ")

	emptyContent, err := s.sealContent(map[string]any{})
	if err != nil {
		return nil, err
	}

	paths, err := attachmentPaths(ctx, tx,
		`document_id in (select id from documents where `+where+`)`, args...)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`delete from attachments where document_id in (select id from documents where `+where+`)`, args...); err != nil {
		return nil, err
	}
	updateArgs := append(append([]any{}, args...), emptyContent)
	query := fmt.Sprintf(`update documents set user_id = null, content = $%d, business_id = '' where %s`, len(updateArgs), where)
	if _, err := tx.ExecContext(ctx, query, updateArgs...); err != nil {
		return nil, err
	}
	return paths, nil
}
