package pages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TimeLayout is the fixed-width RFC 3339 UTC layout used for every stored and
// transmitted timestamp. Fixed width keeps lexicographic and chronological
// ordering identical.
const TimeLayout = "2006-01-02T15:04:05.000Z"

const minSearchQueryLength = 3

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew      = "pages.store.new"
	opCreate        = "pages.create"
	opUpdate        = "pages.update"
	opSoftDelete    = "pages.soft_delete"
	opMarkSynced    = "pages.mark_synced"
	opApplySnapshot = "pages.apply_server_snapshot"
	opFindPage      = "pages.find"
	opListPages     = "pages.list"
	opSearchPages   = "pages.search"
	opResolveTitle  = "pages.resolve_unique_title"
)

// StoreError wraps a store failure with a stable machine-readable code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the <operation>.<reason> identifier for the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig configures the Local Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable Local Store for Page records. All mutation flows
// through its transactional operations; sync bookkeeping fields are only
// touched by the dedicated MarkSynced and ApplyServerSnapshot paths.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *Store) now() string {
	return s.clock().UTC().Format(TimeLayout)
}

// Create inserts a new local-only page. The record starts dirty with no
// server identifier.
func (s *Store) Create(ctx context.Context, fields CreateFields) (*Page, error) {
	if err := ValidateTitle(fields.Title); err != nil {
		return nil, newStoreError(opCreate, "invalid_title", err)
	}
	contentType, err := ParseContentType(string(fields.ContentType))
	if err != nil {
		return nil, newStoreError(opCreate, "invalid_content_type", err)
	}

	now := s.now()
	page := Page{
		Title:       fields.Title,
		Content:     fields.Content,
		ContentType: contentType,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsDirty:     true,
	}
	if err := s.db.WithContext(ctx).Create(&page).Error; err != nil {
		s.logError(opCreate, "insert_failed", err)
		return nil, newStoreError(opCreate, "insert_failed", err)
	}
	return &page, nil
}

// CreateWithUniqueTitle inserts a new page whose title is derived from
// baseTitle, appending " (N)" when the base collides with an active page.
// The scan and insert share one transaction so two concurrent creations can
// never settle on the same title.
func (s *Store) CreateWithUniqueTitle(ctx context.Context, baseTitle string, fields CreateFields) (*Page, error) {
	if err := ValidateTitle(baseTitle); err != nil {
		return nil, newStoreError(opCreate, "invalid_title", err)
	}
	contentType, err := ParseContentType(string(fields.ContentType))
	if err != nil {
		return nil, newStoreError(opCreate, "invalid_content_type", err)
	}

	var page Page
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		title, err := s.scanUniqueTitle(tx, baseTitle, 0)
		if err != nil {
			return err
		}
		now := s.now()
		page = Page{
			Title:       title,
			Content:     fields.Content,
			ContentType: contentType,
			CreatedAt:   now,
			UpdatedAt:   now,
			IsDirty:     true,
		}
		if err := tx.Create(&page).Error; err != nil {
			return newStoreError(opCreate, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreate, "transaction_failed", txErr)
		return nil, txErr
	}
	return &page, nil
}

// Update merges the provided fields into an existing page and marks it dirty.
func (s *Store) Update(ctx context.Context, localID uint, fields UpdateFields) (*Page, error) {
	if fields.Title != nil {
		if err := ValidateTitle(*fields.Title); err != nil {
			return nil, newStoreError(opUpdate, "invalid_title", err)
		}
	}

	var page Page
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.takeForUpdate(tx, opUpdate, localID)
		if err != nil {
			return err
		}
		page = *loaded
		s.applyUpdateFields(&page, fields)
		if err := tx.Save(&page).Error; err != nil {
			return newStoreError(opUpdate, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &page, nil
}

// UpdateWithUniqueTitle renames a page with the same suffix algorithm as
// CreateWithUniqueTitle, excluding the page itself from the collision scan.
// When baseTitle already equals the current title no renumbering happens.
func (s *Store) UpdateWithUniqueTitle(ctx context.Context, localID uint, baseTitle string, fields UpdateFields) (*Page, error) {
	if err := ValidateTitle(baseTitle); err != nil {
		return nil, newStoreError(opUpdate, "invalid_title", err)
	}

	var page Page
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.takeForUpdate(tx, opUpdate, localID)
		if err != nil {
			return err
		}
		page = *loaded

		title := baseTitle
		if baseTitle != page.Title {
			title, err = s.scanUniqueTitle(tx, baseTitle, localID)
			if err != nil {
				return err
			}
		}
		page.Title = title
		s.applyUpdateFields(&page, UpdateFields{Content: fields.Content, ContentType: fields.ContentType})
		if err := tx.Save(&page).Error; err != nil {
			return newStoreError(opUpdate, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &page, nil
}

// SoftDelete flags a page as deleted and dirty so the deletion still
// propagates to the server before the record is forgotten.
func (s *Store) SoftDelete(ctx context.Context, localID uint) (*Page, error) {
	var page Page
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.takeForUpdate(tx, opSoftDelete, localID)
		if err != nil {
			return err
		}
		page = *loaded
		page.Deleted = true
		page.IsDirty = true
		page.UpdatedAt = s.now()
		if err := tx.Save(&page).Error; err != nil {
			return newStoreError(opSoftDelete, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &page, nil
}

// MarkSynced records a server acknowledgement: the server identifier is
// attached, the dirty flag cleared, and the reconciliation time stamped.
// Calling it twice with the same arguments is harmless.
func (s *Store) MarkSynced(ctx context.Context, localID uint, serverID string) (*Page, error) {
	var page Page
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.takeForUpdate(tx, opMarkSynced, localID)
		if err != nil {
			return err
		}
		page = *loaded
		page.ServerID = &serverID
		page.IsDirty = false
		syncedAt := s.now()
		page.LastSyncedAt = &syncedAt
		if err := tx.Save(&page).Error; err != nil {
			return newStoreError(opMarkSynced, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &page, nil
}

// MarkSyncedIfUnchanged records a server acknowledgement for a push built from
// the state stamped pushedUpdatedAt. The server identifier and reconciliation
// time are always attached, but the dirty flag is only cleared when the record
// still matches the pushed state: an edit that landed while the push was in
// flight keeps the record dirty so it travels on the next round. The returned
// flag reports whether the record was settled.
func (s *Store) MarkSyncedIfUnchanged(ctx context.Context, localID uint, serverID, pushedUpdatedAt string) (*Page, bool, error) {
	var page Page
	settled := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.takeForUpdate(tx, opMarkSynced, localID)
		if err != nil {
			return err
		}
		page = *loaded
		page.ServerID = &serverID
		syncedAt := s.now()
		page.LastSyncedAt = &syncedAt
		if page.UpdatedAt == pushedUpdatedAt {
			page.IsDirty = false
			settled = true
		}
		if err := tx.Save(&page).Error; err != nil {
			return newStoreError(opMarkSynced, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, false, txErr
	}
	return &page, settled, nil
}

// ApplyServerSnapshot overwrites the pushable fields with server-authoritative
// state and clears the dirty flag. Used after a conflict response, where the
// server's version wins regardless of local edits.
func (s *Store) ApplyServerSnapshot(ctx context.Context, localID uint, snapshot ServerSnapshot) (*Page, error) {
	page, _, err := s.applySnapshot(ctx, localID, snapshot, true)
	return page, err
}

// ApplyServerSnapshotIfClean overwrites from the server only when the record
// is not dirty. A record dirtied while a pull was in flight keeps its local
// edits; they remain queued for push and the server resolves the divergence
// on the next round trip. The returned flag reports whether the snapshot was
// applied.
func (s *Store) ApplyServerSnapshotIfClean(ctx context.Context, localID uint, snapshot ServerSnapshot) (*Page, bool, error) {
	return s.applySnapshot(ctx, localID, snapshot, false)
}

func (s *Store) applySnapshot(ctx context.Context, localID uint, snapshot ServerSnapshot, overwriteDirty bool) (*Page, bool, error) {
	var page Page
	applied := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.takeForUpdate(tx, opApplySnapshot, localID)
		if err != nil {
			return err
		}
		page = *loaded
		if page.IsDirty && !overwriteDirty {
			return nil
		}

		page.Title = snapshot.Title
		page.Content = snapshot.Content
		page.ContentType = snapshot.ContentType
		page.Description = snapshot.Description
		page.ImagePreviews = snapshot.ImagePreviews
		page.CanvasImageCID = snapshot.CanvasImageCID
		page.UpdatedAt = snapshot.UpdatedAt
		page.Deleted = snapshot.Deleted
		page.IsDirty = false
		syncedAt := s.now()
		page.LastSyncedAt = &syncedAt
		if err := tx.Save(&page).Error; err != nil {
			return newStoreError(opApplySnapshot, "save_failed", err)
		}
		applied = true
		return nil
	})
	if txErr != nil {
		s.logError(opApplySnapshot, "transaction_failed", txErr, zap.Uint("local_id", localID))
		return nil, false, txErr
	}
	return &page, applied, nil
}

// CreateFromServer inserts a page first seen in a pull response. The record
// is born reconciled: server identifier attached, not dirty, last-synced
// stamped. The server never transmits a creation time, so the snapshot's
// update time doubles as it.
func (s *Store) CreateFromServer(ctx context.Context, serverID string, snapshot ServerSnapshot) (*Page, error) {
	contentType, err := ParseContentType(string(snapshot.ContentType))
	if err != nil {
		return nil, newStoreError(opCreate, "invalid_content_type", err)
	}

	syncedAt := s.now()
	page := Page{
		ServerID:       &serverID,
		Title:          snapshot.Title,
		Content:        snapshot.Content,
		ContentType:    contentType,
		Description:    snapshot.Description,
		ImagePreviews:  snapshot.ImagePreviews,
		CanvasImageCID: snapshot.CanvasImageCID,
		CreatedAt:      snapshot.UpdatedAt,
		UpdatedAt:      snapshot.UpdatedAt,
		IsDirty:        false,
		LastSyncedAt:   &syncedAt,
		Deleted:        snapshot.Deleted,
	}
	if err := s.db.WithContext(ctx).Create(&page).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("server_id", serverID))
		return nil, newStoreError(opCreate, "insert_failed", err)
	}
	return &page, nil
}

// ClearDirty drops the dirty flag without recording a reconciliation time.
// Used when a queued create and a later delete cancel out: the server never
// saw the record, so there is no server-confirmed state to stamp.
func (s *Store) ClearDirty(ctx context.Context, localID uint) (*Page, error) {
	var page Page
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.takeForUpdate(tx, opMarkSynced, localID)
		if err != nil {
			return err
		}
		page = *loaded
		page.IsDirty = false
		if err := tx.Save(&page).Error; err != nil {
			return newStoreError(opMarkSynced, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &page, nil
}

// FindByLocalID returns the page for localID, or nil when absent.
func (s *Store) FindByLocalID(ctx context.Context, localID uint) (*Page, error) {
	var page Page
	err := s.db.WithContext(ctx).Where("local_id = ?", localID).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opFindPage, "query_failed", err, zap.Uint("local_id", localID))
		return nil, newStoreError(opFindPage, "query_failed", err)
	}
	return &page, nil
}

// FindByServerID returns the page carrying serverID, or nil when absent.
func (s *Store) FindByServerID(ctx context.Context, serverID string) (*Page, error) {
	var page Page
	err := s.db.WithContext(ctx).Where("server_id = ?", serverID).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opFindPage, "query_failed", err, zap.String("server_id", serverID))
		return nil, newStoreError(opFindPage, "query_failed", err)
	}
	return &page, nil
}

// ListActive returns non-deleted pages ordered by most recently updated.
// A non-positive limit disables pagination.
func (s *Store) ListActive(ctx context.Context, limit, offset int) ([]Page, error) {
	query := s.db.WithContext(ctx).
		Where("deleted = ?", false).
		Order("updated_at DESC")
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}

	var result []Page
	if err := query.Find(&result).Error; err != nil {
		s.logError(opListPages, "query_failed", err)
		return nil, newStoreError(opListPages, "query_failed", err)
	}
	return result, nil
}

// Search performs a case-insensitive substring match over title and content
// of active pages. Queries shorter than three characters return an empty
// result without touching storage. Title matches rank before content-only
// matches, ties broken by recency.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Page, error) {
	trimmed := strings.TrimSpace(query)
	if len([]rune(trimmed)) < minSearchQueryLength {
		return []Page{}, nil
	}

	pattern := "%" + escapeLikePattern(strings.ToLower(trimmed)) + "%"
	var result []Page
	err := s.db.WithContext(ctx).
		Where("deleted = ? AND (LOWER(title) LIKE ? ESCAPE '\\' OR LOWER(COALESCE(content, '')) LIKE ? ESCAPE '\\')", false, pattern, pattern).
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:                "CASE WHEN LOWER(title) LIKE ? ESCAPE '\\' THEN 0 ELSE 1 END, updated_at DESC",
			Vars:               []interface{}{pattern},
			WithoutParentheses: true,
		}}).
		Limit(limit).
		Find(&result).Error
	if err != nil {
		s.logError(opSearchPages, "query_failed", err)
		return nil, newStoreError(opSearchPages, "query_failed", err)
	}
	return result, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLikePattern neutralizes LIKE metacharacters so user input matches as a
// literal substring.
func escapeLikePattern(query string) string {
	return likeEscaper.Replace(query)
}

// ListDirty returns every record whose local state has diverged from the last
// known server state, including soft-deleted ones awaiting propagation.
func (s *Store) ListDirty(ctx context.Context) ([]Page, error) {
	return s.listWhere(ctx, "is_dirty = ?", true)
}

// ListNew returns dirty records the server has never accepted.
func (s *Store) ListNew(ctx context.Context) ([]Page, error) {
	return s.listWhere(ctx, "is_dirty = ? AND server_id IS NULL", true)
}

// ListModified returns dirty records that already carry a server identifier.
func (s *Store) ListModified(ctx context.Context) ([]Page, error) {
	return s.listWhere(ctx, "is_dirty = ? AND server_id IS NOT NULL", true)
}

func (s *Store) listWhere(ctx context.Context, condition string, args ...interface{}) ([]Page, error) {
	var result []Page
	if err := s.db.WithContext(ctx).Where(condition, args...).Order("local_id ASC").Find(&result).Error; err != nil {
		s.logError(opListPages, "query_failed", err)
		return nil, newStoreError(opListPages, "query_failed", err)
	}
	return result, nil
}

// scanUniqueTitle collects active titles colliding with baseTitle and resolves
// the final title. excludeLocalID removes the record being renamed from the
// scan; zero excludes nothing.
func (s *Store) scanUniqueTitle(tx *gorm.DB, baseTitle string, excludeLocalID uint) (string, error) {
	scan := tx.Model(&Page{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("deleted = ?", false)
	if excludeLocalID != 0 {
		scan = scan.Where("local_id <> ?", excludeLocalID)
	}

	var titles []string
	if err := scan.Pluck("title", &titles).Error; err != nil {
		return "", newStoreError(opResolveTitle, "scan_failed", err)
	}
	return resolveUniqueTitle(baseTitle, titles), nil
}

func (s *Store) takeForUpdate(tx *gorm.DB, operation string, localID uint) (*Page, error) {
	var page Page
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("local_id = ?", localID).
		Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newStoreError(operation, "not_found", fmt.Errorf("%w: local id %d", ErrPageNotFound, localID))
	}
	if err != nil {
		return nil, newStoreError(operation, "select_failed", err)
	}
	return &page, nil
}

func (s *Store) applyUpdateFields(page *Page, fields UpdateFields) {
	if fields.Title != nil {
		page.Title = *fields.Title
	}
	if fields.Content != nil {
		page.Content = fields.Content
	}
	if fields.ContentType != nil {
		page.ContentType = *fields.ContentType
	}
	page.UpdatedAt = s.now()
	page.IsDirty = true
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("page store error", attrs...)
}
