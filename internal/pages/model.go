package pages

import (
	"errors"
	"fmt"
	"strings"
)

// ContentType distinguishes rich-text pages from canvas documents.
type ContentType string

const (
	// ContentTypePage is a rich-text document.
	ContentTypePage ContentType = "page"
	// ContentTypeCanvas is a serialized canvas document.
	ContentTypeCanvas ContentType = "canvas"
)

const (
	maxTitleLength      = 200
	forbiddenTitleChars = "\"/\\*<>:|?"
)

var (
	// ErrInvalidTitle indicates that a page title is empty, too long, or contains forbidden characters.
	ErrInvalidTitle = errors.New("pages: invalid title")
	// ErrInvalidContentType indicates an unrecognized content type value.
	ErrInvalidContentType = errors.New("pages: invalid content type")
	// ErrPageNotFound indicates that no page exists for the supplied local identifier.
	ErrPageNotFound = errors.New("pages: page not found")
)

// ParseContentType validates raw input and returns a ContentType.
func ParseContentType(rawInput string) (ContentType, error) {
	switch ContentType(strings.TrimSpace(rawInput)) {
	case ContentTypePage, "":
		return ContentTypePage, nil
	case ContentTypeCanvas:
		return ContentTypeCanvas, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidContentType, rawInput)
	}
}

// ValidateTitle enforces the title constraints shared by every creation path.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(title) > maxTitleLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	if strings.ContainsAny(title, forbiddenTitleChars) {
		return fmt.Errorf("%w: contains forbidden character", ErrInvalidTitle)
	}
	return nil
}

// Page models the locally persisted document with sync bookkeeping.
//
// Timestamps are RFC 3339 UTC strings so that string ordering matches time
// ordering, both in the table and on the wire.
type Page struct {
	LocalID        uint        `gorm:"column:local_id;primaryKey;autoIncrement"`
	ServerID       *string     `gorm:"column:server_id;size:190;uniqueIndex:idx_pages_server_id"`
	Title          string      `gorm:"column:title;size:200;not null"`
	Content        *string     `gorm:"column:content;type:text"`
	ContentType    ContentType `gorm:"column:content_type;size:16;not null;default:page"`
	Description    *string     `gorm:"column:description;type:text"`
	ImagePreviews  []string    `gorm:"column:image_previews;type:text;serializer:json"`
	CanvasImageCID *string     `gorm:"column:canvas_image_cid;size:190"`
	CreatedAt      string      `gorm:"column:created_at;size:35;not null;autoCreateTime:false"`
	UpdatedAt      string      `gorm:"column:updated_at;size:35;not null;autoUpdateTime:false;index:idx_pages_updated_at"`
	IsDirty        bool        `gorm:"column:is_dirty;not null;default:false;index:idx_pages_dirty"`
	LastSyncedAt   *string     `gorm:"column:last_synced_at;size:35"`
	Deleted        bool        `gorm:"column:deleted;not null;default:false;index:idx_pages_deleted"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// CreateFields carries the caller-supplied fields for a new page.
type CreateFields struct {
	Title       string
	Content     *string
	ContentType ContentType
}

// UpdateFields carries a partial update; nil fields are left untouched.
type UpdateFields struct {
	Title       *string
	Content     *string
	ContentType *ContentType
}

// ServerSnapshot carries the server-authoritative fields applied on conflict
// resolution and pull.
type ServerSnapshot struct {
	Title          string
	Content        *string
	ContentType    ContentType
	Description    *string
	ImagePreviews  []string
	CanvasImageCID *string
	UpdatedAt      string
	Deleted        bool
}
