package syncer

import "github.com/pagenest/pagesync/internal/pages"

// pageBody carries the pushable fields shared by create and update envelopes.
// Deletions travel as updates with deleted set; there is no distinct wire
// verb.
type pageBody struct {
	Title          string   `json:"title"`
	Content        *string  `json:"content"`
	ContentType    string   `json:"content_type"`
	CanvasImageCID *string  `json:"canvas_image_cid"`
	Description    *string  `json:"description"`
	ImagePreviews  []string `json:"image_previews"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	Deleted        bool     `json:"deleted"`
}

type createEnvelope struct {
	ClientID uint `json:"client_id"`
	pageBody
}

type updateEnvelope struct {
	ServerID string `json:"server_id"`
	pageBody
}

type pushRequest struct {
	Creates []createEnvelope `json:"creates"`
	Updates []updateEnvelope `json:"updates"`
}

type createdAck struct {
	ClientID uint   `json:"client_id"`
	ServerID string `json:"server_id"`
}

type updatedAck struct {
	ServerID string `json:"server_id"`
}

// serverPage is the server-authoritative record shape, returned both in pull
// responses (where ID is set) and inside conflict entries.
type serverPage struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Content        *string  `json:"content"`
	ContentType    string   `json:"content_type"`
	CanvasImageCID *string  `json:"canvas_image_cid"`
	Description    *string  `json:"description"`
	ImagePreviews  []string `json:"image_previews"`
	UpdatedAt      string   `json:"updated_at"`
	Deleted        bool     `json:"deleted"`
}

type conflictEntry struct {
	ServerID   *string    `json:"server_id"`
	ClientID   *uint      `json:"client_id"`
	ServerPage serverPage `json:"server_page"`
}

type pushResponse struct {
	Created   []createdAck    `json:"created"`
	Updated   []updatedAck    `json:"updated"`
	Conflicts []conflictEntry `json:"conflicts"`
}

type pullResponse struct {
	Pages           []serverPage `json:"pages"`
	ServerTimestamp string       `json:"server_timestamp"`
}

func bodyFromPage(page *pages.Page) pageBody {
	return pageBody{
		Title:          page.Title,
		Content:        page.Content,
		ContentType:    string(page.ContentType),
		CanvasImageCID: page.CanvasImageCID,
		Description:    page.Description,
		ImagePreviews:  page.ImagePreviews,
		CreatedAt:      page.CreatedAt,
		UpdatedAt:      page.UpdatedAt,
		Deleted:        page.Deleted,
	}
}

func snapshotFromServerPage(record serverPage) pages.ServerSnapshot {
	return pages.ServerSnapshot{
		Title:          record.Title,
		Content:        record.Content,
		ContentType:    pages.ContentType(record.ContentType),
		Description:    record.Description,
		ImagePreviews:  record.ImagePreviews,
		CanvasImageCID: record.CanvasImageCID,
		UpdatedAt:      record.UpdatedAt,
		Deleted:        record.Deleted,
	}
}
