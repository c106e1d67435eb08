package models

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// HistoryFilter selects history rows. When Cursor is set the listing is
// keyset paginated and Page is ignored.
type HistoryFilter struct {
	UserID   *int64      `json:"user_id,omitempty"`
	Kind     HistoryKind `json:"kind,omitempty"`
	Search   string      `json:"search,omitempty"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Cursor   string      `json:"cursor,omitempty"`
}

// Normalize applies the page defaults and caps.
func (f HistoryFilter) Normalize(maxPageSize int) HistoryFilter {
	if maxPageSize <= 0 {
		maxPageSize = MaxPageSize
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	// Keep Offset within int range.
	if lastPage := math.MaxInt / f.PageSize; f.Page > lastPage {
		f.Page = lastPage
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// Offset is the row offset of page-number pagination.
func (f HistoryFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// SearchID returns the record id the search term names, if numeric.
func (f HistoryFilter) SearchID() (int64, bool) {
	if f.Search == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(f.Search, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Matches applies every filter field except pagination.
func (f HistoryFilter) Matches(e HistoryEntry) bool {
	if f.UserID != nil && !e.Involves(*f.UserID) {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Search != "" {
		id, numeric := f.SearchID()
		byRef := e.Kind == KindTopup && strings.HasPrefix(e.Reference, f.Search)
		byID := numeric && e.ID == id
		if !byRef && !byID {
			return false
		}
	}
	return true
}

type Pagination struct {
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	TotalItems int64  `json:"total_items"`
	TotalPages int    `json:"total_pages"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type HistoryPage struct {
	Entries    []HistoryEntry `json:"entries"`
	Pagination Pagination     `json:"pagination"`
}

// NewPagination computes the totals block for a page.
func NewPagination(f HistoryFilter, total int64) Pagination {
	pages := 0
	if f.PageSize > 0 {
		pages = int((total + int64(f.PageSize) - 1) / int64(f.PageSize))
	}
	return Pagination{
		Page:       f.Page,
		PageSize:   f.PageSize,
		TotalItems: total,
		TotalPages: pages,
	}
}

// Cursor is the keyset position of the last entry of a page.
type Cursor struct {
	OccurredAt time.Time
	ID         int64
	Kind       HistoryKind
}

// CursorAfter builds the cursor that resumes listing after e.
func CursorAfter(e HistoryEntry) Cursor {
	return Cursor{OccurredAt: e.OccurredAt, ID: e.ID, Kind: e.Kind}
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d:%d:%s", c.OccurredAt.UnixNano(), c.ID, c.Kind)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Follows reports whether e sorts strictly after the cursor position.
func (c Cursor) Follows(e HistoryEntry) bool {
	return HistoryEntry{Kind: c.Kind, ID: c.ID, OccurredAt: c.OccurredAt}.Before(e)
}

// DecodeCursor parses a token produced by Cursor.Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, NewError(KindValidation, "malformed cursor", err)
	}
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 {
		return Cursor{}, NewError(KindValidation, "malformed cursor", nil)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, NewError(KindValidation, "malformed cursor", err)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, NewError(KindValidation, "malformed cursor", err)
	}
	kind := HistoryKind(parts[2])
	if !kind.Valid() {
		return Cursor{}, NewError(KindValidation, "malformed cursor", nil)
	}
	return Cursor{OccurredAt: time.Unix(0, nanos).UTC(), ID: id, Kind: kind}, nil
}
