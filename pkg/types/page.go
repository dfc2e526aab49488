package types

const (
	DefaultPageSize = 15
	MaxPageSize     = 500
)

// PageQuery is the pagination envelope accepted by list and listLogs
type PageQuery struct {
	Limit int            `json:"limit"`
	Page  int            `json:"page"`
	Where map[string]any `json:"where"`
}

// Normalize fills defaults and clamps the page size.
func (q *PageQuery) Normalize() {
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.Page <= 0 {
		q.Page = 1
	}
}

func (q *PageQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

type PaginationResult[T any] struct {
	Items           []T   `json:"items"`
	TotalItems      int64 `json:"total_items"`
	Page            int   `json:"page"`
	PageSize        int   `json:"page_size"`
	TotalPages      int   `json:"total_pages"`
	HasNextPage     bool  `json:"has_next_page"`
	HasPreviousPage bool  `json:"has_previous_page"`
}

func NewPaginationResult[T any](items []T, total int64, q PageQuery) *PaginationResult[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if q.Limit > 0 {
		pages = int((total + int64(q.Limit) - 1) / int64(q.Limit))
	}
	return &PaginationResult[T]{
		Items:           items,
		TotalItems:      total,
		Page:            q.Page,
		PageSize:        q.Limit,
		TotalPages:      pages,
		HasNextPage:     q.Page < pages,
		HasPreviousPage: q.Page > 1,
	}
}
