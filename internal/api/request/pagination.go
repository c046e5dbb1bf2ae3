package request

import (
	"net/http"
	"strconv"
)

// Pagination holds parsed pagination parameters. The stores apply their own
// clamping; zero means "use the default".
type Pagination struct {
	PageSize  int
	PageToken string
}

// ParsePagination extracts page_size and page_token from query parameters.
func ParsePagination(r *http.Request) Pagination {
	p := Pagination{
		PageToken: r.URL.Query().Get("page_token"),
	}
	if sizeStr := r.URL.Query().Get("page_size"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil && size > 0 {
			p.PageSize = size
		}
	}
	return p
}
