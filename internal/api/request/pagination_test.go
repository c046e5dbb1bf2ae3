package request

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePaginationDefaults(t *testing.T) {
	p := ParsePagination(httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, 0, p.PageSize)
	assert.Empty(t, p.PageToken)
}

func TestParsePaginationValues(t *testing.T) {
	p := ParsePagination(httptest.NewRequest("GET", "/?page_size=25&page_token=abc", nil))
	assert.Equal(t, 25, p.PageSize)
	assert.Equal(t, "abc", p.PageToken)
}

func TestParsePaginationIgnoresBadSize(t *testing.T) {
	p := ParsePagination(httptest.NewRequest("GET", "/?page_size=-3", nil))
	assert.Equal(t, 0, p.PageSize)

	p = ParsePagination(httptest.NewRequest("GET", "/?page_size=abc", nil))
	assert.Equal(t, 0, p.PageSize)
}
