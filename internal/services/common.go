package services

import (
	"strings"
	"time"
)

// now is swapped in tests that need to move the clock.
var now = time.Now

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

// likePattern wraps a search term for a LIKE match.
func likePattern(term string) string {
	return "%" + strings.TrimSpace(term) + "%"
}
