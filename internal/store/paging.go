package store

import (
	"encoding/base64"
	"strconv"

	"github.com/edvin/orchestrator/internal/errkind"
)

// Page tokens are opaque to callers: a base64-encoded non-negative offset.

func EncodePageToken(offset int) string {
	if offset <= 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func DecodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, errkind.Wrap(errkind.InvalidRequest, "malformed page token", err)
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, errkind.New(errkind.InvalidRequest, "malformed page token")
	}
	return offset, nil
}

// clampPageSize folds out-of-range page sizes into [1, max], substituting def
// for zero or negative values.
func clampPageSize(size, def, max int) int {
	if size <= 0 {
		return def
	}
	if size > max {
		return max
	}
	return size
}
