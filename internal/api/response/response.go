package response

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// PaginatedResponse wraps a list with its continuation token.
type PaginatedResponse struct {
	Items         any    `json:"items"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

// WritePaginated writes a paginated JSON response.
func WritePaginated(w http.ResponseWriter, status int, items any, nextPageToken string) {
	WriteJSON(w, status, PaginatedResponse{
		Items:         items,
		NextPageToken: nextPageToken,
	})
}
