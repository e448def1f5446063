package response

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Messages []string    `json:"messages"`
	Result   interface{} `json:"result"`
}

// WriteResponse writes the result wrapped in the standard envelope with a 200 status
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope{
		Messages: []string{},
		Result:   result,
	})
}

// WriteError writes the Error envelope with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	msgs := e.Messages
	if len(e.Message) > 0 {
		msgs = append([]string{e.Message}, msgs...)
	}
	json.NewEncoder(w).Encode(envelope{
		Messages: msgs,
		Result:   e.Result,
	})
}
