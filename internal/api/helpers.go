package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chatcore/internal/types"

	"github.com/google/uuid"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func newUserMessage(text, sessionID string, roleID, projectID int64) types.Message {
	return types.Message{
		ID:        uuid.NewString(),
		Sender:    types.SenderUser,
		Text:      text,
		SessionID: sessionID,
		RoleID:    roleID,
		ProjectID: projectID,
		CreatedAt: time.Now().UTC(),
	}
}
