package aggregate

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// RandomToken returns a lowercase url-safe token derived from a random UUID.
func RandomToken() string {
	u := uuid.New()
	token := base64.StdEncoding.EncodeToString(u[:])
	token = strings.NewReplacer("/", "", "+", "", "=", "").Replace(token)
	return strings.ToLower(token)
}

// BuildScheduleID derives a schedule id from the id of the workflow (or
// instance) it targets.
func BuildScheduleID(workflowID string) string {
	return workflowID + "-" + RandomToken()
}
