package lifecycle

import "github.com/google/uuid"

func newSessionID() string {
	return "sess_" + uuid.NewString()
}
