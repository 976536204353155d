package httpio

import "github.com/google/uuid"

// genID returns a fresh identifier suitable for a request or connection
// ID.
func genID() string {
	return uuid.NewString()
}
