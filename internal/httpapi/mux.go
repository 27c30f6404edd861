package httpapi

import (
	"net/http"
)

// NewMux returns a mux with /healthz registered. Feature modules add their
// own routes.
func NewMux(db Pinger, hub HubStats) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db, hub)
	return mux
}
