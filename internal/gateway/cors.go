package gateway

// originAllowed reports whether an incoming WebSocket upgrade's Origin
// header passes the configured allowlist. An empty allowlist imposes no
// restriction. A missing Origin header (non-browser clients) is always
// allowed, even with an allowlist configured.
func originAllowed(origin string, allowlist []string) bool {
	if origin == "" || len(allowlist) == 0 {
		return true
	}
	for _, o := range allowlist {
		if o == origin {
			return true
		}
	}
	return false
}
