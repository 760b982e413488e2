package ctxkey

const (
	// AuthProvider is the provider tag the caller was authenticated for.
	// Set in: middleware.Auth on success.
	// Read in: relay/controller for log fields.
	AuthProvider = "auth_provider"

	// AccessCodeUsed is true when the caller presented a valid access code
	// rather than its own upstream key.
	// Set in: middleware.Auth.
	AccessCodeUsed = "access_code_used"
)
