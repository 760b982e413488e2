package middleware

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/nextrelay/bedrock-proxy/common/ctxkey"
)

// AuthResult is the JSON body returned to callers that fail authentication.
type AuthResult struct {
	Error bool   `json:"error"`
	Msg   string `json:"msg,omitempty"`
}

// Authenticator checks callers against the configured access codes. It
// holds only digests and is read-only after construction.
type Authenticator struct {
	codeDigests    [][sha256.Size]byte
	hideUserAPIKey bool
}

// NewAuthenticator builds an Authenticator. With no codes every caller is
// accepted, unless it brings its own key while hideUserAPIKey is set.
func NewAuthenticator(codes []string, hideUserAPIKey bool) *Authenticator {
	a := &Authenticator{hideUserAPIKey: hideUserAPIKey}
	for _, code := range codes {
		a.codeDigests = append(a.codeDigests, sha256.Sum256([]byte(code)))
	}
	return a
}

// Auth authenticates the caller of c for provider.
//
// The relay always signs with the server credentials, so a caller supplied
// key never stands in for an access code.
func (a *Authenticator) Auth(c *gin.Context, provider string) AuthResult {
	accessCode, apiKey := splitBearerToken(GetBearerToken(c))

	if a.hideUserAPIKey && apiKey != "" {
		return AuthResult{Error: true, Msg: "you are not allowed to access with your own api key"}
	}

	validCode := a.isValidCode(accessCode)
	if len(a.codeDigests) > 0 && !validCode {
		if accessCode == "" {
			return AuthResult{Error: true, Msg: "empty access code"}
		}
		return AuthResult{Error: true, Msg: "wrong access code"}
	}

	c.Set(ctxkey.AuthProvider, provider)
	c.Set(ctxkey.AccessCodeUsed, validCode)
	return AuthResult{}
}

func (a *Authenticator) isValidCode(code string) bool {
	if code == "" {
		return false
	}
	digest := sha256.Sum256([]byte(code))
	matched := 0
	for i := range a.codeDigests {
		matched |= subtle.ConstantTimeCompare(digest[:], a.codeDigests[i][:])
	}
	return matched == 1
}
