package middleware

import (
	"strings"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/nextrelay/bedrock-proxy/common/helper"
)

// accessCodePrefix marks a bearer token as an access code rather than an upstream key.
const accessCodePrefix = "nk-"

// AbortWithError aborts the request with an error message
func AbortWithError(c *gin.Context, statusCode int, err error) {
	gmw.GetLogger(c).Error("server abort",
		zap.Int("status_code", statusCode),
		zap.Error(err))

	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": helper.MessageWithRequestId(err.Error(), c.GetString(helper.RequestIdKey)),
	})
	c.Abort()
}

// GetBearerToken extracts the token from the Authorization header.
func GetBearerToken(c *gin.Context) string {
	key := strings.TrimSpace(c.Request.Header.Get("Authorization"))
	if len(key) >= len("Bearer ") && strings.EqualFold(key[:len("Bearer ")], "Bearer ") {
		key = key[len("Bearer "):]
	}
	return strings.TrimSpace(key)
}

// splitBearerToken separates an access code from a caller supplied API key.
//
// token like `nk-{access code}` or `{api key}`
func splitBearerToken(token string) (accessCode, apiKey string) {
	if strings.HasPrefix(token, accessCodePrefix) {
		return strings.TrimPrefix(token, accessCodePrefix), ""
	}
	return "", token
}
