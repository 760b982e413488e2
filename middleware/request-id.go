package middleware

import (
	"regexp"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/nextrelay/bedrock-proxy/common/helper"
)

var inboundRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{8,64}$`)

// RequestId tags the request with an id, reusing a well-formed inbound
// X-Bedrock-Proxy-Request-Id, and attaches it to the request logger.
func RequestId() func(c *gin.Context) {
	return func(c *gin.Context) {
		id := c.GetHeader(helper.RequestIdKey)
		if !inboundRequestID.MatchString(id) {
			id = helper.GenRequestID()
		}

		c.Set(helper.RequestIdKey, id)
		c.Header(helper.RequestIdKey, id)
		gmw.SetLogger(c, gmw.GetLogger(c).With(zap.String("request_id", id)))
		c.Next()
	}
}
