package lib

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
)

// RequestIDKey is the gin context key under which handlers store the
// correlation id of a recognition, so the access log can carry it.
const RequestIDKey = "request_id"

func JsonLogFormatter(params gin.LogFormatterParams) string {
	logline := map[string]interface{}{
		"time":    params.TimeStamp.UTC().Format("2006-01-02T15:04:05.999"),
		"status":  params.StatusCode,
		"latency": params.Latency.String(),
		"client":  params.ClientIP,
		"method":  params.Method,
		"path":    params.Path,
		"size":    params.BodySize,
	}
	if params.ErrorMessage != "" {
		logline["error"] = params.ErrorMessage
	}
	if id, ok := params.Keys[RequestIDKey]; ok {
		logline[RequestIDKey] = id
	}
	b, _ := json.Marshal(logline)
	return string(b) + "\n"
}
