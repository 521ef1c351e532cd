package httpapi

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	logx "wsched/pkg/logx"
)

func recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("http handler panicked",
					logx.String("path", c.FullPath()),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("internal server error"))
			}
		}()
		c.Next()
	}
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func errorBody(msg string) gin.H { return gin.H{"error": msg} }
