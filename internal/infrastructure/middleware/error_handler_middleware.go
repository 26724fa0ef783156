package middleware

import (
	"net/http"

	"ratepilot/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware turns the last handler error into a JSON response
// whose status follows the AppError code.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := errors.GetAppError(err); appErr != nil {
			logger.Warnw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)
			c.JSON(appErr.HTTPStatus(), errorBody(appErr))
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}

func errorBody(appErr *errors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}

// abortWithError ends the chain with appErr, bypassing handlers that have not
// run yet.
func abortWithError(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus(), errorBody(appErr))
}
