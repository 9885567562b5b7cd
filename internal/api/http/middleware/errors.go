package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/dto"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/gateway"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ratelimit"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/sessions"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/users"
)

const (
	CodeTokenRequired         = "TOKEN_REQUIRED"
	CodeTokenInvalid          = "TOKEN_INVALID"
	CodeTokenExpired          = "TOKEN_EXPIRED"
	CodeTokenRevoked          = "TOKEN_REVOKED"
	CodeForbidden             = "FORBIDDEN"
	CodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	CodeUserRateLimitExceeded = "USER_RATE_LIMIT_EXCEEDED"
	CodeMaxSessionsReached    = "MAX_SESSIONS_REACHED"
	CodeConcurrentConnection  = "CONCURRENT_CONNECTION"
	CodeConnectionTimeout     = "CONNECTION_TIMEOUT"
	CodeBrowserUnreachable    = "BROWSER_UNREACHABLE"
	CodeUserNotFound          = "USER_NOT_FOUND"
	CodeBrowserNotFound       = "BROWSER_NOT_FOUND"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeEmailExists           = "EMAIL_EXISTS"
	CodeUserIDExists          = "USER_ID_EXISTS"
	CodeTokenNameExists       = "TOKEN_NAME_EXISTS"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeInvalidJSON           = "INVALID_JSON"
	CodeInvalidCredentials    = "INVALID_CREDENTIALS"
	CodeAdminNotConfigured    = "ADMIN_NOT_CONFIGURED"
	CodeNotSupported          = "NOT_SUPPORTED"
	CodeAccessDenied          = "ACCESS_DENIED"
	CodeInternal              = "INTERNAL_ERROR"
)

type classification struct {
	target error
	status int
	code   string
}

// Order matters: the more specific sentinels come first.
var classifications = []classification{
	{gateway.ErrTokenRequired, http.StatusBadRequest, CodeTokenRequired},
	{gateway.ErrInvalidToken, http.StatusUnauthorized, CodeTokenInvalid},
	{auth.ErrTokenExpired, http.StatusUnauthorized, CodeTokenExpired},
	{auth.ErrTokenRevoked, http.StatusUnauthorized, CodeTokenRevoked},
	{auth.ErrTokenInvalid, http.StatusUnauthorized, CodeTokenInvalid},
	{auth.ErrJWTInvalid, http.StatusUnauthorized, CodeTokenInvalid},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, CodeInvalidCredentials},
	{auth.ErrAdminNotConfigured, http.StatusServiceUnavailable, CodeAdminNotConfigured},
	{gateway.ErrUserRateLimited, http.StatusTooManyRequests, CodeUserRateLimitExceeded},
	{ratelimit.ErrRateLimitExceeded, http.StatusTooManyRequests, CodeRateLimitExceeded},
	{sessions.ErrMaxSessionsReached, http.StatusServiceUnavailable, CodeMaxSessionsReached},
	{gateway.ErrConcurrentConnection, http.StatusConflict, CodeConcurrentConnection},
	{browserpool.ErrConnectionTimeout, http.StatusGatewayTimeout, CodeConnectionTimeout},
	{browserpool.ErrBrowserUnreachable, http.StatusBadGateway, CodeBrowserUnreachable},
	{sessions.ErrSessionNotFound, http.StatusNotFound, CodeSessionNotFound},
	{storage.ErrUserNotFound, http.StatusNotFound, CodeUserNotFound},
	{storage.ErrBrowserNotFound, http.StatusNotFound, CodeBrowserNotFound},
	{storage.ErrEmailExists, http.StatusConflict, CodeEmailExists},
	{storage.ErrUserIDExists, http.StatusConflict, CodeUserIDExists},
	{storage.ErrTokenNameExists, http.StatusConflict, CodeTokenNameExists},
	{storage.ErrSyncMethodNotSupported, http.StatusConflict, CodeNotSupported},
	{gateway.ErrInvalidJSON, http.StatusBadRequest, CodeInvalidJSON},
	{users.ErrEmailRequired, http.StatusBadRequest, CodeInvalidRequest},
	{users.ErrInvalidEmail, http.StatusBadRequest, CodeInvalidRequest},
	{users.ErrUsernameRequired, http.StatusBadRequest, CodeInvalidRequest},
	{users.ErrBrowserURLRequired, http.StatusBadRequest, CodeInvalidRequest},
	{users.ErrInvalidBrowserURL, http.StatusBadRequest, CodeInvalidRequest},
}

// Classify maps a domain error to its HTTP status and error code.
func Classify(err error) (int, string) {
	for _, c := range classifications {
		if errors.Is(err, c.target) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// Abort ends the request with the standard error body.
func Abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: RequestID(c),
	})
}

// AbortWithError classifies err; internal errors are not echoed to the client.
func AbortWithError(c *gin.Context, err error) {
	status, code := Classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}

	if status == http.StatusTooManyRequests {
		retry := time.Second
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			retry = exceeded.RetryAfter
		}
		setRetryAfter(c, retry)
	}
	var capacity *sessions.CapacityError
	if errors.As(err, &capacity) {
		message = capacity.Error()
	}

	_ = c.Error(err)
	Abort(c, status, code, message)
}
