package gateway

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/common/httpmw"
)

// bearerAuth verifies the Authorization header and stores the workspace id
// for the handler. Requests without a valid workspace token never reach one.
func bearerAuth(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(
				apperr.HTTPStatus(apperr.TypeWorkspaceTokenInvalid),
				errorBody{Error: "missing bearer token", ErrorType: apperr.TypeWorkspaceTokenInvalid},
			)
			return
		}
		workspaceID, err := svc.VerifyToken(token)
		if err != nil {
			errType := apperr.TypeOf(err)
			c.AbortWithStatusJSON(
				apperr.HTTPStatus(errType),
				errorBody{Error: "invalid workspace token", ErrorType: errType},
			)
			return
		}
		c.Set(httpmw.WorkspaceIDKey, workspaceID)
		c.Next()
	}
}

// workspaceID returns the authenticated workspace for the request.
func workspaceID(c *gin.Context) string {
	return c.GetString(httpmw.WorkspaceIDKey)
}
