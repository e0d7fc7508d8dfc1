// Package httpmw holds gin middleware shared by the HTTP surface.
package httpmw

import "github.com/gin-gonic/gin"

// WorkspaceIDKey is the gin context key the auth layer fills with the
// authenticated workspace id. Middleware in this package reads it to
// annotate logs and spans; an empty value means the route is public.
const WorkspaceIDKey = "workspaceId"

// quietPaths are probed constantly or hold connections open for hours.
// Per-request logs and spans for them are noise.
var quietPaths = map[string]struct{}{
	"/health": {},
	"/ws":     {},
}

func quiet(c *gin.Context) bool {
	_, ok := quietPaths[c.Request.URL.Path]
	return ok
}
