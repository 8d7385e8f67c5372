package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists route patterns that bypass authentication. File views
// are addressed by unguessable UUIDs and are embedded directly as image
// sources by the front end.
var publicPaths = map[string]bool{
	"/health":         true,
	"/health/db":      true,
	"/files/:id/view": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given route pattern is public.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
