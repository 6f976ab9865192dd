package handler

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed assets/proof-placeholder.svg
var placeholderSVG []byte

// Placeholder serves the image shown while a proof is being generated.
// Placeholder URLs are cached briefly by clients, so the asset itself may be cached for a day.
func Placeholder(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/svg+xml", placeholderSVG)
}
