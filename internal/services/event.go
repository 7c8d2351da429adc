package services

import (
	"strings"

	"github.com/Lllllllleong/docparser/internal/models"
	"github.com/Lllllllleong/docparser/internal/source"
)

// EventRequest converts an object-finalized event into a parse request.
// It reports false for folder placeholders and unsupported media types.
func EventRequest(e models.GCSEvent) (Request, bool) {
	if e.Bucket == "" || e.Name == "" || strings.HasSuffix(e.Name, "/") {
		return Request{}, false
	}
	mediaType := e.ContentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if !source.SupportedMediaTypes[mediaType] && source.MediaTypeByName(e.Name) == "" {
		return Request{}, false
	}
	return Request{Source: source.Descriptor{Kind: source.KindGCS, ID: source.URI(e.Bucket, e.Name)}}, true
}
