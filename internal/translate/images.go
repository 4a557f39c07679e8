package translate

import (
	"encoding/base64"
	"strings"
)

// parseDataURL extracts (format, bytes) from a data:image/<fmt>;base64,<data>
// URL. Returns ok=false for anything else, including remote URLs.
func parseDataURL(url string) (Image, bool) {
	const scheme = "data:image/"
	if !strings.HasPrefix(url, scheme) {
		return Image{}, false
	}
	rest := url[len(scheme):]
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return Image{}, false
	}
	format := strings.ToLower(rest[:semi])
	if format == "jpg" {
		format = "jpeg"
	}
	data, err := base64.StdEncoding.DecodeString(rest[semi+len(";base64,"):])
	if err != nil {
		return Image{}, false
	}
	return Image{Format: format, Data: data}, true
}

// decodeAnthropicImage handles the messages-API image source block.
func decodeAnthropicImage(mediaType, b64 string) (Image, bool) {
	format := strings.TrimPrefix(strings.ToLower(mediaType), "image/")
	if format == mediaType || format == "" {
		return Image{}, false
	}
	if format == "jpg" {
		format = "jpeg"
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Image{}, false
	}
	return Image{Format: format, Data: data}, true
}
