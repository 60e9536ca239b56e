package offline

import (
	"bytes"
	"fmt"
	"html"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// DefaultFallbackMarkdown is served when a document cannot be fetched and
// nothing is cached for it.
const DefaultFallbackMarkdown = `# You are offline

The marketplace could not be reached. Pages you visited before are still
available, and trades or messages you submit now are queued and sent
automatically once a connection is back.

- Your identity and keys stay on this device.
- Nothing you queued is lost if you close the app.
`

var fallbackMarkdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderFallback converts a Markdown document into a sanitized standalone
// HTML page.
func RenderFallback(title string, source []byte) ([]byte, error) {
	var body bytes.Buffer
	if err := fallbackMarkdown.Convert(source, &body); err != nil {
		return nil, fmt.Errorf("render offline document: %w", err)
	}
	clean := bluemonday.UGCPolicy().SanitizeBytes(body.Bytes())

	var page bytes.Buffer
	fmt.Fprintf(&page, "<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n"+
		"<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n<title>%s</title>\n</head>\n<body>\n",
		html.EscapeString(title))
	page.Write(clean)
	page.WriteString("</body>\n</html>\n")
	return page.Bytes(), nil
}
