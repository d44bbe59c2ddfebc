// Package docs classifies proposal documents into a closed set of kinds and
// extracts searchable text from the kinds that support it.
package docs

import (
	"context"
	"errors"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/tbourn/go-planwatch/internal/search"
)

// Kind is the document type. The set is closed; every value has exactly one
// Handler.
type Kind string

const (
	KindPDF     Kind = "pdf"
	KindHTML    Kind = "html"
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindUnknown Kind = "unknown"
)

// Kinds lists every Kind.
var Kinds = []Kind{KindPDF, KindHTML, KindText, KindImage, KindUnknown}

// ErrUnsupported is returned by handlers that cannot extract text.
var ErrUnsupported = errors.New("text extraction not supported for document kind")

// Parse maps a stored kind string back to a Kind. Unrecognized values are
// KindUnknown.
func Parse(s string) Kind {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k
		}
	}
	return KindUnknown
}

var extKinds = map[string]Kind{
	".pdf":  KindPDF,
	".htm":  KindHTML,
	".html": KindHTML,
	".txt":  KindText,
	".text": KindText,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".png":  KindImage,
	".gif":  KindImage,
	".tif":  KindImage,
	".tiff": KindImage,
}

// KindOf selects the kind of a document from its content type, falling back
// to the extension of its URL path.
func KindOf(rawURL, contentType string) Kind {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case mt == "application/pdf":
			return KindPDF
		case mt == "text/html" || mt == "application/xhtml+xml":
			return KindHTML
		case mt == "text/plain":
			return KindText
		case strings.HasPrefix(mt, "image/"):
			return KindImage
		}
	}
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	if k, ok := extKinds[strings.ToLower(path.Ext(p))]; ok {
		return k
	}
	return KindUnknown
}

// Handler extracts plain text from a document body.
type Handler interface {
	Extract(ctx context.Context, body []byte) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, body []byte) (string, error)

// Extract calls f.
func (f HandlerFunc) Extract(ctx context.Context, body []byte) (string, error) {
	return f(ctx, body)
}

var (
	htmlPolicy = bluemonday.StrictPolicy()

	handlers = map[Kind]Handler{
		KindHTML:    HandlerFunc(extractHTML),
		KindText:    HandlerFunc(extractText),
		KindPDF:     HandlerFunc(unsupported),
		KindImage:   HandlerFunc(unsupported),
		KindUnknown: HandlerFunc(unsupported),
	}
)

// HandlerFor returns the handler of k.
func HandlerFor(k Kind) Handler {
	if h, ok := handlers[k]; ok {
		return h
	}
	return handlers[KindUnknown]
}

// Extractable lists the kinds whose handler can produce text.
func Extractable() []Kind {
	return []Kind{KindHTML, KindText}
}

func extractHTML(_ context.Context, body []byte) (string, error) {
	stripped := htmlPolicy.SanitizeBytes(body)
	return search.NormalizeWhitespace(unescape(string(stripped))), nil
}

func extractText(_ context.Context, body []byte) (string, error) {
	return search.NormalizeWhitespace(string(body)), nil
}

func unsupported(context.Context, []byte) (string, error) {
	return "", ErrUnsupported
}

// bluemonday leaves entities escaped in text nodes.
var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&#34;", `"`,
	"&#39;", "'",
	"&quot;", `"`,
	"&nbsp;", " ",
)

func unescape(s string) string {
	return entityReplacer.Replace(s)
}
