package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DecompressRequests transparently inflates gzip-encoded request bodies.
// Offline clients batch queued mutations and compress the payload before
// replaying it, so the mutation intake accepts both plain and gzip bodies.
// Invalid gzip payloads are rejected with a 400 response.
func DecompressRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !acceptsGzipBody(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &inflatedBody{reader: gr, underlying: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func acceptsGzipBody(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type inflatedBody struct {
	reader     *gzip.Reader
	underlying io.Closer
}

func (b *inflatedBody) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *inflatedBody) Close() error {
	err := b.reader.Close()
	if cerr := b.underlying.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
