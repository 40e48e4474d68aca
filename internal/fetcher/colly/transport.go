package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

// contextTransport binds every outgoing request, including redirects, to ctx.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("context transport received nil request")
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	ctx := t.ctx
	if ctx == nil {
		ctx = req.Context()
	}
	resp, err := base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("context transport roundtrip: %w", err)
	}
	return resp, nil
}

// maybeGunzip decodes bodies that still carry the gzip magic after transport decoding,
// which is how servers deliver .gz sitemap files.
func maybeGunzip(body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, gzipMagic) {
		return body, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open gzip body: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read gzip body: %w", err)
	}
	return decoded, nil
}
