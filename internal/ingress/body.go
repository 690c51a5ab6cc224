package ingress

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/agentstack/agentstack/internal/model"
)

// readBody reads the request body, transparently decompressing gzip, and
// enforces maxBytes on the decompressed size. Oversize bodies fail with
// model.ErrCapacity; the limit applies after decompression so a small
// compressed bomb cannot smuggle an arbitrarily large payload.
func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	var src io.Reader = r.Body

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		// The decompressed limit below bounds how much compressed input gets
		// consumed, so the raw stream carries no cap of its own. Capping it
		// would truncate large incompressible bodies mid-stream and turn a
		// capacity rejection into a decode error.
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("ingress: bad gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	body, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("ingress: read body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("ingress: body exceeds %d bytes: %w", maxBytes, model.ErrCapacity)
	}
	return body, nil
}
