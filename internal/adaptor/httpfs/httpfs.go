// Package httpfs reads remote files over plain HTTP(S). It serves the http
// and https schemes and doubles as the transport for WebHDFS-style gateways
// that expose file trees over GET.
package httpfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/edgecache/dfscache/internal/adaptor"
	"github.com/edgecache/dfscache/internal/errutil"
	"github.com/edgecache/dfscache/internal/httpclient"
)

func init() {
	adaptor.Register("http", func(desc adaptor.Descriptor) (adaptor.Adaptor, error) {
		return New(desc, defaultClient()), nil
	})
	adaptor.Register("https", func(desc adaptor.Descriptor) (adaptor.Adaptor, error) {
		return New(desc, defaultClient()), nil
	})
}

// defaultClient trusts an extra CA bundle when DFSCACHE_CA_CERT_FILE points
// at one, for gateways fronted by a private CA.
func defaultClient() *http.Client {
	path := os.Getenv("DFSCACHE_CA_CERT_FILE")
	if path == "" {
		return httpclient.NewClient(nil)
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		errutil.ReportError(err, "Failed to read CA bundle; proceeding with system CAs", "path", path)
		return httpclient.NewClient(nil)
	}
	return httpclient.NewClient(pem)
}

// Adaptor fetches files from one HTTP origin.
type Adaptor struct {
	base   string
	client *http.Client
}

// New builds an adaptor for the origin. A nil client gets a default with a
// generous timeout; downloads of large files rely on ctx for cancellation.
func New(desc adaptor.Descriptor, client *http.Client) *Adaptor {
	if client == nil {
		client = httpclient.NewClient(nil)
	}
	return &Adaptor{
		base:   fmt.Sprintf("%s://%s:%d", desc.Scheme, desc.Host, desc.Port),
		client: client,
	}
}

// Fetch GETs the file and streams it into dst.
func (a *Adaptor) Fetch(ctx context.Context, relative string, dst adaptor.FileWriter) (int64, error) {
	u := a.base + "/" + strings.TrimLeft(relative, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{StatusCode: resp.StatusCode, URL: u}
	}

	return io.Copy(dst, resp.Body)
}

// StatusError is returned when the origin responds with a non-200 status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}
