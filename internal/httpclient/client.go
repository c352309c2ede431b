// Package httpclient builds the HTTP client used to reach HTTP-fronted file
// system gateways, optionally trusting a private CA.
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds one whole-file download over HTTP.
const DefaultTimeout = 30 * time.Minute

// NewClient creates an http.Client trusting the system CAs plus the supplied
// PEM bundle. With no bundle a plain client with the default timeout is
// returned.
func NewClient(caPEM []byte) *http.Client {
	if len(caPEM) == 0 {
		return &http.Client{Timeout: DefaultTimeout}
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil || rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}
	if !rootCAs.AppendCertsFromPEM(caPEM) {
		slog.Warn("No certificate could be parsed from the CA bundle")
	}

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: rootCAs,
			},
		},
		Timeout: DefaultTimeout,
	}
}
