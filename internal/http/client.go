// Package http builds the HTTP clients shared by the cloud storage backends.
package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/rescale/rescale-bulk/internal/config"
	"github.com/rescale/rescale-bulk/internal/logging"
)

// CreateOptimizedClient creates an HTTP client tuned for large transfers, with proxy support.
//
//   - Proxy settings come from ConfigureHTTPClient.
//   - HTTP/2 is attempted unless DISABLE_HTTP2=true, or a proxy is active
//     (proxies tend to break multiplexed streams; FORCE_HTTP2=true overrides).
//   - Compression is off and there is no overall timeout: callers bound each
//     request with its context.
func CreateOptimizedClient(cfg *config.Config, logger *logging.Logger) (*nethttp.Client, error) {
	client, err := ConfigureHTTPClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	client.Timeout = 0

	tr, ok := client.Transport.(*nethttp.Transport)
	if !ok {
		// Wrapped by the NTLM negotiator; keep it as is.
		return client, nil
	}

	tr.MaxIdleConns = 512
	tr.MaxIdleConnsPerHost = 100
	tr.MaxConnsPerHost = 100
	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	if os.Getenv("DISABLE_HTTP2") == "true" ||
		(proxyActive(cfg, os.Getenv) && os.Getenv("FORCE_HTTP2") != "true") {
		disableHTTP2(tr)
	}
	return client, nil
}

func disableHTTP2(tr *nethttp.Transport) {
	tr.ForceAttemptHTTP2 = false
	tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
}
