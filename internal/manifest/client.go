package manifest

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// NewHTTPClient builds the client used to talk to the manifest server. When
// token is set every request carries it as a bearer token.
func NewHTTPClient(timeout time.Duration, token string) *http.Client {
	var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)

	if token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   transport,
		}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
