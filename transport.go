package idmflow

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/idmflow/idmflow/session"
)

// Response is the narrow view of an HTTP exchange the protocol flows
// consume. Transport details (TLS trust, proxies, cookie jars) live
// with the Network implementation.
type Response struct {
	Code    int
	Body    []byte
	Headers map[string]string

	// VisitedURLs lists the URLs traversed while following redirects, in
	// order. Basic and federated flows harvest cookies from this set.
	VisitedURLs []string

	// Cookies are the cookies the exchange set, attributed to the URL
	// that set them. The jar itself stays with the Network; flows only
	// need names and attribution for the required-cookie check and for
	// logout clearing.
	Cookies []session.Cookie
}

// Success reports a 2xx status.
func (r *Response) Success() bool {
	return r != nil && r.Code >= 200 && r.Code < 300
}

// ClientError reports a 4xx status.
func (r *Response) ClientError() bool {
	return r != nil && r.Code >= 400 && r.Code < 500
}

// Network is the transport collaborator. Implementations own TLS trust,
// redirects and cookie handling; flows only decide what to send and how
// to interpret what comes back.
type Network interface {
	Get(ctx context.Context, url string, headers map[string]string) (*Response, error)
	Post(ctx context.Context, url string, headers map[string]string, body []byte, contentType string) (*Response, error)
}

// UserAgentView is the embedded-browser collaborator. Render loads url
// in a host-provided view and resolves once with the final redirect URI
// (including fragment), or an error, or cancellation by the user. It is
// purely a rendering surface; all protocol logic stays in the flows.
type UserAgentView interface {
	Render(ctx context.Context, url string) (redirect string, err error)
}

// HTTPNetwork is the default Network over net/http.
type HTTPNetwork struct {
	Client *http.Client
}

// NewHTTPNetwork wraps client; a nil client gets sane timeouts.
func NewHTTPNetwork(client *http.Client) *HTTPNetwork {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPNetwork{Client: client}
}

func (n *HTTPNetwork) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return n.do(req, headers, url)
}

func (n *HTTPNetwork) Post(ctx context.Context, url string, headers map[string]string, body []byte, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return n.do(req, headers, url)
}

func (n *HTTPNetwork) do(req *http.Request, headers map[string]string, url string) (*Response, error) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	out := &Response{
		Code:        resp.StatusCode,
		Body:        body,
		Headers:     make(map[string]string, len(resp.Header)),
		VisitedURLs: []string{url},
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
		if finalURL != url {
			out.VisitedURLs = append(out.VisitedURLs, finalURL)
		}
	}
	for _, c := range resp.Cookies() {
		out.Cookies = append(out.Cookies, session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			URL:      finalURL,
			Domain:   c.Domain,
			Path:     c.Path,
			Expiry:   c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		})
	}
	return out, nil
}
