package ari

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DestinationVariable is the channel variable a Goto destination is
// written to before the call leaves the application.
const DestinationVariable = "IVR_DESTINATION"

// ControlConfig configures the channel control client.
type ControlConfig struct {
	Host               string
	Port               int
	TLS                bool
	User               string
	Password           string
	Timeout            time.Duration
	InsecureSkipVerify bool
	// ForwardEndpoint is the dial string used for ForwardNumber actions.
	// "{number}" is replaced with the action's parameter.
	ForwardEndpoint string
}

// StatusError is returned for a non-2xx control API response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("ari: %s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// ClientError reports whether the request was rejected as invalid, in
// which case repeating it will not help.
func (e *StatusError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Control issues channel control requests over HTTP.
type Control struct {
	cfg    ControlConfig
	base   string
	client *http.Client
}

func NewControl(cfg ControlConfig) *Control {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ForwardEndpoint == "" {
		cfg.ForwardEndpoint = "PJSIP/{number}"
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed switch certificates
	}
	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	return &Control{
		cfg:  cfg,
		base: scheme + "://" + cfg.Host + ":" + strconv.Itoa(cfg.Port) + "/ari",
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(transport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "ari " + r.Method
				}),
			),
		},
	}
}

// PlayMedia plays a sound on the channel.
func (c *Control) PlayMedia(ctx context.Context, channelID, media string) error {
	return c.do(ctx, http.MethodPost, channelPath(channelID, "play"), url.Values{"media": {media}})
}

// Route stores destination in the channel's DestinationVariable and lets
// the call continue in the dialplan.
func (c *Control) Route(ctx context.Context, channelID, destination string) error {
	if err := c.do(ctx, http.MethodPost, channelPath(channelID, "variable"), url.Values{
		"variable": {DestinationVariable},
		"value":    {destination},
	}); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, channelPath(channelID, "continue"), nil)
}

// Forward redirects the channel to the configured endpoint for number.
func (c *Control) Forward(ctx context.Context, channelID, number string) error {
	endpoint := strings.ReplaceAll(c.cfg.ForwardEndpoint, "{number}", number)
	return c.do(ctx, http.MethodPost, channelPath(channelID, "redirect"), url.Values{"endpoint": {endpoint}})
}

// Hangup terminates the channel.
func (c *Control) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, channelPath(channelID, ""), nil)
}

func channelPath(channelID, op string) string {
	p := "/channels/" + url.PathEscape(channelID)
	if op != "" {
		p += "/" + op
	}
	return p
}

func (c *Control) do(ctx context.Context, method, path string, params url.Values) error {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("api_key", c.cfg.User+":"+c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, method, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("ari: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		// The transport error embeds the full URL, credentials included.
		return fmt.Errorf("ari: %s %s: %w", method, path, unwrapURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func unwrapURLError(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return ue.Err
	}
	return err
}
