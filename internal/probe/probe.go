// Package probe checks whether a device is reachable on the worker's HTTP
// server and derives the address shown to the operator.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8000"
	DefaultTimeout = 5 * time.Second
	maxBody        = 1 << 20
)

var (
	ErrUnreachable  = errors.New("device not reachable")
	ErrNoComponents = errors.New("response has no components")
)

// Component is one entry of a device's `components` mapping.
type Component struct {
	Name string
	URL  string
}

// Result of a successful probe.
type Result struct {
	Device     string
	Components []Component
	DisplayURL string
}

type Client struct {
	base string
	http *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}
}

// Probe requests GET <base>/<device>/ and returns the components in
// document order. Any non-200 status or non-JSON body means unreachable.
func (c *Client) Probe(ctx context.Context, device string) (Result, error) {
	endpoint := c.base + "/" + url.PathEscape(device) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if !gjson.ValidBytes(body) {
		return Result{}, fmt.Errorf("%w: invalid JSON", ErrUnreachable)
	}

	res := Result{Device: device}
	gjson.GetBytes(body, "components").ForEach(func(key, value gjson.Result) bool {
		res.Components = append(res.Components, Component{Name: key.String(), URL: value.String()})
		return true
	})
	if len(res.Components) == 0 {
		return res, ErrNoComponents
	}
	res.DisplayURL = DisplayURL(res.Components[0].URL, c.base)
	return res, nil
}

// DisplayURL truncates a component URL after its port, keeping a trailing
// slash: http://127.0.0.1:8000/pump/pump becomes http://127.0.0.1:8000/.
func DisplayURL(componentURL, base string) string {
	u, err := url.Parse(componentURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		return u.Scheme + "://" + u.Host + "/"
	}
	b, err := url.Parse(base)
	if err == nil && b.Port() != "" {
		if i := strings.Index(componentURL, b.Port()); i >= 0 {
			return componentURL[:i+len(b.Port())] + "/"
		}
	}
	return componentURL
}
