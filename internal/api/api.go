// Package api is the client for the scale's reporting server. Every call is
// a form-encoded POST and reports plain success or failure; callers log and,
// for weights, fall back to the spool.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	logger "github.com/sirupsen/logrus"

	"github.com/sweeney/smartscale/internal/appstate"
	"github.com/sweeney/smartscale/internal/kv"
)

// NoID is sent when the device has no stored id yet.
const NoID = "none"

// Weight is one stable weight change report.
type Weight struct {
	Value float64
	Name  string
	TS    uint32 // 0 sends no timestamp; the server stamps on receipt
}

// Client is the reporting server contract.
type Client interface {
	// Welcome announces the device and returns the id the server assigns,
	// or "" when it gives none or the response cannot be parsed.
	Welcome(ctx context.Context, mac, currentID string) string
	PostReady(ctx context.Context, epoch uint32) bool
	PostFinish(ctx context.Context, epoch uint32) bool
	PostWeight(ctx context.Context, w Weight) bool
}

type identityForm struct {
	MAC string `url:"mac"`
	ID  string `url:"id"`
}

type eventForm struct {
	identityForm
	Event string `url:"event"`
	TS    uint32 `url:"ts"`
}

type weightForm struct {
	identityForm
	Name string `url:"name"`
	W    string `url:"w"`
	TS   uint32 `url:"ts,omitempty"`
}

// Paths relative to the base URL. Empty posts to the base URL itself.
type Paths struct {
	Welcome string
	Weight  string
	Ready   string
	Finish  string
}

// HTTPClient posts to the reporting server over HTTP(S).
type HTTPClient struct {
	base  *url.URL
	paths Paths
	http  *http.Client
	state *appstate.Register
	store kv.Store
	mac   string
	log   *logger.Entry
}

// NewHTTPClient creates a client for baseURL. Requests are refused locally
// while NET_UP is clear. The device id is read from store on every call so a
// welcome that assigns a new id takes effect immediately.
func NewHTTPClient(baseURL string, paths Paths, timeout time.Duration, state *appstate.Register, store kv.Store, mac string) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &HTTPClient{
		base:  u,
		paths: paths,
		http:  &http.Client{Timeout: timeout},
		state: state,
		store: store,
		mac:   mac,
		log:   logger.WithField("component", "api"),
	}, nil
}

// SkipVerify disables server certificate checks. The reporting server is
// commonly reached through a self-signed proxy.
func (c *HTTPClient) SkipVerify() {
	c.http.Transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
}

// MAC returns the hardware address reported to the server.
func (c *HTTPClient) MAC() string {
	return c.mac
}

// DeviceID returns the stored device id or NoID.
func (c *HTTPClient) DeviceID() string {
	if id, ok := c.store.Load(kv.KeyDeviceID); ok {
		return id
	}
	return NoID
}

func (c *HTTPClient) identity() identityForm {
	return identityForm{MAC: c.mac, ID: c.DeviceID()}
}

// Welcome implements Client.
func (c *HTTPClient) Welcome(ctx context.Context, mac, currentID string) string {
	if currentID == "" {
		currentID = NoID
	}
	body, ok := c.post(ctx, "welcome", c.paths.Welcome, identityForm{MAC: mac, ID: currentID})
	if !ok {
		return ""
	}

	var resp struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		c.log.Info("welcome: non-JSON response, keeping current id")
		return ""
	}
	return resp.DeviceID
}

// PostReady implements Client.
func (c *HTTPClient) PostReady(ctx context.Context, epoch uint32) bool {
	_, ok := c.post(ctx, "ready", c.paths.Ready, eventForm{identityForm: c.identity(), Event: "ready", TS: epoch})
	return ok
}

// PostFinish implements Client.
func (c *HTTPClient) PostFinish(ctx context.Context, epoch uint32) bool {
	_, ok := c.post(ctx, "finish", c.paths.Finish, eventForm{identityForm: c.identity(), Event: "finish", TS: epoch})
	return ok
}

// PostWeight implements Client. The value is sent with two decimals.
func (c *HTTPClient) PostWeight(ctx context.Context, w Weight) bool {
	form := weightForm{
		identityForm: c.identity(),
		Name:         w.Name,
		W:            fmt.Sprintf("%.2f", w.Value),
		TS:           w.TS,
	}
	_, ok := c.post(ctx, "weight", c.paths.Weight, form)
	return ok
}

func (c *HTTPClient) post(ctx context.Context, what, path string, form interface{}) ([]byte, bool) {
	if c.state != nil && !c.state.Has(appstate.NetUp) {
		c.log.Debugf("%s: NET_UP is not set", what)
		return nil, false
	}

	vals, err := query.Values(form)
	if err != nil {
		c.log.WithError(err).Errorf("%s: encode form", what)
		return nil, false
	}

	target := c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(vals.Encode()))
	if err != nil {
		c.log.WithError(err).Errorf("%s: build request", what)
		return nil, false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.log.Debugf("→ %s %s", what, vals.Encode())
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warnf("%s: POST failed [%v]", what, err)
		return nil, false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		c.log.Warnf("%s: read response [%v]", what, err)
		return nil, false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warnf("%s: HTTP [%v]", what, resp.Status)
		return body, false
	}
	c.log.Debugf("← %s %d %s", what, resp.StatusCode, body)
	return body, true
}

// LocalMAC returns the hardware address of the first up, non-loopback
// interface, upper-case and colon separated.
func LocalMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || ifc.Flags&net.FlagUp == 0 || len(ifc.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(ifc.HardwareAddr.String())
	}
	return ""
}
