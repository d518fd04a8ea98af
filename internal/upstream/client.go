// Package upstream negotiates and drives the websocket to the ElevenLabs
// conversational agent: signed URL exchange, dial, then a single
// configuration frame before any audio flows.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/reliability"
)

const signedURLPath = "/v1/convai/conversation/get_signed_url"

type Config struct {
	APIBaseURL        string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
	// OnStage, when set, receives the duration of each negotiation stage.
	OnStage func(stage string, d time.Duration)
}

type Credentials struct {
	APIKey  string
	AgentID string
}

// Override carries the per-call conversation settings sent in the
// configuration frame.
type Override struct {
	Prompt       string
	FirstMessage string
}

type Client struct {
	cfg     Config
	http    *http.Client
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = "https://api.elevenlabs.io"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.RequestTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		dialer:  dialer,
		limiter: limiter,
		logger:  logger,
	}
}

// SignedURL exchanges the API key for a short-lived websocket URL.
func (c *Client) SignedURL(ctx context.Context, creds Credentials) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &Error{Kind: KindNetwork, Op: "rate_limit", Err: err}
		}
	}

	u, err := url.Parse(strings.TrimRight(c.cfg.APIBaseURL, "/") + signedURLPath)
	if err != nil {
		return "", &Error{Kind: KindProtocol, Op: "signed_url", Err: err}
	}
	q := u.Query()
	q.Set("agent_id", creds.AgentID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", &Error{Kind: KindProtocol, Op: "signed_url", Err: err}
	}
	req.Header.Set("xi-api-key", creds.APIKey)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Kind: KindNetwork, Op: "signed_url", Err: err}
	}
	defer res.Body.Close()
	c.observe("signed_url", time.Since(start))

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", &Error{Kind: KindNetwork, Op: "signed_url", Status: res.StatusCode, Err: err}
	}

	switch reliability.ClassifyHTTPStatus(res.StatusCode) {
	case reliability.ClassOK:
	case reliability.ClassAuth:
		return "", &Error{Kind: KindAuth, Op: "signed_url", Status: res.StatusCode, Err: fmt.Errorf("%s", snippet(body))}
	case reliability.ClassTransient:
		return "", &Error{Kind: KindNetwork, Op: "signed_url", Status: res.StatusCode, Err: fmt.Errorf("%s", snippet(body))}
	default:
		return "", &Error{Kind: KindProtocol, Op: "signed_url", Status: res.StatusCode, Err: fmt.Errorf("%s", snippet(body))}
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &Error{Kind: KindProtocol, Op: "signed_url", Status: res.StatusCode, Err: err}
	}
	if strings.TrimSpace(payload.SignedURL) == "" {
		return "", &Error{Kind: KindProtocol, Op: "signed_url", Status: res.StatusCode, Err: fmt.Errorf("response missing signed_url")}
	}
	return payload.SignedURL, nil
}

// Connect opens the agent websocket and sends the configuration frame.
// The returned Conn is ready for audio.
func (c *Client) Connect(ctx context.Context, creds Credentials, override Override) (*Conn, error) {
	signedURL, err := c.SignedURL(ctx, creds)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ws, res, err := c.dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		e := &Error{Kind: KindNetwork, Op: "dial", Err: err}
		if res != nil {
			e.Status = res.StatusCode
			if reliability.ClassifyHTTPStatus(res.StatusCode) == reliability.ClassAuth {
				e.Kind = KindAuth
			}
		}
		return nil, e
	}
	c.observe("upstream_dial", time.Since(start))

	conn := newConn(ws, c.logger)
	if err := conn.writeJSON(protocol.NewConversationInitiation(override.Prompt, override.FirstMessage)); err != nil {
		_ = conn.Close()
		return nil, &Error{Kind: KindNetwork, Op: "send_config", Err: err}
	}
	go conn.readLoop()
	return conn, nil
}

func (c *Client) observe(stage string, d time.Duration) {
	if c.cfg.OnStage != nil {
		c.cfg.OnStage(stage, d)
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response body"
	}
	return s
}
