package heartbeat

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/siohaza/oxine/internal/metrics"
	"github.com/siohaza/oxine/internal/protocol"
	"github.com/siohaza/oxine/pkg/config"
)

const maxResponseSize = 4096

// Source supplies the live numbers a heartbeat reports.
type Source interface {
	Count() int
	IssueSalt(rng io.Reader) (string, error)
}

// Client announces the server to a directory service such as the
// ClassiCube server list.
type Client struct {
	cfg        *config.Config
	source     Source
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
	rng        io.Reader
	retryDelay time.Duration
	software   string

	mu      sync.Mutex
	playURL string
}

func New(cfg *config.Config, source Source, m *metrics.Metrics, software string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		source:     source,
		httpClient: &http.Client{},
		metrics:    m,
		logger:     logger.With("component", "heartbeat"),
		rng:        rand.Reader,
		retryDelay: time.Second,
		software:   software,
	}
}

// Run beats once straight away and then every heartbeat_spacing until ctx
// is done. Failed beats are logged and never stop the loop.
func (c *Client) Run(ctx context.Context) {
	if c.cfg.HeartbeatURL == "" {
		c.logger.Info("heartbeat disabled")
		return
	}

	c.logger.Info("heartbeat enabled", "url", c.cfg.HeartbeatURL, "spacing", c.cfg.HeartbeatSpacing)

	ticker := time.NewTicker(c.cfg.HeartbeatSpacing.Std())
	defer ticker.Stop()

	for {
		if err := c.Beat(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("heartbeat failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Beat issues a fresh salt and reports the server once, retrying up to
// heartbeat_retries times.
func (c *Client) Beat(ctx context.Context) error {
	salt, err := c.source.IssueSalt(c.rng)
	if err != nil {
		c.record("error")
		return err
	}

	target, err := c.requestURL(salt)
	if err != nil {
		c.record("error")
		return err
	}

	backoff := retry.WithMaxRetries(uint64(c.cfg.HeartbeatRetries), retry.NewConstant(c.retryDelay))

	var body string
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		b, sendErr := c.send(ctx, target)
		if sendErr != nil {
			c.logger.Debug("heartbeat attempt failed", "attempt", attempt, "error", sendErr)
			return sendErr
		}
		body = b
		return nil
	})
	if err != nil {
		c.record("failure")
		return fmt.Errorf("failed to send heartbeat after %d attempts: %w", attempt, err)
	}

	c.record("success")
	c.notePlayURL(body)
	return nil
}

func (c *Client) requestURL(salt string) (string, error) {
	u, err := url.Parse(c.cfg.HeartbeatURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse heartbeat url: %w", err)
	}

	q := u.Query()
	q.Set("name", c.cfg.Name)
	q.Set("port", strconv.Itoa(c.cfg.Port))
	q.Set("users", strconv.Itoa(c.source.Count()))
	q.Set("max", strconv.Itoa(c.cfg.MaxPlayers))
	q.Set("public", strings.ToLower(strconv.FormatBool(c.cfg.Public)))
	q.Set("salt", salt)
	q.Set("version", strconv.Itoa(protocol.ProtocolVersion))
	q.Set("software", c.software)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (c *Client) send(ctx context.Context, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout.Std())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build heartbeat request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", retry.RetryableError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", retry.RetryableError(fmt.Errorf("failed to read heartbeat response: %w", err))
	}

	body := strings.TrimSpace(string(data))
	switch {
	case resp.StatusCode >= 500:
		return "", retry.RetryableError(fmt.Errorf("heartbeat server error: %s", resp.Status))
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("heartbeat rejected: %s: %s", resp.Status, body)
	}

	return body, nil
}

func (c *Client) notePlayURL(body string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if body == "" || body == c.playURL {
		return
	}
	c.playURL = body
	c.logger.Info("server listed", "play_url", body)
}

// PlayURL is the last address the directory handed back.
func (c *Client) PlayURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playURL
}

func (c *Client) record(result string) {
	if c.metrics != nil {
		c.metrics.HeartbeatsTotal.WithLabelValues(result).Inc()
	}
}
