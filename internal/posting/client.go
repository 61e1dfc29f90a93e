package posting

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

const (
	userAgent   = "spigell/delivery-engine"
	postingPath = "/postings"
	// Postings remembered per process before the seen set is reset.
	maxSeen = 10000
)

// Client is a Source backed by the platform gateway HTTP API.
type Client struct {
	token      string
	logger     *zap.Logger
	HTTPClient *http.Client
	UserAgent  string
	APIURL     string
	Platform   string

	mu       sync.Mutex
	queryKey string
	buffer   []*Posting
	page     int
	pages    int
	seen     map[string]struct{}
}

// New builds a gateway client.
func New(apiURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		token:  token,
		APIURL: apiURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:    logger,
		UserAgent: userAgent,
		pages:     -1,
		seen:      make(map[string]struct{}),
	}
}

// Next returns the next unseen posting for q. It pages through the gateway
// and reports exhaustion with a nil posting, starting over on the next call.
func (c *Client) Next(ctx context.Context, q Query) (*Posting, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	params := buildParams(q)
	if key := params.Encode(); key != c.queryKey {
		c.queryKey = key
		c.buffer = nil
		c.page = 0
		c.pages = -1
	}

	for {
		for len(c.buffer) > 0 {
			p := c.buffer[0]
			c.buffer = c.buffer[1:]
			if _, ok := c.seen[p.ID]; ok || p.ID == "" {
				continue
			}
			if len(c.seen) >= maxSeen {
				c.seen = make(map[string]struct{})
			}
			c.seen[p.ID] = struct{}{}
			if p.Platform == "" {
				p.Platform = c.Platform
			}
			return p, nil
		}

		if c.pages >= 0 && c.page >= c.pages {
			c.page = 0
			c.pages = -1
			return nil, nil
		}

		postings, pages, err := c.fetchPage(ctx, params, c.page)
		if err != nil {
			return nil, err
		}
		c.pages = pages
		c.page++
		c.buffer = postings
	}
}

func (c *Client) fetchPage(ctx context.Context, params url.Values, page int) ([]*Posting, int, error) {
	response, err := c.GetItems(ctx, c.APIURL+postingPath, params, page)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch postings: %w", err)
	}

	var postings []*Posting
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &postings,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, 0, err
	}
	if err := decoder.Decode(response.Items); err != nil {
		return nil, 0, fmt.Errorf("decode postings: %w", err)
	}

	c.logger.Debug("got postings from gateway",
		zap.Int("page", response.Page),
		zap.Int("pages", response.Pages),
		zap.Int("count", len(postings)),
	)

	return postings, response.Pages, nil
}

// Apply submits an application through the gateway.
func (c *Client) Apply(ctx context.Context, req ApplyRequest) (Outcome, error) {
	if req.Posting == nil || req.Posting.ID == "" {
		return Outcome{}, fmt.Errorf("posting id is required")
	}

	data := map[string]string{"greeting": req.Greeting}
	if req.Code != "" {
		data["code"] = req.Code
	}

	target := fmt.Sprintf("%s%s/%s/apply", c.APIURL, postingPath, url.PathEscape(req.Posting.ID))

	var outcome Outcome
	if err := c.postFormData(ctx, target, data, &outcome); err != nil {
		return Outcome{}, fmt.Errorf("apply to %s: %w", req.Posting.ID, err)
	}

	switch outcome.Status {
	case StatusSuccess, StatusFailure, StatusVerificationRequired:
		return outcome, nil
	default:
		return Outcome{}, fmt.Errorf("apply to %s: unexpected status %q", req.Posting.ID, outcome.Status)
	}
}
