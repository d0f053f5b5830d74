package acl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jsamuelsen/quotesync/internal/adapters/clients"
	"github.com/jsamuelsen/quotesync/internal/domain"
	"github.com/jsamuelsen/quotesync/internal/platform/logging"
)

const postsPath = "/posts"

// PostsClientConfig contains configuration for the posts client.
type PostsClientConfig struct {
	// Client is the HTTP client to use for requests.
	// The client's BaseURL should point at the posts API root.
	Client *clients.Client

	// Logger is the structured logger.
	Logger *slog.Logger

	// Now overrides the clock used to stamp pulled records. Defaults to time.Now.
	Now func() time.Time
}

// PostsClient implements ports.RemoteCollection against a JSONPlaceholder
// style posts API. A post's title carries the quote text; pushes send the
// category as the post body.
type PostsClient struct {
	BaseAdapter

	logger *slog.Logger
	now    func() time.Time
}

// NewPostsClient creates a new posts client adapter.
// Panics if Client is nil. Defaults logger to slog.Default() if nil.
func NewPostsClient(cfg PostsClientConfig) *PostsClient {
	if cfg.Client == nil {
		panic("PostsClient: Client is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &PostsClient{
		BaseAdapter: NewBaseAdapter(cfg.Client, "posts"),
		logger:      logger.With(slog.String("component", "acl.PostsClient")),
		now:         now,
	}
}

// postID accepts both numeric and string ids; the public API returns numbers.
type postID string

// UnmarshalJSON implements json.Unmarshaler.
func (p *postID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}

		*p = postID(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("post id: %w", err)
	}

	*p = postID(n.String())

	return nil
}

// postResponse is the external DTO for a post.
// This is an internal type - never exposed outside the ACL.
type postResponse struct {
	ID     postID `json:"id"`
	UserID int    `json:"userId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// postRequest is the external DTO sent when pushing a record.
type postRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	UserID int    `json:"userId"`
}

// Pull fetches at most limit posts and translates them to remote records.
// Implements ports.RemoteCollection.
func (c *PostsClient) Pull(ctx context.Context, limit int) ([]domain.Quote, error) {
	if limit <= 0 {
		return []domain.Quote{}, nil
	}

	path := postsPath + "?" + url.Values{"_limit": {strconv.Itoa(limit)}}.Encode()
	logging.Trace(ctx, c.logger, "starting request", slog.String("path", path))

	body, err := c.Get(ctx, path, "pull")
	if err != nil {
		return nil, err
	}

	posts, err := DecodeResponse[[]postResponse](body, c.ServiceName()+" pull")
	if err != nil {
		return nil, err
	}

	// The API may ignore _limit; the contract is "at most limit".
	items := *posts
	if len(items) > limit {
		items = items[:limit]
	}

	fetchedAt := c.now().UTC()

	quotes, err := TranslateSlice(items, func(p *postResponse) (domain.Quote, bool, error) {
		return c.translateToDomain(ctx, p, fetchedAt)
	})
	if err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "pulled remote records",
		slog.Int("received", len(*posts)),
		slog.Int("accepted", len(quotes)))

	return quotes, nil
}

// translateToDomain converts a post into a remote record. Posts with no
// usable text are dropped; a post without an id fails the batch because the
// id mapping is what keeps repeated pulls idempotent.
func (c *PostsClient) translateToDomain(ctx context.Context, p *postResponse, fetchedAt time.Time) (domain.Quote, bool, error) {
	if p.ID == "" {
		return domain.Quote{}, false, domain.NewParseError(c.ServiceName()+" pull", "post without id", nil)
	}

	text := strings.TrimSpace(p.Title)
	if text == "" {
		text = strings.TrimSpace(p.Body)
	}

	if text == "" {
		c.logger.WarnContext(ctx, "skipping remote post without text", slog.String("post_id", string(p.ID)))
		return domain.Quote{}, false, nil
	}

	q := domain.Quote{
		ID:        domain.RemoteID(string(p.ID)),
		Text:      text,
		Category:  domain.RemoteCategory,
		UpdatedAt: fetchedAt,
		Synced:    true,
		Source:    domain.SourceRemote,
	}

	logging.Trace(ctx, c.logger, "translated external DTO to domain", slog.String("quote_id", q.ID))

	return q, true, nil
}

// Push sends one record and returns the id the remote assigned to it.
// Implements ports.RemoteCollection.
func (c *PostsClient) Push(ctx context.Context, q domain.Quote) (string, error) {
	payload, err := json.Marshal(postRequest{Title: q.Text, Body: q.Category, UserID: 1})
	if err != nil {
		return "", fmt.Errorf("encoding post: %w", err)
	}

	logging.Trace(ctx, c.logger, "starting request",
		slog.String("path", postsPath),
		slog.String("quote_id", q.ID))

	body, err := c.Post(ctx, postsPath, bytes.NewReader(payload), "push")
	if err != nil {
		return "", err
	}

	created, err := DecodeResponse[postResponse](body, c.ServiceName()+" push")
	if err != nil {
		return "", err
	}

	if created.ID == "" {
		return "", domain.NewParseError(c.ServiceName()+" push", "response without id", nil)
	}

	c.logger.DebugContext(ctx, "pushed record",
		slog.String("quote_id", q.ID),
		slog.String("remote_id", string(created.ID)))

	return string(created.ID), nil
}

// Name returns the health check name for this client.
// Implements ports.HealthChecker.
func (c *PostsClient) Name() string {
	return "remote-collection"
}

// Critical reports false: the record store works offline.
// Implements ports.OptionalChecker.
func (c *PostsClient) Critical() bool {
	return false
}

// Check probes the collection with a one-item pull.
// Implements ports.HealthChecker.
func (c *PostsClient) Check(ctx context.Context) error {
	_, err := c.Pull(ctx, 1)
	return err
}
