// Package relay turns inbound collection and item lookups into upstream
// requests, using the configured owner, collection and credential.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/video-relay/pkg/client"
	"github.com/Sternrassler/video-relay/pkg/config"
	"github.com/Sternrassler/video-relay/pkg/logging"
	"github.com/Sternrassler/video-relay/pkg/pagination"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Upstream is the part of the upstream client the relay needs.
type Upstream interface {
	pagination.PageFetcher
	FetchOne(ctx context.Context, resourceURL string) (json.RawMessage, error)
}

// Service serves collection aggregation and single item lookups.
type Service struct {
	config   config.Upstream
	upstream Upstream
	walker   *pagination.Walker
	logger   zerolog.Logger
}

// New creates a relay service. The configuration is taken as-is: missing
// credentials are reported per call as configuration errors.
func New(cfg config.Upstream, upstream Upstream) *Service {
	return &Service{
		config:   cfg,
		upstream: upstream,
		walker: pagination.NewWalker(upstream, pagination.Config{
			MaxPages: cfg.MaxPages,
			MaxItems: cfg.MaxItems,
			Timeout:  cfg.GetAggregateTimeout(),
		}),
		logger: logging.NewLogger("relay"),
	}
}

// ClientConfig maps relay configuration onto the upstream client.
// rdb may be nil to run without cache and rate-limit tracking.
func ClientConfig(cfg *config.Config, rdb *redis.Client) client.Config {
	cc := client.DefaultConfig(cfg.Upstream.AccessToken)
	if cfg.Upstream.UserAgent != "" {
		cc.UserAgent = cfg.Upstream.UserAgent
	}
	if cfg.Upstream.Accept != "" {
		cc.Accept = cfg.Upstream.Accept
	}
	cc.RequestTimeout = cfg.Upstream.GetRequestTimeout()
	cc.Retry.MaxAttempts = cfg.Upstream.Retry.MaxAttempts
	cc.Retry.InitialBackoff = cfg.Upstream.Retry.GetInitialBackoff()
	cc.Retry.MaxBackoff = cfg.Upstream.Retry.GetMaxBackoff()
	cc.Redis = rdb
	cc.CacheDefaultTTL = cfg.Cache.GetDefaultTTL()
	return cc
}

// CollectionItems returns every item of a collection in upstream order. An
// empty collectionID selects the configured folder.
func (s *Service) CollectionItems(ctx context.Context, collectionID string) ([]json.RawMessage, error) {
	collectionID = strings.TrimSpace(collectionID)

	if missing := s.config.MissingCredentials(collectionID); len(missing) > 0 {
		s.logger.Error().Strs("missing", missing).Msg("Collection request rejected: configuration incomplete")
		return nil, client.NewConfigurationError("missing upstream settings: %s", strings.Join(missing, ", "))
	}
	if collectionID == "" {
		collectionID = s.config.FolderID
	}

	firstURL, err := s.CollectionURL(collectionID)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("collection_id", collectionID).Msg("Starting collection aggregation")

	items, err := s.walker.FetchAllPages(ctx, firstURL)
	if err != nil {
		return nil, asAPIError(err)
	}
	return items, nil
}

// Item returns a single item unchanged.
func (s *Service) Item(ctx context.Context, itemID string) (json.RawMessage, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil, client.NewInvalidArgumentError("item id is required")
	}
	if s.config.AccessToken == "" {
		return nil, client.NewConfigurationError("missing upstream settings: access_token")
	}

	itemURL, err := s.ItemURL(itemID)
	if err != nil {
		return nil, err
	}

	item, err := s.upstream.FetchOne(ctx, itemURL)
	if err != nil {
		s.logger.Warn().Err(err).Str("item_id", itemID).Msg("Item lookup failed")
		return nil, asAPIError(err)
	}
	return item, nil
}

// CollectionURL builds the first-page URL of a collection listing.
func (s *Service) CollectionURL(collectionID string) (string, error) {
	query := url.Values{}
	if s.config.CollectionFields != "" {
		query.Set("fields", s.config.CollectionFields)
	}
	if s.config.PageSize > 0 {
		query.Set("per_page", strconv.Itoa(s.config.PageSize))
	}
	return s.buildURL(query, "users", s.config.UserID, "folders", collectionID, "videos")
}

// ItemURL builds the URL of a single item.
func (s *Service) ItemURL(itemID string) (string, error) {
	query := url.Values{}
	if s.config.ItemFields != "" {
		query.Set("fields", s.config.ItemFields)
	}
	return s.buildURL(query, "videos", itemID)
}

func (s *Service) buildURL(query url.Values, segments ...string) (string, error) {
	base, err := url.Parse(s.config.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", client.NewConfigurationError("invalid upstream base URL %q", s.config.BaseURL)
	}

	escaped := make([]string, len(segments))
	for i, seg := range segments {
		if seg == "." || seg == ".." {
			return "", client.NewInvalidArgumentError("invalid identifier %q", seg)
		}
		escaped[i] = url.PathEscape(seg)
	}

	u := base.JoinPath(escaped...)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// asAPIError keeps *client.APIError values and classifies walker failures
// such as limit violations as upstream errors.
func asAPIError(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return &client.APIError{
		Class:   client.ErrorClassUpstream,
		Message: fmt.Sprintf("aggregation aborted: %v", err),
		Err:     err,
	}
}
