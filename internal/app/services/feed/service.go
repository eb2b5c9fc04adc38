package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/account"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/reaction"
	"github.com/R3E-Network/engagement_layer/internal/app/metrics"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	// DefaultTimeout bounds each tier query when none is configured.
	DefaultTimeout = 5 * time.Second
)

// Viewer is the reader of a feed. A nil viewer is anonymous.
type Viewer struct {
	ID       string
	RegionID int64
}

// Item is a post with the viewer's engagement view of it.
type Item struct {
	post.Post
	Engagement reaction.Aggregate `json:"engagement"`
}

// Page is one slice of a feed.
type Page struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// AggregateSource supplies per-viewer engagement for posts.
type AggregateSource interface {
	Aggregates(ctx context.Context, postIDs []int64, viewerID string) (map[int64]reaction.Aggregate, error)
}

// Service assembles tiered, keyset-paginated feeds. It never writes.
type Service struct {
	store      storage.PostStore
	aggregates AggregateSource
	cache      Cache
	timeout    time.Duration
	log        *logger.Logger
}

// New constructs a feed assembler. A nil cache disables page caching.
func New(store storage.PostStore, cache Cache, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("feed")
	}
	return &Service{store: store, cache: cache, timeout: DefaultTimeout, log: log}
}

// WithTimeout bounds each tier query. Non-positive values are ignored.
func (s *Service) WithTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// WithAggregates attaches the engagement source used to decorate items.
func (s *Service) WithAggregates(src AggregateSource) {
	s.aggregates = src
}

// Invalidate retires every cached page. Wired to post creation.
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache != nil {
		s.cache.Bump(ctx)
	}
}

type tier struct {
	scope   storage.RegionScope
	regions []int64
}

// tiersFor lays out the feed for a viewer. Viewers with a region see their
// region and the global region first, then everything else. A viewer in the
// global region gets the global posts first.
func tiersFor(v *Viewer) []tier {
	if v == nil || v.RegionID <= 0 {
		return []tier{{scope: storage.ScopeAll}}
	}
	set := []int64{v.RegionID}
	if v.RegionID != account.GlobalRegionID {
		set = append(set, account.GlobalRegionID)
	}
	return []tier{
		{scope: storage.ScopeIn, regions: set},
		{scope: storage.ScopeNotIn, regions: set},
	}
}

// GetFeed returns the page after token (empty for the first page).
func (s *Service) GetFeed(ctx context.Context, viewer *Viewer, filters post.Filters, token string, limit int) (Page, error) {
	start := time.Now()
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	cur, err := decodeCursor(token)
	if err != nil {
		return Page{}, err
	}
	tiers := tiersFor(viewer)
	if cur != nil && cur.Tier >= len(tiers) {
		return Page{}, ErrInvalidCursor
	}

	var key string
	gen := int64(-1)
	if s.cache != nil {
		gen = s.cache.Generation(ctx)
		key = cacheKey(gen, viewer, filters, token, limit)
		if gen >= 0 {
			if cached, ok := s.cache.Get(ctx, key); ok {
				page, err := s.decorate(ctx, viewer, cached)
				metrics.RecordFeedAssembly(true, time.Since(start))
				return page, err
			}
		}
	}

	assembled, err := s.assemble(ctx, tiers, filters, cur, limit)
	if err != nil {
		return Page{}, err
	}
	if s.cache != nil && gen >= 0 {
		s.cache.Set(ctx, key, assembled)
	}

	page, err := s.decorate(ctx, viewer, assembled)
	metrics.RecordFeedAssembly(false, time.Since(start))
	return page, err
}

// assemble reads the cursor's tier from its position and the following tier
// from the top, concurrently, then concatenates them in tier order.
func (s *Service) assemble(ctx context.Context, tiers []tier, filters post.Filters, cur *cursor, limit int) (cachedPage, error) {
	first := 0
	var after *storage.Keyset
	if cur != nil {
		first = cur.Tier
		after = &storage.Keyset{CreatedAt: cur.CreatedAt, ID: cur.ID}
	}
	last := first + 1
	if last >= len(tiers) {
		last = len(tiers) - 1
	}

	results := make([][]post.Post, last-first+1)
	g, gctx := errgroup.WithContext(ctx)
	for i := first; i <= last; i++ {
		i := i
		q := storage.PostQuery{
			Filters: filters,
			Scope:   tiers[i].scope,
			Regions: tiers[i].regions,
			Limit:   limit + 1,
		}
		if i == first {
			q.After = after
		}
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, s.timeout)
			defer cancel()
			posts, err := s.store.ListPosts(qctx, q)
			if err != nil {
				return fmt.Errorf("tier %d: %w", i, err)
			}
			results[i-first] = posts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return cachedPage{}, err
	}
	if err := ctx.Err(); err != nil {
		return cachedPage{}, err
	}

	var page cachedPage
	more := false
	for offset, posts := range results {
		for _, p := range posts {
			if len(page.Posts) == limit {
				more = true
				break
			}
			page.Posts = append(page.Posts, p)
			page.Tiers = append(page.Tiers, first+offset)
		}
		if more {
			break
		}
	}
	if more && len(page.Posts) > 0 {
		tail := page.Posts[len(page.Posts)-1]
		page.NextCursor = cursor{Tier: page.Tiers[len(page.Tiers)-1], CreatedAt: tail.CreatedAt, ID: tail.ID}.encode()
	}
	return page, nil
}

func (s *Service) decorate(ctx context.Context, viewer *Viewer, page cachedPage) (Page, error) {
	out := Page{Items: make([]Item, 0, len(page.Posts)), NextCursor: page.NextCursor}
	var aggs map[int64]reaction.Aggregate
	if s.aggregates != nil && len(page.Posts) > 0 {
		ids := make([]int64, 0, len(page.Posts))
		for _, p := range page.Posts {
			ids = append(ids, p.ID)
		}
		viewerID := ""
		if viewer != nil {
			viewerID = viewer.ID
		}
		var err error
		aggs, err = s.aggregates.Aggregates(ctx, ids, viewerID)
		if err != nil {
			if ctx.Err() != nil {
				return Page{}, ctx.Err()
			}
			s.log.WithError(err).Warn("load feed aggregates failed; serving posts without engagement")
		}
	}
	for _, p := range page.Posts {
		item := Item{Post: p}
		if agg, ok := aggs[p.ID]; ok {
			item.Engagement = agg
		} else {
			item.Engagement = reaction.Aggregate{PostID: p.ID}
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func cacheKey(gen int64, viewer *Viewer, filters post.Filters, token string, limit int) string {
	region := int64(0)
	if viewer != nil {
		region = viewer.RegionID
	}
	var b strings.Builder
	b.WriteString("feed:")
	b.WriteString(strconv.FormatInt(gen, 10))
	b.WriteString(":r")
	b.WriteString(strconv.FormatInt(region, 10))
	b.WriteString(":c")
	b.WriteString(strconv.FormatInt(filters.CategoryID, 10))
	b.WriteString(":s")
	b.WriteString(strconv.FormatInt(filters.StoreID, 10))
	b.WriteString(":l")
	b.WriteString(strconv.Itoa(limit))
	b.WriteString(":")
	b.WriteString(token)
	return b.String()
}
