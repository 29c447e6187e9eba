package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/meridian/internal/domain"
)

// WelfareCache implements domain.WelfareCache with one Redis hash per
// decision at "meridian:welfare:{id}". Each field is a proposal id and each
// value is "welfare:block".
type WelfareCache struct {
	rdb *redis.Client
}

// NewWelfareCache creates a WelfareCache backed by the given Client.
func NewWelfareCache(c *Client) *WelfareCache {
	return &WelfareCache{rdb: c.Underlying()}
}

func welfareKey(decisionID uint64) string {
	return key("welfare", strconv.FormatUint(decisionID, 10))
}

// SetWelfare records the latest spot welfare of one proposal.
func (wc *WelfareCache) SetWelfare(ctx context.Context, decisionID uint64, p domain.WelfarePoint) error {
	field := strconv.Itoa(p.ProposalID)
	if err := wc.rdb.HSet(ctx, welfareKey(decisionID), field, encodePoint(p)).Err(); err != nil {
		return fmt.Errorf("redis: set welfare %d/%d: %w", decisionID, p.ProposalID, err)
	}
	return nil
}

// GetWelfare returns every cached proposal welfare ordered by proposal id.
// It returns domain.ErrNotFound when nothing is cached for the decision.
func (wc *WelfareCache) GetWelfare(ctx context.Context, decisionID uint64) ([]domain.WelfarePoint, error) {
	vals, err := wc.rdb.HGetAll(ctx, welfareKey(decisionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get welfare %d: %w", decisionID, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("redis: welfare %d: %w", decisionID, domain.ErrNotFound)
	}

	points := make([]domain.WelfarePoint, 0, len(vals))
	for field, raw := range vals {
		p, err := decodePoint(field, raw)
		if err != nil {
			return nil, fmt.Errorf("redis: get welfare %d: %w", decisionID, err)
		}
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ProposalID < points[j].ProposalID })
	return points, nil
}

// Invalidate drops the cached welfare of a decision.
func (wc *WelfareCache) Invalidate(ctx context.Context, decisionID uint64) error {
	if err := wc.rdb.Del(ctx, welfareKey(decisionID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate welfare %d: %w", decisionID, err)
	}
	return nil
}

func encodePoint(p domain.WelfarePoint) string {
	return strconv.FormatUint(p.Welfare, 10) + ":" + strconv.FormatUint(p.Block, 10)
}

func decodePoint(field, raw string) (domain.WelfarePoint, error) {
	id, err := strconv.Atoi(field)
	if err != nil {
		return domain.WelfarePoint{}, fmt.Errorf("bad proposal field %q: %w", field, err)
	}
	w, b, ok := strings.Cut(raw, ":")
	if !ok {
		return domain.WelfarePoint{}, fmt.Errorf("bad welfare value %q", raw)
	}
	welfare, err := strconv.ParseUint(w, 10, 64)
	if err != nil {
		return domain.WelfarePoint{}, fmt.Errorf("bad welfare value %q: %w", raw, err)
	}
	block, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return domain.WelfarePoint{}, fmt.Errorf("bad welfare value %q: %w", raw, err)
	}
	return domain.WelfarePoint{ProposalID: id, Welfare: welfare, Block: block}, nil
}

var _ domain.WelfareCache = (*WelfareCache)(nil)
