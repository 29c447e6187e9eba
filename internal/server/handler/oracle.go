package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/meridian/internal/chain"
)

// OracleFeeds resolves operator-fed memory oracles.
type OracleFeeds interface {
	Memory(addr common.Address) (*chain.MemoryOracle, error)
}

// BlockSource reports the current block height.
type BlockSource interface {
	CurrentBlock(ctx context.Context) (uint64, error)
}

// OracleHandler lets operators publish metrics for memory oracles.
type OracleHandler struct {
	feeds  OracleFeeds
	blocks BlockSource
	logger *slog.Logger
}

// NewOracleHandler creates an OracleHandler.
func NewOracleHandler(feeds OracleFeeds, blocks BlockSource, logger *slog.Logger) *OracleHandler {
	return &OracleHandler{feeds: feeds, blocks: blocks, logger: logger.With(slog.String("handler", "oracle"))}
}

// SetMetric records a new metric reading. The block defaults to the
// current block.
// POST /api/oracles/{address}/metric
func (h *OracleHandler) SetMetric(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body oracleMetricRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metric, err := parseAmount(body.Metric)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	feed, err := h.feeds.Memory(addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "set metric", err)
		return
	}
	var block uint64
	if body.Block != nil {
		block = *body.Block
	} else if block, err = h.blocks.CurrentBlock(r.Context()); err != nil {
		writeServiceError(w, r, h.logger, "set metric", err)
		return
	}
	feed.Set(metric, block)
	h.logger.InfoContext(r.Context(), "oracle metric set",
		slog.String("oracle", addr.Hex()),
		slog.String("metric", metric.Dec()),
		slog.Uint64("block", block),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"oracle":       addr.Hex(),
		"metric":       metric.Dec(),
		"last_updated": block,
	})
}
