package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/internal/fanout"
	"github.com/YaganovValera/market-stream/internal/marketdata"
	"github.com/YaganovValera/market-stream/internal/status"
	"github.com/YaganovValera/market-stream/internal/stream"
)

// Control is the part of stream.Service exposed over HTTP.
type Control interface {
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	Symbols() []string
	Status() status.Snapshot
}

// PriceFeed serves one price client.
type PriceFeed interface {
	Serve(ctx context.Context, w fanout.EventWriter, symbols []string) error
}

// PositionFeed serves one position client.
type PositionFeed interface {
	Serve(ctx context.Context, w fanout.EventWriter) error
}

// Handler агрегирует зависимости HTTP-обработчиков.
type Handler struct {
	control   Control
	prices    PriceFeed
	positions PositionFeed
	log       *logger.Logger
}

// NewHandler создаёт Handler.
func NewHandler(control Control, prices PriceFeed, positions PositionFeed, log *logger.Logger) *Handler {
	return &Handler{control: control, prices: prices, positions: positions, log: log.Named("transport")}
}

type subscriptionRequest struct {
	Symbols []string `json:"symbols"`
}

// subscriptionResponse: Degraded → изменение принято, но поток стоит (Disconnected)
// и будет применено при следующем Start.
type subscriptionResponse struct {
	Symbols  []string `json:"symbols"`
	Degraded bool     `json:"degraded,omitempty"`
}

// Prices streams price events for ?symbols=A,B,C.
func (h *Handler) Prices(w http.ResponseWriter, r *http.Request) {
	symbols := marketdata.ParseSymbolList(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		badRequest(w, "symbols query parameter is required")
		return
	}
	h.serveStream(w, r, func(ctx context.Context, sw fanout.EventWriter) error {
		return h.prices.Serve(ctx, sw, symbols)
	})
}

// Positions streams position deltas.
func (h *Handler) Positions(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, h.positions.Serve)
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, serve func(context.Context, fanout.EventWriter) error) {
	id := uuid.NewString()
	ctx := logger.ContextWithConnectionID(r.Context(), id)
	log := h.log.WithContext(ctx)

	sw, err := newSSEWriter(w, id)
	if err != nil {
		log.Error("cannot stream", zap.Error(err))
		return
	}
	if err := serve(ctx, sw); err != nil {
		var cwe *fanout.ClientWriteError
		if errors.As(err, &cwe) {
			log.Info("client dropped", zap.Error(err))
			return
		}
		log.Warn("stream ended", zap.Error(err))
	}
}

// Status returns the connectivity snapshot.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.control.Status())
}

// Subscribe adds symbols to the upstream subscription set.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.control.Subscribe)
}

// Unsubscribe removes symbols from the upstream subscription set.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.control.Unsubscribe)
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, fn func([]string) error) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if err := fn(req.Symbols); err != nil {
		switch {
		case errors.Is(err, stream.ErrNoSymbols):
			badRequest(w, err.Error())
		case errors.Is(err, stream.ErrTooManySymbols):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.log.WithContext(r.Context()).Error("subscription change failed", zap.Error(err))
			internalError(w, "subscription change failed")
		}
		return
	}
	resp := subscriptionResponse{Symbols: h.control.Symbols()}
	if h.control.Status().State == status.StateDisconnected {
		resp.Degraded = true
		writeJSONStatus(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, resp)
}
