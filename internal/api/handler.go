// Package api exposes the auction engine over HTTP/JSON.
//
// All monetary values travel as decimal strings (shopspring/decimal).
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/model"
)

// Handler serves the auction HTTP API.
type Handler struct {
	svc      *auction.Service
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler creates the HTTP handlers for svc.
func NewHandler(svc *auction.Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Routes mounts the API under r (expected at /api/v1).
func (h *Handler) Routes(r chi.Router) {
	r.Get("/auctions", h.ListAuctions)
	r.Post("/auctions", h.CreateAuction)
	r.Route("/auctions/{auctionID}", func(r chi.Router) {
		r.Get("/", h.GetAuction)
		r.Get("/bids", h.AuctionBids)
		r.Post("/bids", h.PlaceBid)
		r.Post("/buy-now", h.BuyNow)
		r.Post("/cancel", h.Cancel)
		r.Post("/close", h.Close)
		r.Get("/outcome", h.Outcome)
	})
	r.Get("/bidders/{bidderID}/bids", h.BidderBids)
}

// --- Request types ---

// CreateAuctionRequest is the JSON body for POST /auctions.
type CreateAuctionRequest struct {
	CreatorID               string           `json:"creator_id" validate:"required,max=128"`
	ItemRef                 string           `json:"item_ref" validate:"required"` // content:<id> | privilege:<id> | slot:<id>
	Title                   string           `json:"title" validate:"max=200"`
	InitialPrice            decimal.Decimal  `json:"initial_price"`
	MinIncrement            decimal.Decimal  `json:"min_increment"`
	BuyNowPrice             *decimal.Decimal `json:"buy_now_price,omitempty"`
	StartAt                 *time.Time       `json:"start_at,omitempty"` // nil = now
	EndAt                   time.Time        `json:"end_at" validate:"required"`
	ExtensionEnabled        bool             `json:"extension_enabled"`
	ExtensionWindowSeconds  int              `json:"extension_window_seconds" validate:"gte=0"`
	EndAtCeiling            *time.Time       `json:"end_at_ceiling,omitempty"`
	MaxExtensions           int              `json:"max_extensions" validate:"gte=0"`
	RestrictedToSubscribers bool             `json:"restricted_to_subscribers"`
}

// PlaceBidRequest is the JSON body for POST /auctions/{id}/bids.
type PlaceBidRequest struct {
	BidderID string          `json:"bidder_id" validate:"required,max=128"`
	Amount   decimal.Decimal `json:"amount"`
}

// BuyNowRequest is the JSON body for POST /auctions/{id}/buy-now.
type BuyNowRequest struct {
	BuyerID string `json:"buyer_id" validate:"required,max=128"`
}

// CancelRequest is the JSON body for POST /auctions/{id}/cancel.
type CancelRequest struct {
	RequesterID string `json:"requester_id" validate:"required,max=128"`
}

// --- HTTP Handlers ---

// CreateAuction handles POST /api/v1/auctions
func (h *Handler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req CreateAuctionRequest
	if !h.decode(w, r, &req) {
		return
	}

	now := h.now()
	start := now
	if req.StartAt != nil {
		start = *req.StartAt
	}
	a, err := h.svc.CreateAuction(r.Context(), auction.CreateRequest{
		CreatorID:               req.CreatorID,
		ItemRef:                 req.ItemRef,
		Title:                   req.Title,
		InitialPrice:            req.InitialPrice,
		MinIncrement:            req.MinIncrement,
		BuyNowPrice:             req.BuyNowPrice,
		StartAt:                 start,
		EndAt:                   req.EndAt,
		ExtensionEnabled:        req.ExtensionEnabled,
		ExtensionWindow:         time.Duration(req.ExtensionWindowSeconds) * time.Second,
		EndAtCeiling:            req.EndAtCeiling,
		MaxExtensions:           req.MaxExtensions,
		RestrictedToSubscribers: req.RestrictedToSubscribers,
	}, now)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListAuctions handles GET /api/v1/auctions
// Optionally filtered by ?state=draft|active|ended|cancelled.
func (h *Handler) ListAuctions(w http.ResponseWriter, r *http.Request) {
	var state model.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		s, ok := model.ParseState(raw)
		if !ok {
			writeError(w, "unknown state: "+raw, http.StatusBadRequest)
			return
		}
		state = s
	}

	summaries, err := h.svc.ListAuctions(r.Context(), state)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if summaries == nil {
		summaries = []model.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetAuction handles GET /api/v1/auctions/{auctionID}
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetAuction(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AuctionBids handles GET /api/v1/auctions/{auctionID}/bids
func (h *Handler) AuctionBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.svc.AuctionBids(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

// BidderBids handles GET /api/v1/bidders/{bidderID}/bids
func (h *Handler) BidderBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.svc.BidderBids(r.Context(), chi.URLParam(r, "bidderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

// PlaceBid handles POST /api/v1/auctions/{auctionID}/bids
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req PlaceBidRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	res, err := h.svc.PlaceBid(r.Context(), auction.BidRequest{
		AuctionID: chi.URLParam(r, "auctionID"),
		BidderID:  req.BidderID,
		Amount:    req.Amount,
		Origin:    r.RemoteAddr,
		Now:       h.now(),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// BuyNow handles POST /api/v1/auctions/{auctionID}/buy-now
func (h *Handler) BuyNow(w http.ResponseWriter, r *http.Request) {
	var req BuyNowRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.svc.ExecuteBuyNow(r.Context(), auction.BuyNowRequest{
		AuctionID: chi.URLParam(r, "auctionID"),
		BuyerID:   req.BuyerID,
		Origin:    r.RemoteAddr,
		Now:       h.now(),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Cancel handles POST /api/v1/auctions/{auctionID}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}

	a, err := h.svc.CancelAuction(r.Context(), chi.URLParam(r, "auctionID"), req.RequesterID, h.now())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Close handles POST /api/v1/auctions/{auctionID}/close
// Ends the auction now, even before its end time. Operator action.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ForceClose(r.Context(), chi.URLParam(r, "auctionID"), h.now())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Outcome handles GET /api/v1/auctions/{auctionID}/outcome
func (h *Handler) Outcome(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Outcome(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, "invalid field: "+verrs[0].Field()+" ("+verrs[0].Tag()+")", http.StatusBadRequest)
			return false
		}
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrInvalidAuction):
		return http.StatusBadRequest
	case errors.Is(err, auction.ErrNotCreator), errors.Is(err, auction.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, auction.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, auction.ErrAuctionNotActive),
		errors.Is(err, auction.ErrAuctionExpired),
		errors.Is(err, auction.ErrSelfBidNotAllowed),
		errors.Is(err, auction.ErrBidTooLow),
		errors.Is(err, auction.ErrAlreadyHighestBidder),
		errors.Is(err, auction.ErrCannotCancelWithBids),
		errors.Is(err, auction.ErrAuctionPriceChanged),
		errors.Is(err, auction.ErrBuyNowUnavailable),
		errors.Is(err, auction.ErrAuctionNotExpired),
		errors.Is(err, auction.ErrConcurrentModification),
		errors.Is(err, auction.ErrSettlementInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]string{
		"error":  err.Error(),
		"reason": auction.Reason(err),
	}

	var tooLow *auction.BidTooLowError
	if errors.As(err, &tooLow) {
		body["min_next_bid"] = tooLow.Minimum.String()
	}
	if errors.Is(err, auction.ErrConcurrentModification) || errors.Is(err, auction.ErrSettlementInProgress) {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		if !errors.Is(err, auction.ErrSettlementFailed) {
			body["error"] = "internal error"
		}
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
