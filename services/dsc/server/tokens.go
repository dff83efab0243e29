package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"dscengine/observability/logging"
	"dscengine/services/dsc/middleware"
)

type approveRequest struct {
	Owner string `json:"owner,omitempty"`
	// Spender defaults to the engine account.
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

type priceRequest struct {
	Price string `json:"price"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) token(r *http.Request) (string, TokenLedger, error) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	ledger, ok := s.tokens[symbol]
	if !ok {
		return symbol, nil, fmt.Errorf("%w %q", errUnknownToken, symbol)
	}
	return symbol, ledger, nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	symbol, ledger, err := s.token(r)
	if err != nil {
		writeError(w, err)
		return
	}
	supply, err := ledger.TotalSupply(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "totalSupply": supply.String()})
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	symbol, ledger, err := s.token(r)
	if err != nil {
		writeError(w, err)
		return
	}
	owner, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := ledger.BalanceOf(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	allowance, err := ledger.Allowance(r.Context(), owner, s.engine.Address())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"symbol":          symbol,
		"address":         owner.String(),
		"balance":         balance.String(),
		"engineAllowance": allowance.String(),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	symbol, ledger, err := s.token(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req approveRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	owner, err := s.caller(r, "owner", req.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	spender := s.engine.Address()
	if strings.TrimSpace(req.Spender) != "" {
		if spender, err = parseAddress("spender", req.Spender); err != nil {
			writeError(w, err)
			return
		}
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if amount.Sign() < 0 {
		writeError(w, badField("amount", fmt.Errorf("must not be negative")))
		return
	}
	if err := ledger.Approve(r.Context(), owner, spender, amount); err != nil {
		writeError(w, badField("amount", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"symbol":    symbol,
		"owner":     owner.String(),
		"spender":   spender.String(),
		"allowance": amount.String(),
	})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "asset")))
	feed, ok := s.feeds[asset]
	if !ok {
		http.Error(w, "no adjustable feed for "+asset, http.StatusNotFound)
		return
	}
	var req priceRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	round, err := feed.SetDecimal(req.Price)
	if err != nil {
		writeError(w, badField("price", err))
		return
	}
	attrs := []any{"asset", asset, "round", round.ID, "answer", round.Answer.String()}
	if sub, ok := middleware.Subject(r.Context()); ok {
		attrs = append(attrs, logging.MaskField("operator", sub))
	}
	s.logger.Info("price feed updated", attrs...)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":     asset,
		"roundId":   round.ID,
		"answer":    round.Answer.String(),
		"decimals":  feed.Decimals(),
		"updatedAt": round.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		http.Error(w, "pause switch not configured", http.StatusNotImplemented)
		return
	}
	var req pauseRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.pauses.Set("dsc", req.Paused)
	s.logger.Warn("engine pause toggled", "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}
