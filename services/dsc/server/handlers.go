package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"dscengine/crypto"
	"dscengine/native/dsc"
	"dscengine/services/dsc/middleware"
)

type collateralRequest struct {
	User   string `json:"user,omitempty"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type debtRequest struct {
	User   string `json:"user,omitempty"`
	Amount string `json:"amount"`
}

type positionRequest struct {
	User             string `json:"user,omitempty"`
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateralAmount"`
	DebtAmount       string `json:"debtAmount"`
}

type liquidationRequest struct {
	Liquidator  string `json:"liquidator,omitempty"`
	Asset       string `json:"asset"`
	Debtor      string `json:"debtor"`
	DebtToCover string `json:"debtToCover"`
}

type accountResponse struct {
	Address              string            `json:"address"`
	TotalDscMinted       string            `json:"totalDscMinted"`
	CollateralValueInUsd string            `json:"collateralValueInUsd"`
	HealthFactor         string            `json:"healthFactor"`
	Collateral           map[string]string `json:"collateral"`
}

type marketResponse struct {
	Asset    string `json:"asset"`
	PriceUsd string `json:"priceUsd,omitempty"`
	Error    string `json:"error,omitempty"`
}

type paramsResponse struct {
	LiquidationThreshold    uint64   `json:"liquidationThreshold"`
	LiquidationBonus        uint64   `json:"liquidationBonus"`
	LiquidationPrecision    uint64   `json:"liquidationPrecision"`
	MinHealthFactor         string   `json:"minHealthFactor"`
	Precision               string   `json:"precision"`
	AdditionalFeedPrecision string   `json:"additionalFeedPrecision"`
	CollateralTokens        []string `json:"collateralTokens"`
	Engine                  string   `json:"engine"`
}

type reserveResponse struct {
	Asset    string `json:"asset"`
	Held     string `json:"held"`
	Ledger   string `json:"ledger"`
	UsdValue string `json:"usdValue"`
}

type solvencyResponse struct {
	TotalSupply   string            `json:"totalSupply"`
	LedgerDebt    string            `json:"ledgerDebt"`
	CollateralUsd string            `json:"collateralUsd"`
	Reserves      []reserveResponse `json:"reserves"`
	Solvent       bool              `json:"solvent"`
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		if errors.Is(err, io.EOF) {
			return badField("", errors.New("request body required"))
		}
		return badField("", fmt.Errorf("decode request: %w", err))
	}
	return nil
}

// parseAmount accepts any base-10 integer. Range and sign are enforced by the
// engine so callers see the same failure kinds as direct callers.
func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, badField(field, errors.New("required"))
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, badField(field, fmt.Errorf("invalid integer %q", raw))
	}
	return value, nil
}

func parseAddress(field, raw string) (crypto.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return crypto.Address{}, badField(field, errors.New("required"))
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, badField(field, err)
	}
	return addr, nil
}

// caller resolves the account a mutation acts for. With authentication on the
// token subject wins and an explicit field must agree with it.
func (s *Server) caller(r *http.Request, field, claimed string) (crypto.Address, error) {
	if !s.auth.Enabled() {
		return parseAddress(field, claimed)
	}
	sub, ok := middleware.Subject(r.Context())
	if !ok {
		return crypto.Address{}, errMissingSubject
	}
	addr, err := crypto.DecodeAddress(sub)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", errMissingSubject, err)
	}
	if strings.TrimSpace(claimed) != "" {
		explicit, err := parseAddress(field, claimed)
		if err != nil {
			return crypto.Address{}, err
		}
		if !explicit.Equal(addr) {
			return crypto.Address{}, errSubjectMismatch
		}
	}
	return addr, nil
}

func (s *Server) account(ctx context.Context, user crypto.Address) (*accountResponse, error) {
	position, err := s.engine.GetPosition(ctx, user)
	if err != nil {
		return nil, err
	}
	info, err := s.engine.GetAccountInformation(ctx, user)
	if err != nil {
		return nil, err
	}
	resp := &accountResponse{
		Address:              user.String(),
		TotalDscMinted:       info.TotalDscMinted.String(),
		CollateralValueInUsd: info.CollateralValueInUsd.String(),
		HealthFactor:         s.engine.CalculateHealthFactor(info.TotalDscMinted, info.CollateralValueInUsd).String(),
		Collateral:           make(map[string]string),
	}
	for _, asset := range position.Assets() {
		resp.Collateral[asset] = position.CollateralOf(asset).String()
	}
	return resp, nil
}

// respondAccount writes the caller's position after a successful mutation.
func (s *Server) respondAccount(w http.ResponseWriter, r *http.Request, user crypto.Address) {
	resp, err := s.account(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.caller(r, "user", req.User)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := observe("deposit_collateral", s.engine.DepositCollateral(r.Context(), user, req.Asset, amount)); err != nil {
		writeError(w, err)
		return
	}
	s.respondAccount(w, r, user)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.caller(r, "user", req.User)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := observe("redeem_collateral", s.engine.RedeemCollateral(r.Context(), user, req.Asset, amount)); err != nil {
		writeError(w, err)
		return
	}
	s.respondAccount(w, r, user)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.handleDebt(w, r, "mint_dsc", s.engine.MintDsc)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	s.handleDebt(w, r, "burn_dsc", s.engine.BurnDsc)
}

func (s *Server) handleDebt(w http.ResponseWriter, r *http.Request, method string, apply func(context.Context, crypto.Address, *big.Int) error) {
	var req debtRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.caller(r, "user", req.User)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := observe(method, apply(r.Context(), user, amount)); err != nil {
		writeError(w, err)
		return
	}
	s.respondAccount(w, r, user)
}

func (s *Server) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	s.handlePosition(w, r, "deposit_collateral_and_mint_dsc", s.engine.DepositCollateralAndMintDsc)
}

func (s *Server) handleRedeemForDsc(w http.ResponseWriter, r *http.Request) {
	s.handlePosition(w, r, "redeem_collateral_for_dsc", s.engine.RedeemCollateralForDsc)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request, method string, apply func(context.Context, crypto.Address, string, *big.Int, *big.Int) error) {
	var req positionRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.caller(r, "user", req.User)
	if err != nil {
		writeError(w, err)
		return
	}
	collateral, err := parseAmount("collateralAmount", req.CollateralAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	debt, err := parseAmount("debtAmount", req.DebtAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := observe(method, apply(r.Context(), user, req.Asset, collateral, debt)); err != nil {
		writeError(w, err)
		return
	}
	s.respondAccount(w, r, user)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidationRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	liquidator, err := s.caller(r, "liquidator", req.Liquidator)
	if err != nil {
		writeError(w, err)
		return
	}
	debtor, err := parseAddress("debtor", req.Debtor)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("debtToCover", req.DebtToCover)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := observe("liquidate", s.engine.Liquidate(r.Context(), liquidator, req.Asset, debtor, amount)); err != nil {
		writeError(w, err)
		return
	}
	s.respondAccount(w, r, debtor)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondAccount(w, r, user)
}

func (s *Server) handleCollateralBalance(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	asset := chi.URLParam(r, "asset")
	balance, err := s.engine.CollateralBalanceOfUser(r.Context(), user, asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": user.String(),
		"asset":   strings.ToUpper(asset),
		"balance": balance.String(),
	})
}

func (s *Server) handleUsdValue(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, err)
		return
	}
	usd, err := s.engine.GetUsdValue(r.Context(), asset, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": strings.ToUpper(asset), "amount": amount.String(), "usdValue": usd.String()})
}

func (s *Server) handleTokenAmount(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	usd, err := parseAmount("usd", r.URL.Query().Get("usd"))
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.engine.GetTokenAmountFromUsd(r.Context(), asset, usd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": strings.ToUpper(asset), "usd": usd.String(), "amount": amount.String()})
}

func (s *Server) handleCalculateHealthFactor(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	debt, err := parseAmount("debt", query.Get("debt"))
	if err != nil {
		writeError(w, err)
		return
	}
	collateral, err := parseAmount("collateralUsd", query.Get("collateralUsd"))
	if err != nil {
		writeError(w, err)
		return
	}
	if debt.Sign() < 0 || collateral.Sign() < 0 {
		writeError(w, dsc.ErrAmountOverflow)
		return
	}
	ratio := s.engine.CalculateHealthFactor(debt, collateral)
	writeJSON(w, http.StatusOK, map[string]string{"healthFactor": ratio.String()})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, paramsResponse{
		LiquidationThreshold:    s.engine.LiquidationThreshold(),
		LiquidationBonus:        s.engine.LiquidationBonus(),
		LiquidationPrecision:    s.engine.LiquidationPrecision(),
		MinHealthFactor:         s.engine.MinHealthFactor().String(),
		Precision:               s.engine.Precision().String(),
		AdditionalFeedPrecision: s.engine.AdditionalFeedPrecision().String(),
		CollateralTokens:        s.engine.CollateralTokens(),
		Engine:                  s.engine.Address().String(),
	})
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	assets := s.engine.CollateralTokens()
	out := make([]marketResponse, 0, len(assets))
	for _, asset := range assets {
		entry := marketResponse{Asset: asset}
		price, err := s.engine.Oracle().Price(r.Context(), asset)
		if err != nil {
			entry.Error = dsc.KindOf(err).String()
		} else {
			entry.PriceUsd = price.String()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSolvency(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.CheckSolvency(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := solvencyResponse{
		TotalSupply:   report.TotalSupply.String(),
		LedgerDebt:    report.LedgerDebt.String(),
		CollateralUsd: report.CollateralUsd.String(),
		Reserves:      make([]reserveResponse, 0, len(report.Reserves)),
		Solvent:       report.Solvent,
	}
	for _, reserve := range report.Reserves {
		resp.Reserves = append(resp.Reserves, reserveResponse{
			Asset:    reserve.Asset,
			Held:     reserve.Held.String(),
			Ledger:   reserve.Ledger.String(),
			UsdValue: reserve.UsdValue.String(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
