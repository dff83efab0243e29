package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	nativecommon "dscengine/native/common"
	"dscengine/native/dsc"
	"dscengine/observability"
)

var (
	errMissingSubject  = errors.New("token subject required")
	errSubjectMismatch = errors.New("request user does not match token subject")
	errUnknownToken    = errors.New("unknown token")
	errBodyTooLarge    = errors.New("request body too large")
)

type errorResponse struct {
	Error        string `json:"error"`
	Kind         string `json:"kind,omitempty"`
	Asset        string `json:"asset,omitempty"`
	HealthFactor string `json:"healthFactor,omitempty"`
}

var kindStatus = map[dsc.ErrorKind]int{
	dsc.KindConfigurationMismatch:    http.StatusInternalServerError,
	dsc.KindZeroAmount:               http.StatusBadRequest,
	dsc.KindAmountOverflow:           http.StatusBadRequest,
	dsc.KindUnknownAsset:             http.StatusNotFound,
	dsc.KindTransferFailed:           http.StatusFailedDependency,
	dsc.KindMintFailed:               http.StatusFailedDependency,
	dsc.KindInsufficientCollateral:   http.StatusUnprocessableEntity,
	dsc.KindBurnAmountExceedsBalance: http.StatusUnprocessableEntity,
	dsc.KindBreaksHealthFactor:       http.StatusUnprocessableEntity,
	dsc.KindHealthFactorOk:           http.StatusUnprocessableEntity,
	dsc.KindHealthFactorNotImproved:  http.StatusUnprocessableEntity,
	dsc.KindReentrantCall:            http.StatusConflict,
	dsc.KindInvalidPrice:             http.StatusServiceUnavailable,
}

// statusFor maps an engine or request failure to its HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, errMissingSubject), errors.Is(err, errSubjectMismatch):
		return http.StatusForbidden
	case errors.Is(err, errUnknownToken):
		return http.StatusNotFound
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	var badRequest *requestError
	if errors.As(err, &badRequest) {
		return http.StatusBadRequest
	}
	if status, ok := kindStatus[dsc.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// requestError marks malformed input.
type requestError struct {
	field string
	err   error
}

func (e *requestError) Error() string {
	if e.field == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.field, e.err)
}

func (e *requestError) Unwrap() error { return e.err }

func badField(field string, err error) error {
	return &requestError{field: field, err: err}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: strings.TrimSpace(err.Error())}
	if status == http.StatusInternalServerError && dsc.KindOf(err) == dsc.KindUnknown {
		resp.Error = http.StatusText(status)
	}
	if kind := dsc.KindOf(err); kind != dsc.KindUnknown {
		resp.Kind = kind.String()
		var typed *dsc.Error
		if errors.As(err, &typed) {
			resp.Asset = typed.Asset
		}
	}
	if hf, ok := dsc.HealthFactorOf(err); ok {
		resp.HealthFactor = hf.String()
	}
	if resp.Error == "" {
		resp.Error = http.StatusText(status)
	}
	writeJSON(w, status, resp)
}

// observe counts the outcome of an engine mutation and passes err through.
func observe(method string, err error) error {
	kind := ""
	switch {
	case err == nil:
	case errors.Is(err, nativecommon.ErrModulePaused):
		kind = "paused"
	default:
		kind = dsc.KindOf(err).String()
	}
	observability.ModuleMetrics().Observe("dsc", method, kind)
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
