package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	vaulterrors "github.com/R3E-Network/yield_vault/internal/errors"
	"github.com/R3E-Network/yield_vault/internal/vault/audit"
	"github.com/R3E-Network/yield_vault/services/yieldvault"
)

// apiResponse is the envelope for every /v1 response.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

type decisionsPage struct {
	From      uint64           `json:"from"`
	To        uint64           `json:"to"`
	Count     int              `json:"count"`
	Decisions []audit.Decision `json:"decisions"`
}

// newRouter exposes the read-only ops surface. Mutations are not served over
// HTTP.
func newRouter(svc *yieldvault.Service) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", svc.Metrics().Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthHandler(svc)).Methods(http.MethodGet)

	api := r.PathPrefix("/v1/vault").Subrouter()
	api.Use(svc.Metrics().InstrumentHandler)
	api.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeSuccess(w, svc.GetVaultMetrics())
	}).Methods(http.MethodGet)
	api.HandleFunc("/decisions", decisionsHandler(svc)).Methods(http.MethodGet)
	api.HandleFunc("/decisions/{seq:[0-9]+}/verify", verifyHandler(svc)).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/summary", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, svc.GetUserAuditSummary(mux.Vars(r)["id"]))
	}).Methods(http.MethodGet)
	return r
}

func healthHandler(svc *yieldvault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := svc.Health()
		status := http.StatusOK
		if h.Status != yieldvault.StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

func decisionsHandler(svc *yieldvault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from, err := parseUint(q.Get("from"), 0)
		if err != nil {
			writeError(w, vaulterrors.InvalidRange("getAIDecisions", "from must be an unsigned integer"))
			return
		}
		to, err := parseUint(q.Get("to"), from+uint64(svc.Engine().PageCap()))
		if err != nil {
			writeError(w, vaulterrors.InvalidRange("getAIDecisions", "to must be an unsigned integer"))
			return
		}
		decisions, count, err := svc.GetAIDecisions(from, to)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, decisionsPage{From: from, To: to, Count: count, Decisions: decisions})
	}
}

func verifyHandler(svc *yieldvault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, err := strconv.ParseUint(mux.Vars(r)["seq"], 10, 64)
		if err != nil {
			writeError(w, vaulterrors.InvalidRange("verifyIntegrity", "sequence out of range"))
			return
		}
		ok, err := svc.Engine().VerifyDecision(seq)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, map[string]interface{}{"sequence_id": seq, "valid": ok})
	}
}

func parseUint(raw string, def uint64) (uint64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	code := vaulterrors.CodeOf(err)
	writeJSON(w, statusFor(code), apiResponse{Error: err.Error(), Code: string(code)})
}

func statusFor(code vaulterrors.Code) int {
	switch code {
	case vaulterrors.CodeInvalidRange:
		return http.StatusBadRequest
	case vaulterrors.CodeAdapterNotFound:
		return http.StatusNotFound
	case vaulterrors.CodeUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
