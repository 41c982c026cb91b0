package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fabstir/host-agent/internal/agent"
	"github.com/fabstir/host-agent/internal/supervisor"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": int64(s.agent.Uptime().Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Info(r.Context()))
}

type startRequest struct {
	Daemon bool `json:"daemon"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	h, err := s.agent.StartInference(r.Context(), req.Daemon)
	if err != nil {
		writeError(w, startErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Supervisor().Info(h))
}

// startErrorStatus maps spawn failures onto HTTP statuses: a running child
// conflicts, everything else is a server-side failure unless the operator
// has not authenticated yet.
func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	case strings.Contains(err.Error(), "authenticate"):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.StopInference(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type registerRequest struct {
	PublicURL string            `json:"public_url"`
	Models    []string          `json:"models"`
	Stake     string            `json:"stake"`             // whole fabric tokens, decimal
	Pricing   map[string]string `json:"pricing,omitempty"` // model -> wei per million tokens
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	stake, ok := new(big.Int).SetString(req.Stake, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "stake must be a decimal integer")
		return
	}
	pricing := make(map[string]*big.Int, len(req.Pricing))
	for model, raw := range req.Pricing {
		price, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "pricing for "+model+" must be a decimal integer")
			return
		}
		pricing[model] = price
	}

	res, err := s.agent.Register(r.Context(), agent.RegisterParams{
		PublicURL: req.PublicURL,
		Models:    req.Models,
		Stake:     stake,
		Pricing:   pricing,
	})
	if err != nil {
		writeError(w, actionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx_hash": res.TxHash.Hex()})
}

type pricingRequest struct {
	ModelID string `json:"model_id"`
	Token   string `json:"token,omitempty"` // empty means native coin
	Price   string `json:"price"`           // wei per million tokens, decimal
}

func (s *Server) handleUpdatePricing(w http.ResponseWriter, r *http.Request) {
	var req pricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "model_id required")
		return
	}
	price, ok := new(big.Int).SetString(req.Price, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "price must be a decimal integer")
		return
	}
	res, err := s.agent.UpdatePricing(r.Context(), req.ModelID, req.Token, price)
	if err != nil {
		writeError(w, actionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx_hash": res.TxHash.Hex()})
}

type withdrawRequest struct {
	Tokens []string `json:"tokens"` // addresses; zero address for the native coin
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Tokens) == 0 {
		writeError(w, http.StatusBadRequest, "at least one token required")
		return
	}
	tokens := make([]common.Address, len(req.Tokens))
	for i, raw := range req.Tokens {
		if !common.IsHexAddress(raw) {
			writeError(w, http.StatusBadRequest, "invalid token address "+raw)
			return
		}
		tokens[i] = common.HexToAddress(raw)
	}
	res, err := s.agent.Withdraw(r.Context(), tokens)
	if err != nil {
		writeError(w, actionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx_hash": res.TxHash.Hex()})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	info := s.agent.Info(r.Context())
	if info.Balances == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, info.Balances)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	earnings, err := s.agent.Earnings(r.Context())
	if err != nil {
		writeError(w, actionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, earnings)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.agent.Engine().Sessions(),
		"stats":    s.agent.Engine().Stats(),
	})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": s.agent.Engine().Pending(),
	})
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": s.agent.Chain().Endpoints().Health(),
		"breaker":   s.agent.Chain().Breaker().State().String(),
	})
}

// actionErrorStatus maps agent-level failures: missing authentication reads
// as 401, everything else as 500.
func actionErrorStatus(err error) int {
	if strings.Contains(err.Error(), "not authenticated") {
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
