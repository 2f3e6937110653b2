package streamd

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"salaryflow/core/allowance"
	"salaryflow/core/events"
	"salaryflow/core/streams"
	"salaryflow/core/tx"
	"salaryflow/ledger"
	"salaryflow/native/fees"
	"salaryflow/native/flow"
)

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	id, err := parseStreamID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	details, err := s.streams.Refresh(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

type accountStreamsResponse struct {
	Account common.Address    `json:"account"`
	Role    ledger.Role       `json:"role,omitempty"`
	Streams []streams.Details `json:"streams"`
}

func (s *Server) accountStreams(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	role, err := parseRole(r.URL.Query().Get("role"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	fromBlock, err := s.parseFromBlock(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	ids, err := s.streams.StreamsOf(r.Context(), account, role, fromBlock)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	details, err := s.streams.RefreshMany(r.Context(), ids)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountStreamsResponse{Account: account, Role: role, Streams: details})
}

type historyResponse struct {
	Records []events.Record `json:"records"`
}

func (s *Server) accountHistory(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	role, err := parseRole(r.URL.Query().Get("role"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	fromBlock, err := s.parseFromBlock(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeHistory(w, r, ledger.EventFilter{Account: account, Role: role, FromBlock: fromBlock})
}

func (s *Server) streamHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseStreamID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	fromBlock, err := s.parseFromBlock(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeHistory(w, r, ledger.EventFilter{StreamID: id, FromBlock: fromBlock})
}

func (s *Server) writeHistory(w http.ResponseWriter, r *http.Request, filter ledger.EventFilter) {
	records, err := s.streams.History(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if records == nil {
		records = []events.Record{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Records: records})
}

func (s *Server) accountStats(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	fromBlock, err := s.parseFromBlock(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	stats, err := s.streams.Stats(r.Context(), account, fromBlock)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// resolveDecimals prefers an explicit decimals parameter and otherwise reads
// the token's decimals.
func (s *Server) resolveDecimals(r *http.Request, token *common.Address) (int, error) {
	if raw := strings.TrimSpace(r.URL.Query().Get("decimals")); raw != "" {
		decimals, err := strconv.Atoi(raw)
		if err != nil || decimals < 0 || decimals > flow.MaxDecimals {
			return 0, badRequest("decimals %q out of range", raw)
		}
		return decimals, nil
	}
	if token == nil {
		return 0, badRequest("decimals or token required")
	}
	meta, err := s.streams.Tokens().Get(r.Context(), *token)
	if err != nil {
		return 0, err
	}
	return meta.Decimals, nil
}

func optionalToken(raw string) (*common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	token, err := parseAddress("token", raw)
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *Server) quoteFee(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := parseAmount("amount", q.Get("amount"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if amount == nil {
		s.writeFailure(w, r, badRequest("amount required"))
		return
	}
	token, err := optionalToken(q.Get("token"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	decimals, err := s.resolveDecimals(r, token)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	var result fees.Result
	switch {
	case q.Get("pct") != "":
		pct, err := decimal.NewFromString(strings.TrimSpace(q.Get("pct")))
		if err != nil {
			s.writeFailure(w, r, badRequest("pct %q is not a decimal", q.Get("pct")))
			return
		}
		result = fees.ComputeFromPercentage(amount, decimals, pct)
	case q.Get("bps") != "":
		bps, err := strconv.ParseUint(strings.TrimSpace(q.Get("bps")), 10, 64)
		if err != nil {
			s.writeFailure(w, r, badRequest("bps %q is not an integer", q.Get("bps")))
			return
		}
		result = fees.Compute(amount, decimals, bps)
	case token != nil:
		result = s.fees.Quote(*token, amount, decimals)
	default:
		result = fees.Compute(amount, decimals, s.fees.DefaultBps)
	}
	writeJSON(w, http.StatusOK, result)
}

type feeEntryRequest struct {
	Amount      *big.Int        `json:"amount"`
	Decimals    int             `json:"decimals"`
	Token       *common.Address `json:"token,omitempty"`
	BasisPoints *uint64         `json:"basisPoints,omitempty"`
}

type aggregateRequest struct {
	Entries []feeEntryRequest `json:"entries"`
}

func (s *Server) aggregateFees(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	entries := make([]fees.Entry, len(req.Entries))
	for i, e := range req.Entries {
		if e.Decimals < 0 || e.Decimals > flow.MaxDecimals {
			s.writeFailure(w, r, badRequest("entries[%d]: decimals out of range", i))
			return
		}
		bps := s.fees.DefaultBps
		switch {
		case e.BasisPoints != nil:
			bps = *e.BasisPoints
		case e.Token != nil:
			bps = s.fees.BasisPointsFor(*e.Token)
		}
		entries[i] = fees.Entry{Amount: e.Amount, Decimals: e.Decimals, BasisPoints: bps}
	}
	writeJSON(w, http.StatusOK, fees.Aggregate(entries))
}

type rateResponse struct {
	Decimals      int      `json:"decimals"`
	RatePerSecond *big.Int `json:"ratePerSecond"`
	RatePerMonth  string   `json:"ratePerMonth"`
}

// convertRate converts between a per-second rate in base units and a human
// monthly amount. Exactly one of ratePerSecond or monthly is expected.
func (s *Server) convertRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token, err := optionalToken(q.Get("token"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	decimals, err := s.resolveDecimals(r, token)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	perSecond, monthly := q.Get("ratePerSecond"), strings.TrimSpace(q.Get("monthly"))
	var rate *big.Int
	switch {
	case perSecond != "" && monthly != "":
		s.writeFailure(w, r, badRequest("ratePerSecond and monthly are mutually exclusive"))
		return
	case perSecond != "":
		rate, err = parseAmount("ratePerSecond", perSecond)
		if err == nil && rate.Sign() < 0 {
			err = badRequest("ratePerSecond must not be negative")
		}
	case monthly != "":
		rate, err = flow.MonthlyToRatePerSecond(monthly, decimals)
		if err != nil {
			err = badRequest("monthly %q: %v", monthly, err)
		}
	default:
		err = badRequest("ratePerSecond or monthly required")
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rateResponse{
		Decimals:      decimals,
		RatePerSecond: rate,
		RatePerMonth:  flow.ToMonthlyRate(rate, decimals),
	})
}

func (s *Server) getPending(w http.ResponseWriter, r *http.Request) {
	id, err := parseStreamID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	kind, err := parseKind(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.actions.Pending(id, kind))
}

func (s *Server) getCreatePending(w http.ResponseWriter, r *http.Request) {
	kind, err := parseCreateKind(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.actions.CreatePending(s.account, kind))
}

type activeResponse struct {
	Actions []tx.Entry `json:"actions"`
}

func (s *Server) activeActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, activeResponse{Actions: s.registry.Active()})
}

type allowanceRequest struct {
	Requirements []allowance.Requirement `json:"requirements"`
}

type allowanceStatus struct {
	Requirement allowance.Requirement `json:"requirement"`
	State       allowance.State       `json:"state"`
}

type checkResponse struct {
	Sufficient   bool              `json:"sufficient"`
	Requirements []allowanceStatus `json:"requirements"`
}

var errNoAllowances = errors.New("allowance management is not configured")

// requirements decodes the request body and fills the signer as owner and the
// flow contract as spender where they are omitted.
func (s *Server) requirements(w http.ResponseWriter, r *http.Request) ([]allowance.Requirement, error) {
	var req allowanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return nil, err
	}
	if len(req.Requirements) == 0 {
		return nil, badRequest("requirements required")
	}
	for i := range req.Requirements {
		if req.Requirements[i].Owner == (common.Address{}) {
			req.Requirements[i].Owner = s.account
		}
		if req.Requirements[i].Spender == (common.Address{}) {
			req.Requirements[i].Spender = s.contract
		}
	}
	return req.Requirements, nil
}

func (s *Server) checkAllowances(w http.ResponseWriter, r *http.Request) {
	if s.allowances == nil {
		writeError(w, http.StatusServiceUnavailable, errNoAllowances)
		return
	}
	reqs, err := s.requirements(w, r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	ok, err := s.allowances.CheckAll(r.Context(), reqs)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	statuses := make([]allowanceStatus, len(reqs))
	for i, req := range reqs {
		statuses[i] = allowanceStatus{Requirement: req, State: s.allowances.State(req)}
	}
	writeJSON(w, http.StatusOK, checkResponse{Sufficient: ok, Requirements: statuses})
}
