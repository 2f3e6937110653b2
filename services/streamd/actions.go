package streamd

import (
	"context"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"salaryflow/core/allowance"
	"salaryflow/core/tx"
	"salaryflow/ledger"
	"salaryflow/native/flow"
)

// actionRequest carries the optional parameters of a stream action. Amounts
// and rates are base-unit integers encoded as strings.
type actionRequest struct {
	Amount        string `json:"amount,omitempty"`
	RatePerSecond string `json:"ratePerSecond,omitempty"`
	To            string `json:"to,omitempty"`
	Broker        string `json:"broker,omitempty"`
	BrokerFee     string `json:"brokerFee,omitempty"`
}

type actionFunc func(ctx context.Context, id *big.Int, req actionRequest) (tx.Pending, error)

func (s *Server) actionFor(name string) (actionFunc, bool) {
	a := s.actions
	switch name {
	case "withdraw":
		return func(ctx context.Context, id *big.Int, req actionRequest) (tx.Pending, error) {
			to, err := s.recipientOrSigner(req.To)
			if err != nil {
				return tx.Pending{Kind: tx.KindWithdraw}, err
			}
			amount, err := parseAmount("amount", req.Amount)
			if err != nil {
				return tx.Pending{Kind: tx.KindWithdraw}, err
			}
			return a.Withdraw(ctx, id, to, amount)
		}, true
	case "withdraw-max":
		return func(ctx context.Context, id *big.Int, req actionRequest) (tx.Pending, error) {
			to, err := s.recipientOrSigner(req.To)
			if err != nil {
				return tx.Pending{Kind: tx.KindWithdrawMax}, err
			}
			return a.WithdrawMax(ctx, id, to)
		}, true
	case "deposit":
		return withAmount(tx.KindDeposit, a.Deposit), true
	case "deposit-via-broker":
		return func(ctx context.Context, id *big.Int, req actionRequest) (tx.Pending, error) {
			amount, err := parseAmount("amount", req.Amount)
			if err != nil {
				return tx.Pending{Kind: tx.KindDepositViaBroker}, err
			}
			broker, err := parseAddress("broker", req.Broker)
			if err != nil {
				return tx.Pending{Kind: tx.KindDepositViaBroker}, err
			}
			fee, err := parseAmount("brokerFee", req.BrokerFee)
			if err != nil {
				return tx.Pending{Kind: tx.KindDepositViaBroker}, err
			}
			return a.DepositViaBroker(ctx, id, amount, ledger.Broker{Account: broker, Fee: fee})
		}, true
	case "pause":
		return withoutParams(a.Pause), true
	case "restart":
		return withRate(tx.KindRestart, a.Restart), true
	case "adjust-rate":
		return withRate(tx.KindAdjustRate, a.AdjustRate), true
	case "refund":
		return withAmount(tx.KindRefund, a.Refund), true
	case "refund-max":
		return withoutParams(a.RefundMax), true
	case "refund-and-pause":
		return withAmount(tx.KindRefundAndPause, a.RefundAndPause), true
	case "void":
		return withoutParams(a.Void), true
	default:
		return nil, false
	}
}

func withoutParams(fn func(context.Context, *big.Int) (tx.Pending, error)) actionFunc {
	return func(ctx context.Context, id *big.Int, _ actionRequest) (tx.Pending, error) {
		return fn(ctx, id)
	}
}

func withAmount(kind tx.Kind, fn func(context.Context, *big.Int, *big.Int) (tx.Pending, error)) actionFunc {
	return func(ctx context.Context, id *big.Int, req actionRequest) (tx.Pending, error) {
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return tx.Pending{Kind: kind}, err
		}
		return fn(ctx, id, amount)
	}
}

func withRate(kind tx.Kind, fn func(context.Context, *big.Int, *big.Int) (tx.Pending, error)) actionFunc {
	return func(ctx context.Context, id *big.Int, req actionRequest) (tx.Pending, error) {
		rate, err := parseAmount("ratePerSecond", req.RatePerSecond)
		if err != nil {
			return tx.Pending{Kind: kind}, err
		}
		return fn(ctx, id, rate)
	}
}

// recipientOrSigner defaults an omitted withdrawal target to the signer.
func (s *Server) recipientOrSigner(raw string) (common.Address, error) {
	if raw == "" {
		return s.account, nil
	}
	return parseAddress("to", raw)
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request) {
	id, err := parseStreamID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	name := chi.URLParam(r, "action")
	run, ok := s.actionFor(name)
	if !ok {
		writeError(w, http.StatusNotFound, badRequest("unknown action %q", name))
		return
	}
	var req actionRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.actionWait)
	defer cancel()
	pending, err := run(ctx, id, req)
	pending, err = s.deliver(tx.StreamScope(id), pending, err)
	s.writePending(w, r, pending, err)
}

type createRequest struct {
	Recipient     string `json:"recipient"`
	Token         string `json:"token"`
	RatePerSecond string `json:"ratePerSecond,omitempty"`
	Monthly       string `json:"monthly,omitempty"`
	Transferable  bool   `json:"transferable"`
	Deposit       string `json:"deposit,omitempty"`
}

func (s *Server) createStream(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	params, deposit, err := s.createParams(r, req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.actionWait)
	defer cancel()
	pending, err := s.actions.Create(ctx, params, deposit)
	pending, err = s.deliver(tx.AccountScope(s.account), pending, err)
	s.writePending(w, r, pending, err)
}

func (s *Server) createParams(r *http.Request, req createRequest) (ledger.CreateParams, *big.Int, error) {
	recipient, err := parseAddress("recipient", req.Recipient)
	if err != nil {
		return ledger.CreateParams{}, nil, err
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		return ledger.CreateParams{}, nil, err
	}
	var rate *big.Int
	switch {
	case req.RatePerSecond != "" && req.Monthly != "":
		return ledger.CreateParams{}, nil, badRequest("ratePerSecond and monthly are mutually exclusive")
	case req.Monthly != "":
		meta, err := s.streams.Tokens().Get(r.Context(), token)
		if err != nil {
			return ledger.CreateParams{}, nil, err
		}
		if rate, err = flow.MonthlyToRatePerSecond(req.Monthly, meta.Decimals); err != nil {
			return ledger.CreateParams{}, nil, badRequest("monthly %q: %v", req.Monthly, err)
		}
	default:
		if rate, err = parseAmount("ratePerSecond", req.RatePerSecond); err != nil {
			return ledger.CreateParams{}, nil, err
		}
	}
	deposit, err := parseAmount("deposit", req.Deposit)
	if err != nil {
		return ledger.CreateParams{}, nil, err
	}
	return ledger.CreateParams{
		Sender:        s.account,
		Recipient:     recipient,
		RatePerSecond: rate,
		Token:         token,
		Transferable:  req.Transferable,
	}, deposit, nil
}

// deliver consumes a terminal result that is about to be returned to the
// caller, so the orchestrator is free for the next submission. A wait that
// timed out but settled in the meantime is reported as settled.
func (s *Server) deliver(scope string, pending tx.Pending, err error) (tx.Pending, error) {
	if pending.ID == uuid.Nil || errors.Is(err, tx.ErrInFlight) {
		return pending, err
	}
	if !pending.State.Terminal() {
		return pending, err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
		if pending.Err != nil {
			err = pending.Err
		}
	}
	if o, ok := s.registry.Lookup(scope, pending.Kind); ok {
		o.AcknowledgeID(pending.ID)
	}
	return pending, err
}

func (s *Server) acknowledge(w http.ResponseWriter, r *http.Request) {
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
	pending, ok := s.actions.Acknowledge(id, kind)
	if !ok {
		writeError(w, http.StatusNotFound, errNothingSettled)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
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
	if err := s.actions.Reset(id, kind); err != nil {
		pending := s.actions.Pending(id, kind)
		s.writePending(w, r, pending, err)
		return
	}
	writeJSON(w, http.StatusOK, s.actions.Pending(id, kind))
}

var errNothingSettled = errors.New("no settled transaction to acknowledge")

func parseCreateKind(r *http.Request) (tx.Kind, error) {
	kind, err := parseKind(r)
	if err != nil {
		return "", err
	}
	if kind != tx.KindCreate && kind != tx.KindCreateAndDeposit {
		return "", badRequest("%s is not a create kind", kind)
	}
	return kind, nil
}

func (s *Server) acknowledgeCreate(w http.ResponseWriter, r *http.Request) {
	kind, err := parseCreateKind(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	o, ok := s.registry.Lookup(tx.AccountScope(s.account), kind)
	if !ok {
		writeError(w, http.StatusNotFound, errNothingSettled)
		return
	}
	pending, ok := o.Acknowledge()
	if !ok {
		writeError(w, http.StatusNotFound, errNothingSettled)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) resetCreate(w http.ResponseWriter, r *http.Request) {
	kind, err := parseCreateKind(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if o, ok := s.registry.Lookup(tx.AccountScope(s.account), kind); ok {
		if err := o.Reset(); err != nil {
			s.writePending(w, r, o.Snapshot(), err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.actions.CreatePending(s.account, kind))
}

type approveOutcome struct {
	allowance.Outcome
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

type approveResponse struct {
	Complete bool             `json:"complete"`
	Outcomes []approveOutcome `json:"outcomes"`
}

func (s *Server) approveAllowances(w http.ResponseWriter, r *http.Request) {
	if s.allowances == nil {
		writeError(w, http.StatusServiceUnavailable, errNoAllowances)
		return
	}
	reqs, err := s.requirements(w, r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.actionWait)
	defer cancel()
	outcomes := s.allowances.ApproveAll(ctx, reqs)
	resp := approveResponse{Complete: true, Outcomes: make([]approveOutcome, len(outcomes))}
	for i, out := range outcomes {
		resp.Outcomes[i] = approveOutcome{Outcome: out}
		if out.Err == nil {
			continue
		}
		resp.Complete = false
		_, body := s.failure(out.Err)
		resp.Outcomes[i].Error = body.Error
		resp.Outcomes[i].Kind = body.Kind
	}
	writeJSON(w, http.StatusOK, resp)
}
