package streamd

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"salaryflow/core/tx"
	"salaryflow/ledger"
)

func parseStreamID(r *http.Request) (*big.Int, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok || id.Sign() < 0 {
		return nil, badRequest("stream id %q is not a non-negative integer", raw)
	}
	return id, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest("%s %q is not a hex address", field, raw)
	}
	return common.HexToAddress(raw), nil
}

// parseAmount reads a base-unit integer. An empty value yields nil.
func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, badRequest("%s %q is not an integer", field, raw)
	}
	return v, nil
}

func parseKind(r *http.Request) (tx.Kind, error) {
	raw := chi.URLParam(r, "kind")
	kind, ok := tx.ParseKind(raw)
	if !ok {
		return "", badRequest("unknown action kind %q", raw)
	}
	return kind, nil
}

func parseRole(raw string) (ledger.Role, error) {
	switch role := ledger.Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case ledger.RoleAny, ledger.RoleSender, ledger.RoleRecipient:
		return role, nil
	default:
		return "", badRequest("role must be sender or recipient")
	}
}

func (s *Server) parseFromBlock(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("fromBlock"))
	if raw == "" {
		return s.fromBlock, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("fromBlock %q is not a block number", raw)
	}
	return v, nil
}
