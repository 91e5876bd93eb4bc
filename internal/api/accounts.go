package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"opendrama/internal/ledger"
	"opendrama/internal/services"
)

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Ledger.Account(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AccountResponse{Account: acct, Spendable: acct.Spendable()})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	before, _ := strconv.ParseInt(query.Get("before"), 10, 64)

	entries, err := s.deps.Ledger.History(r.Context(), account, limit, before)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := LedgerResponse{Entries: entries}
	if len(entries) == limit {
		resp.Next = entries[len(entries)-1].ID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCredit is the payment settlement hook. It is the only HTTP path that
// adds coins.
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = ledger.KindPurchase
	}
	ctx := services.WithAccountID(r.Context(), chi.URLParam(r, "account"))
	meta := ledger.Metadata{"source": "api"}
	if ref := strings.TrimSpace(req.Reference); ref != "" {
		meta["reference"] = ref
	}
	acct, err := s.deps.Ledger.Credit(ctx, chi.URLParam(r, "account"), req.Amount, req.Kind, meta)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AccountResponse{Account: acct, Spendable: acct.Spendable()})
}
