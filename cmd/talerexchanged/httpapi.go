package main

import (
	"compress/flate"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-taler/exchanged/crock32"
	"github.com/go-taler/exchanged/ec"
	"github.com/go-taler/exchanged/exchangedb"
	"github.com/go-taler/exchanged/withdraw"
)

// httpAPI is the thin net/http adapter around the core: routing,
// CORS, and compression live here only, never inside the
// withdraw/closer packages themselves.
type httpAPI struct {
	handler *withdraw.Handler
	store   exchangedb.Store
}

func newMux(handler *withdraw.Handler, store exchangedb.Store) *http.ServeMux {
	api := &httpAPI{handler: handler, store: store}
	mux := http.NewServeMux()
	mux.HandleFunc("/reserves/", api.routeReserves)
	return mux
}

// routeReserves dispatches GET /reserves/{pub} and
// POST /reserves/{pub}/withdraw, since stdlib's ServeMux has no path
// parameters.
func (a *httpAPI) routeReserves(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	path := strings.TrimPrefix(r.URL.Path, "/reserves/")
	if withdrawPub, ok := strings.CutSuffix(path, "/withdraw"); ok && r.Method == http.MethodPost {
		a.handleWithdraw(w, r, withdrawPub)
		return
	}
	if r.Method == http.MethodGet && path != "" && !strings.Contains(path, "/") {
		a.handleGetReserve(w, r, path)
		return
	}
	http.NotFound(w, r)
}

func (a *httpAPI) handleGetReserve(w http.ResponseWriter, r *http.Request, pubB32 string) {
	pub, err := crock32.DecodeFixed32(pubB32)
	if err != nil {
		writeError(w, r, ec.ReservePubMalformedError(pubB32))
		return
	}

	sess, err := a.store.Session(r.Context())
	if err != nil {
		writeError(w, r, ec.GenericDBFetchFailedError("session"))
		return
	}
	defer sess.Release()

	reserve, status := a.store.ReservesGet(r.Context(), sess, ed25519.PublicKey(pub[:]))
	switch status {
	case exchangedb.StatusNoResults:
		writeError(w, r, ec.ReserveUnknownError())
		return
	case exchangedb.StatusOneResult:
		// fall through
	default:
		writeError(w, r, ec.GenericDBFetchFailedError("reserves"))
		return
	}

	history, hstatus := a.store.GetReserveHistory(r.Context(), sess, ed25519.PublicKey(pub[:]))
	if hstatus == exchangedb.StatusHardError {
		writeError(w, r, ec.GenericDBFetchFailedError("reserve history"))
		return
	}

	writeJSON(w, r, http.StatusOK, struct {
		Balance interface{} `json:"balance"`
		History interface{} `json:"history"`
	}{
		Balance: reserve.Balance,
		History: withdraw.ToHistoryDTO(history),
	})
}

func (a *httpAPI) handleWithdraw(w http.ResponseWriter, r *http.Request, pubB32 string) {
	var req withdraw.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ec.RequestMalformedError("invalid JSON body"))
		return
	}

	resp, herr := a.handler.Handle(r.Context(), pubB32, req)
	if herr != nil {
		if herr.InsufficientFunds != nil {
			writeJSON(w, r, herr.HTTP.Status, herr.InsufficientFunds)
			return
		}
		writeError(w, r, herr.HTTP)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, r *http.Request, e *ec.HTTPError) {
	writeJSON(w, r, e.Status, struct {
		Hint string  `json:"hint"`
		Code ec.Code `json:"code"`
	}{Hint: e.Hint, Code: e.Code})
}

// writeJSON encodes body as JSON, deflate-compressing it when the
// client's Accept-Encoding allows; never applied inside the core
// packages themselves.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if strings.Contains(r.Header.Get("Accept-Encoding"), "deflate") {
		w.Header().Set("Content-Encoding", "deflate")
		w.WriteHeader(status)
		fw, err := flate.NewWriter(w, flate.DefaultCompression)
		if err != nil {
			return
		}
		defer fw.Close()
		_ = json.NewEncoder(fw).Encode(body)
		return
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
