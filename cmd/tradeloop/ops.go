package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jwquant/trading-core/internal/broker"
	"github.com/jwquant/trading-core/internal/ledger"
	"github.com/jwquant/trading-core/internal/observ"
	"github.com/jwquant/trading-core/internal/order"
	"github.com/jwquant/trading-core/internal/risk"
)

// registerOpsHandlers hangs the operator endpoints off the metrics mux:
// breaker reset, broker reconnect, order cancel, and read-only views of the
// account and open orders.
func registerOpsHandlers(mux *http.ServeMux, engine *risk.Engine, gateway *broker.Gateway, orders *order.Manager, book *ledger.Ledger) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		tripped, _ := engine.Breaker().Tripped()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"broker_state":    gateway.State().String(),
			"breaker_tripped": tripped,
		})
	})

	mux.HandleFunc("/ops/breaker", func(w http.ResponseWriter, r *http.Request) {
		tripped, reason := engine.Breaker().Tripped()
		writeJSON(w, http.StatusOK, map[string]any{"tripped": tripped, "reason": reason})
	})

	mux.HandleFunc("/ops/breaker/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		operator := r.FormValue("operator")
		reason := r.FormValue("reason")
		if operator == "" || reason == "" {
			http.Error(w, "operator and reason are required", http.StatusBadRequest)
			return
		}
		engine.Breaker().Reset(operator, reason)
		writeJSON(w, http.StatusOK, map[string]any{"reset": true})
	})

	mux.HandleFunc("/ops/broker/reconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := gateway.Reconnect(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": gateway.State().String()})
	})

	mux.HandleFunc("/ops/orders/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		id := r.FormValue("id")
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		o, err := orders.Cancel(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := gateway.Cancel(ctx, id); err != nil {
			// The order stays in Cancelling; the venue callback or the next
			// reconcile settles it.
			observ.Log("cancel_send_failed", map[string]any{"order_id": id, "error": err.Error()})
		}
		writeJSON(w, http.StatusOK, o)
	})

	mux.HandleFunc("/ops/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, orders.ListOpen())
	})

	mux.HandleFunc("/ops/account", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, book.Account())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
