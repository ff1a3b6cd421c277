package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"spreads-ai/internal/monitor"
	"spreads-ai/internal/safety"
)

func newMonitorRouter(svc *monitor.Service, halts *safety.HaltRegistry, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Warn("写入监控响应失败", zap.Error(err))
		}
	}

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}

		events, err := svc.ListEvents(r.Context(), eventType, queryLimit(q.Get("limit")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, events)
	})

	r.Get("/alerts", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		pendingOnly := q.Get("all") != "true"
		alerts, err := svc.ListAlerts(r.Context(), pendingOnly, queryLimit(q.Get("limit")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if alerts == nil {
			alerts = []monitor.AlertRecord{}
		}
		writeJSON(w, http.StatusOK, alerts)
	})

	r.Post("/alerts/{id}/ack", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "告警编号非法", http.StatusBadRequest)
			return
		}
		ok, err := svc.AckAlert(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "告警不存在或已确认", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "acked": true})
	})

	r.Get("/halts", func(w http.ResponseWriter, r *http.Request) {
		list, err := halts.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []safety.Halt{}
		}
		writeJSON(w, http.StatusOK, list)
	})

	r.Delete("/halts/{underlying}", func(w http.ResponseWriter, r *http.Request) {
		underlying := strings.ToUpper(chi.URLParam(r, "underlying"))
		cleared, err := halts.Clear(r.Context(), underlying)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !cleared {
			http.Error(w, "标的未被暂停", http.StatusNotFound)
			return
		}
		svc.RecordHalt(r.Context(), monitor.HaltPayload{Underlying: underlying, Action: "clear"})
		writeJSON(w, http.StatusOK, map[string]any{"underlying": underlying, "cleared": true})
	})

	return r
}

func queryLimit(raw string) int {
	limit := 200
	if raw == "" {
		return limit
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		if v > 1000 {
			v = 1000
		}
		limit = v
	}
	return limit
}

func startMonitorServer(ctx context.Context, handler http.Handler, port int, logger *zap.Logger) {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
}
