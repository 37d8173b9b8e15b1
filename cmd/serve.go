package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/internal/monitoring"
	"github.com/sells-group/sheet-assist/internal/resilience"
	"github.com/sells-group/sheet-assist/internal/store"
	"github.com/sells-group/sheet-assist/internal/taskpane"
	"github.com/sells-group/sheet-assist/internal/workbook"
)

var (
	servePort     int
	serveWorkbook string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the taskpane API over a workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		wb := workbook.New()
		if fileExists(serveWorkbook) {
			opened, err := workbook.Open(serveWorkbook)
			if err != nil {
				return err
			}
			wb = opened
		}

		env, err := initAssist(ctx, "serve", wb, "")
		if err != nil {
			return err
		}
		defer env.Close()

		api := &taskpaneAPI{
			pane:     taskpane.New(env.Orchestrator),
			history:  env.Store,
			wb:       wb,
			savePath: serveWorkbook,
			breakers: env.Gateway.Breakers,
		}
		api.pane.OnBusyChange(func(busy bool) {
			zap.L().Debug("taskpane busy changed", zap.Bool("busy", busy))
		})

		if cfg.Monitoring.Enabled && env.Store != nil {
			collector := monitoring.NewCollector(env.Store, env.Gateway.Breakers)
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(api, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("workbook", serveWorkbook))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringVarP(&serveWorkbook, "workbook", "w", "", "xlsx file to edit; created on first save if missing")
	_ = serveCmd.MarkFlagRequired("workbook")
	rootCmd.AddCommand(serveCmd)
}

// taskpaneAPI serves the pane state over HTTP.
type taskpaneAPI struct {
	pane     *taskpane.Pane
	history  store.Store // may be nil
	wb       *workbook.Workbook
	savePath string
	breakers func() map[string]resilience.CircuitState
}

func newRouter(api *taskpaneAPI, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", api.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/query", api.query)
		r.Post("/implement", api.implement)
		r.Post("/clear", api.clear)
		r.Get("/state", api.state)
		r.Get("/history", api.listHistory)
		r.Get("/history/{id}", api.getHistory)
		r.Get("/workbook", api.describeWorkbook)
		r.Post("/workbook/save", api.saveWorkbook)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (a *taskpaneAPI) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.breakers != nil {
		states := make(map[string]string)
		for name, s := range a.breakers() {
			states[name] = s.String()
		}
		body["breakers"] = states
	}
	writeJSON(w, http.StatusOK, body)
}

type cycleResponse struct {
	Cycle cycleReport    `json:"cycle"`
	State taskpane.State `json:"state"`
}

func (a *taskpaneAPI) query(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := a.pane.Submit(r.Context(), req.Text)
	a.respondCycle(w, res, err)
}

func (a *taskpaneAPI) implement(w http.ResponseWriter, r *http.Request) {
	res, err := a.pane.Implement(r.Context())
	a.respondCycle(w, res, err)
}

// respondCycle reports every finished cycle with 200; its outcome is carried
// in the summary. Only requests that never produced a cycle are errors.
func (a *taskpaneAPI) respondCycle(w http.ResponseWriter, res *model.CycleResult, err error) {
	switch {
	case errors.Is(err, taskpane.ErrBusy):
		writeError(w, http.StatusConflict, "a request is already running")
	case errors.Is(err, taskpane.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "text is required")
	case errors.Is(err, taskpane.ErrNothingToImplement):
		writeError(w, http.StatusConflict, "the last response has nothing to implement")
	case res == nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, cycleResponse{Cycle: newCycleReport(res), State: a.pane.State()})
	}
}

func (a *taskpaneAPI) clear(w http.ResponseWriter, _ *http.Request) {
	a.pane.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (a *taskpaneAPI) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.pane.State())
}

func (a *taskpaneAPI) listHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history store is not configured")
		return
	}
	q := r.URL.Query()
	filter := store.CycleFilter{Status: model.CycleStatus(q.Get("status"))}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	cycles, err := a.history.ListCycles(r.Context(), filter)
	if err != nil {
		zap.L().Error("list history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if cycles == nil {
		cycles = []store.CycleSummary{}
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (a *taskpaneAPI) getHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history store is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	res, err := a.history.GetCycle(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "cycle not found")
		return
	}
	if err != nil {
		zap.L().Error("get history failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load cycle")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *taskpaneAPI) describeWorkbook(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.wb.Describe())
}

func (a *taskpaneAPI) saveWorkbook(w http.ResponseWriter, _ *http.Request) {
	if a.pane.Busy() {
		writeError(w, http.StatusConflict, "a request is already running")
		return
	}
	if err := a.wb.Save(a.savePath); err != nil {
		zap.L().Error("save workbook failed", zap.String("path", a.savePath), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save workbook")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "path": a.savePath})
}
