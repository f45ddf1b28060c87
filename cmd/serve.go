package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinrev/cohort-cli/internal/model"
	"github.com/clinrev/cohort-cli/internal/sampler"
	"github.com/clinrev/cohort-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for cohort builds",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		provider, closeProvider, err := initProvider(ctx)
		if err != nil {
			return err
		}
		defer closeProvider()

		mux := newServeMux(ctx, st, provider)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newServeMux(ctx context.Context, st store.Store, provider sampler.Provider) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /runs", func(w http.ResponseWriter, r *http.Request) {
		filter := store.RunFilter{
			Status: model.RunStatus(r.URL.Query().Get("status")),
			Limit:  100,
		}
		runs, err := st.ListRuns(r.Context(), filter)
		if err != nil {
			zap.L().Error("list runs failed", zap.Error(err))
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	mux.HandleFunc("GET /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		run, err := st.GetRun(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	mux.HandleFunc("GET /runs/{id}/patients", func(w http.ResponseWriter, r *http.Request) {
		patients, err := st.ListSampledPatients(r.Context(), r.PathValue("id"))
		if err != nil {
			zap.L().Error("list sample failed", zap.Error(err))
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, patients)
	})

	mux.HandleFunc("POST /cohorts", func(w http.ResponseWriter, r *http.Request) {
		var req model.CohortRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if len(req.RuleIDs) == 0 || req.TotalSize <= 0 {
			http.Error(w, `{"error":"rule_ids and total_size are required"}`, http.StatusBadRequest)
			return
		}
		if req.Seed == 0 {
			req.Seed = cfg.Sampling.Seed
		}

		// Build asynchronously; the run record tracks progress.
		go func() {
			engine := sampler.New(provider)
			run, _, err := buildCohort(ctx, st, engine, req)
			if err != nil {
				zap.L().Error("cohort build failed",
					zap.String("cohort", req.Name),
					zap.Error(err),
				)
				return
			}
			zap.L().Info("cohort build complete",
				zap.String("run_id", run.ID),
				zap.Bool("targets_met", run.Report.Complete()),
			)
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"cohort": req.Name,
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
