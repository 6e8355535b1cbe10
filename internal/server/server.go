// Package server exposes scripts, the service stack and the USB gadget over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Rutomatrix/scriptd/internal/gadget"
	"github.com/Rutomatrix/scriptd/internal/log"
	"github.com/Rutomatrix/scriptd/internal/model"
	"github.com/Rutomatrix/scriptd/internal/service"
)

type Stack interface {
	Install(ctx context.Context) ([]model.StepOutcome, error)
	Remove(ctx context.Context) ([]model.StepOutcome, error)
	Status(ctx context.Context) (model.StackStatus, error)
	Exclusive(ctx context.Context, fn func(context.Context) error) error
}

type Media interface {
	List() ([]gadget.ISO, error)
	Current() (string, error)
	Mount(ctx context.Context, name string) (gadget.ISO, error)
	Eject(ctx context.Context) error
}

type Syncer interface {
	Sync(ctx context.Context) error
}

type Server struct {
	exec   *service.Executor
	syncer Syncer
	stack  Stack
	media  Media
	server *http.Server
}

func New(addr string, exec *service.Executor, syncer Syncer, stack Stack, media Media) *Server {
	s := &Server{
		exec:   exec,
		syncer: syncer,
		stack:  stack,
		media:  media,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)

	mux.HandleFunc("GET /scripts", s.listScripts)
	mux.HandleFunc("POST /scripts/fetch", s.fetchScripts)
	mux.HandleFunc("POST /scripts/run/{name}", s.runScript)
	mux.HandleFunc("DELETE /scripts/run/{name}", s.cancelScript)
	mux.HandleFunc("GET /runs", s.listRuns)

	mux.HandleFunc("GET /stack", s.stackStatus)
	mux.HandleFunc("POST /stack/install", s.stackInstall)
	mux.HandleFunc("POST /stack/remove", s.stackRemove)

	mux.HandleFunc("GET /gadget", s.gadgetStatus)
	mux.HandleFunc("GET /iso", s.listISO)
	mux.HandleFunc("POST /iso/mount", s.mountISO)
	mux.HandleFunc("POST /iso/eject", s.ejectISO)

	return withLog(mux)
}

// ListenAndServe blocks until Shutdown is called.
func (s *Server) ListenAndServe() error {
	slog.Info("listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func withLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		slog.DebugContext(ctx, "request", "remote", r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listScripts(w http.ResponseWriter, _ *http.Request) {
	scripts := s.exec.Catalog().List()
	if scripts == nil {
		scripts = []model.Script{}
	}
	writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) fetchScripts(w http.ResponseWriter, r *http.Request) {
	clearWriteDeadline(http.NewResponseController(w))
	if err := s.syncer.Sync(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	s.listScripts(w, r)
}

// event is one NDJSON record of a run stream
type event struct {
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	Text       string         `json:"text,omitempty"`
	Terminated bool           `json:"terminated,omitempty"`
	State      model.RunState `json:"state,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
}

// runScript streams the output of the run as it is produced. Closing the
// connection cancels the request context, which terminates the run.
func (s *Server) runScript(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ex, err := s.exec.Run(r.Context(), name, r.URL.Query()["args"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// runs outlive the server write timeout
	clearWriteDeadline(rc)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Run-Id", ex.ID())
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	enc := json.NewEncoder(w)
	broken := false
	for line := range ex.Lines() {
		if broken {
			continue
		}
		err := enc.Encode(event{Type: "line", Text: line.Text, Terminated: line.Terminated})
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			slog.WarnContext(r.Context(), "client gone, cancelling run", "run_id", ex.ID(), "error", err)
			ex.Cancel()
			broken = true
		}
	}
	st := ex.Wait()
	if broken {
		return
	}
	code := st.ExitCode
	_ = enc.Encode(event{Type: "exit", RunID: st.RunID, State: st.State, ExitCode: &code})
	_ = rc.Flush()
}

func (s *Server) cancelScript(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.exec.Cancel(name) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active run of " + name})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"script": name, "cancelled": true})
}

func (s *Server) listRuns(w http.ResponseWriter, _ *http.Request) {
	runs := s.exec.Active()
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) stackStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.stack.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type stackResponse struct {
	Steps []model.StepOutcome `json:"steps"`
	Error string              `json:"error,omitempty"`
}

// Stack operations wait for every systemd job, which may take longer than
// the server write timeout.
func (s *Server) stackInstall(w http.ResponseWriter, r *http.Request) {
	clearWriteDeadline(http.NewResponseController(w))
	steps, err := s.stack.Install(r.Context())
	writeStack(w, r, steps, err)
}

func (s *Server) stackRemove(w http.ResponseWriter, r *http.Request) {
	clearWriteDeadline(http.NewResponseController(w))
	steps, err := s.stack.Remove(r.Context())
	writeStack(w, r, steps, err)
}

func clearWriteDeadline(rc *http.ResponseController) {
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("clearing write deadline", "error", err)
	}
}

func writeStack(w http.ResponseWriter, r *http.Request, steps []model.StepOutcome, err error) {
	if steps == nil {
		steps = []model.StepOutcome{}
	}
	resp := stackResponse{Steps: steps}
	code := http.StatusOK
	if err != nil {
		code = status(err)
		resp.Error = err.Error()
		slog.ErrorContext(r.Context(), "stack operation failed", "status", code, "error", err)
	}
	writeJSON(w, code, resp)
}

type gadgetResponse struct {
	Bind   model.BindState `json:"bind"`
	Medium string          `json:"medium,omitempty"`
}

func (s *Server) gadgetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.stack.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	medium, err := s.media.Current()
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gadgetResponse{Bind: st.Bind, Medium: medium})
}

func (s *Server) listISO(w http.ResponseWriter, r *http.Request) {
	isos, err := s.media.List()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if isos == nil {
		isos = []gadget.ISO{}
	}
	writeJSON(w, http.StatusOK, isos)
}

func (s *Server) mountISO(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	var iso gadget.ISO
	err := s.stack.Exclusive(r.Context(), func(ctx context.Context) error {
		var err error
		iso, err = s.media.Mount(ctx, name)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, iso)
}

func (s *Server) ejectISO(w http.ResponseWriter, r *http.Request) {
	err := s.stack.Exclusive(r.Context(), s.media.Eject)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ejected": true})
}
