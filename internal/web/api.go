package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/natsbus"
	"github.com/mtzanidakis/swarmer/internal/schedule"
	"github.com/mtzanidakis/swarmer/internal/store"
	"github.com/mtzanidakis/swarmer/internal/swarm"
)

const defaultJobsLimit = 50

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Swarms
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms/{name}/run", s.runSwarm)
	mux.HandleFunc("POST /api/submit", s.submit)

	// Job history
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.getJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.deleteJob)

	mux.HandleFunc("GET /api/workers", s.listWorkers)
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("GET /api/status", s.getStatus)
}

type swarmView struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Agent          string `json:"agent"`
	Concurrency    int    `json:"concurrency"`
	BatchSize      int    `json:"batch_size"`
	InputType      string `json:"input_type"`
	InputCommand   string `json:"input_command,omitempty"`
	ReduceStrategy string `json:"reduce_strategy"`
	ReduceAgent    string `json:"reduce_agent"`
	Schedule       string `json:"schedule,omitempty"`
	ScheduleText   string `json:"schedule_display,omitempty"`
}

func toSwarmView(sw config.SwarmConfig) swarmView {
	v := swarmView{
		Name:           sw.Name,
		Description:    sw.Description,
		Agent:          sw.Agent,
		Concurrency:    sw.Concurrency,
		BatchSize:      sw.BatchSize,
		InputType:      sw.Input.Type,
		InputCommand:   sw.Input.Command,
		ReduceStrategy: sw.Reduce.Strategy,
		ReduceAgent:    sw.ReduceAgent(),
		Schedule:       sw.Schedule,
	}
	if sw.Schedule != "" {
		v.ScheduleText = schedule.Describe(sw.Schedule)
	}
	return v
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	defs := s.coord.Definitions()
	out := make([]swarmView, 0, len(defs))
	for _, sw := range defs {
		out = append(out, toSwarmView(sw))
	}
	jsonResponse(w, out)
}

func (s *Server) runSwarm(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmit(w, r)
	if !ok {
		return
	}
	req.Swarm = r.PathValue("name")
	s.startJob(w, r, req, req.Message)
}

// submit starts a job on the named swarm, or routes the message when the
// request names none.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmit(w, r)
	if !ok {
		return
	}
	message := req.Message
	if req.Swarm == "" {
		var err error
		if req.Swarm, message, err = s.coord.Route(r.Context(), req.Message); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	s.startJob(w, r, req, message)
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request, req natsbus.SubmitRequest, message string) {
	job := swarm.JobRequest{Swarm: req.Swarm, Message: message}
	for _, f := range req.Files {
		job.Files = append(job.Files, swarm.File{Name: f.Name, Content: f.Content})
	}

	id, err := s.coord.Submit(r.Context(), job)
	if errors.Is(err, swarm.ErrUnknownSwarm) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(natsbus.SubmitResponse{JobID: id, Swarm: req.Swarm, Status: store.JobRunning})
}

func decodeSubmit(w http.ResponseWriter, r *http.Request) (natsbus.SubmitRequest, bool) {
	var req natsbus.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Files) == 0 {
		jsonError(w, "message or files are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := s.store.ListJobs(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []store.SwarmJob{}
	}
	jsonResponse(w, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.store.GetJob(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}

	batches, err := s.store.ListBatchResults(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if batches == nil {
		batches = []store.BatchRecord{}
	}
	jsonResponse(w, map[string]any{
		"job":     job,
		"batches": batches,
	})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.store.GetJob(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	if job.Status == store.JobRunning {
		jsonError(w, "job is still running", http.StatusConflict)
		return
	}
	if err := s.store.DeleteJob(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(workers))
	for _, wk := range workers {
		def, _ := s.registry.GetDefinition(wk.ID)
		out = append(out, map[string]any{
			"id":          wk.ID,
			"description": wk.Description,
			"model":       s.registry.ResolveModel(wk.ID),
			"local":       def.Command != "",
			"updated_at":  wk.UpdatedAt,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(schedules))
	for _, sc := range schedules {
		m := map[string]any{
			"swarm":            sc.Swarm,
			"schedule":         sc.Schedule,
			"schedule_display": schedule.Describe(sc.Schedule),
			"last_job_id":      sc.LastJobID,
			"last_status":      sc.LastStatus,
			"last_error":       sc.LastError,
		}
		if sc.NextRunAt != nil {
			m["next_run_at"] = sc.NextRunAt.UTC()
		}
		if sc.LastRunAt != nil {
			m["last_run_at"] = sc.LastRunAt.UTC()
		}
		out = append(out, m)
	}
	jsonResponse(w, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	running, err := s.store.CountJobs(store.JobRunning)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jsonResponse(w, map[string]any{
		"status":       "ok",
		"version":      s.version,
		"uptime":       formatUptime(time.Since(s.startedAt)),
		"swarms":       s.coord.Swarms(),
		"workers":      s.registry.IDs(),
		"running_jobs": running,
		"ws_clients":   s.hub.Len(),
		"timestamp":    time.Now().UTC(),
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
