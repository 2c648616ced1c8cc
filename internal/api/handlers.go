package api

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/crawlhq/spiderd/internal/spiderd"
)

// Form keys with reserved meaning on schedule.json; every other key is a
// spider argument.
var reservedScheduleKeys = map[string]bool{
	"project":  true,
	"spider":   true,
	"priority": true,
	"jobid":    true,
	"setting":  true,
}

// schedule enqueues one job into the target project's queue.
func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parse form: %v", err))
		return
	}
	project := r.PostForm.Get("project")
	spider := r.PostForm.Get("spider")
	if project == "" || spider == "" {
		s.writeError(w, http.StatusBadRequest, "project and spider are required")
		return
	}
	q, ok := s.poller.Queue(project)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown project %q", project))
		return
	}

	priority := 0.0
	if raw := r.PostForm.Get("priority"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid priority %q", raw))
			return
		}
		priority = parsed
	}

	jobID := r.PostForm.Get("jobid")
	if jobID == "" {
		generated, err := s.idGen.NewID()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate job id: %v", err))
			return
		}
		jobID = generated
	}

	msg := spiderd.Message{Name: spider, Job: jobID}
	for _, raw := range r.PostForm["setting"] {
		k, v, found := strings.Cut(raw, "=")
		if !found {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid setting %q", raw))
			return
		}
		if msg.Settings == nil {
			msg.Settings = map[string]string{}
		}
		msg.Settings[k] = v
	}
	for key, values := range r.PostForm {
		if reservedScheduleKeys[key] || len(values) == 0 {
			continue
		}
		if msg.Args == nil {
			msg.Args = map[string]string{}
		}
		msg.Args[key] = values[0]
	}

	if err := q.Put(r.Context(), msg, priority); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("enqueue job: %v", err))
		return
	}
	s.logger.Info("job scheduled",
		zap.String("project", project),
		zap.String("spider", spider),
		zap.String("job", jobID),
	)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobid": jobID})
}

// cancel removes a pending job from its queue and/or signals the running
// process. Cancelling an unknown job id reports prevstate null rather than
// an error.
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parse form: %v", err))
		return
	}
	project := r.PostForm.Get("project")
	job := r.PostForm.Get("job")
	if project == "" || job == "" {
		s.writeError(w, http.StatusBadRequest, "project and job are required")
		return
	}

	var prevState *string
	if q, ok := s.poller.Queue(project); ok {
		removed, err := q.Remove(r.Context(), func(m spiderd.Message) bool {
			return m.Job == job
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("remove pending job: %v", err))
			return
		}
		if removed > 0 {
			state := "pending"
			prevState = &state
		}
	}
	if prevState == nil && s.launcher.Cancel(job, cancelSignal(r.PostForm.Get("signal"))) {
		state := "running"
		prevState = &state
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "prevstate": prevState})
}

func cancelSignal(name string) os.Signal {
	switch strings.ToUpper(name) {
	case "", "TERM":
		return syscall.SIGTERM
	case "INT":
		return syscall.SIGINT
	case "KILL":
		return syscall.SIGKILL
	default:
		return syscall.SIGTERM
	}
}

// addVersion stores an uploaded egg and refreshes the project registry.
func (s *Server) addVersion(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parse multipart form: %v", err))
		return
	}
	project := r.PostFormValue("project")
	version := r.PostFormValue("version")
	if project == "" || version == "" {
		s.writeError(w, http.StatusBadRequest, "project and version are required")
		return
	}
	egg, _, err := r.FormFile("egg")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("read egg upload: %v", err))
		return
	}
	defer egg.Close()

	if err := s.eggs.Put(r.Context(), egg, project, version); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("store egg: %v", err))
		return
	}
	if err := s.poller.UpdateProjects(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("update projects: %v", err))
		return
	}
	s.logger.Info("egg stored", zap.String("project", project), zap.String("version", version))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"project": project,
		"version": version,
	})
}

// delVersion deletes one stored version of a project.
func (s *Server) delVersion(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parse form: %v", err))
		return
	}
	project := r.PostForm.Get("project")
	version := r.PostForm.Get("version")
	if project == "" || version == "" {
		s.writeError(w, http.StatusBadRequest, "project and version are required")
		return
	}
	if err := s.eggs.Delete(r.Context(), project, version); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("delete version: %v", err))
		return
	}
	if err := s.poller.UpdateProjects(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("update projects: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// delProject deletes a whole project and its stored eggs.
func (s *Server) delProject(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parse form: %v", err))
		return
	}
	project := r.PostForm.Get("project")
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project is required")
		return
	}
	if err := s.eggs.Delete(r.Context(), project, ""); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("delete project: %v", err))
		return
	}
	if err := s.poller.UpdateProjects(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("update projects: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) listProjects(w http.ResponseWriter, _ *http.Request) {
	projects := s.poller.Projects()
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "projects": projects})
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project is required")
		return
	}
	versions, err := s.eggs.List(r.Context(), project)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("list versions: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "versions": versions})
}

// pendingJob is the wire shape of a not-yet-dispatched job.
type pendingJob struct {
	Project  string  `json:"project"`
	Spider   string  `json:"spider"`
	Job      string  `json:"id"`
	Priority float64 `json:"priority"`
}

// listJobs reports pending, running and finished jobs, optionally filtered
// by project.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("project")

	var pending []pendingJob
	for _, project := range s.poller.Projects() {
		if filter != "" && project != filter {
			continue
		}
		q, ok := s.poller.Queue(project)
		if !ok {
			continue
		}
		entries, err := q.List(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("list queue %q: %v", project, err))
			return
		}
		for _, entry := range entries {
			spider := entry.Message.Spider
			if spider == "" {
				spider = entry.Message.Name
			}
			pending = append(pending, pendingJob{
				Project:  project,
				Spider:   spider,
				Job:      entry.Message.Job,
				Priority: entry.Priority,
			})
		}
	}

	running := filterRecords(s.launcher.Running(), filter)
	finished := filterRecords(s.launcher.Finished(), filter)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"pending":  pending,
		"running":  running,
		"finished": finished,
	})
}

func filterRecords(recs []spiderd.ProcessRecord, project string) []spiderd.ProcessRecord {
	if project == "" {
		return recs
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.Project == project {
			out = append(out, rec)
		}
	}
	return out
}

// daemonStatus summarizes queue and pool occupancy.
func (s *Server) daemonStatus(w http.ResponseWriter, r *http.Request) {
	pending := 0
	for _, project := range s.poller.Projects() {
		q, ok := s.poller.Queue(project)
		if !ok {
			continue
		}
		n, err := q.Count(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("count queue %q: %v", project, err))
			return
		}
		pending += n
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"pending":  pending,
		"running":  len(s.launcher.Running()),
		"finished": len(s.launcher.Finished()),
	})
}
