package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"mime"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/ratelimit"
	"github.com/CZERTAINLY/mediagate/internal/service"
	"github.com/CZERTAINLY/mediagate/internal/store"
)

const jobsPath = "/api/v1/jobs/"

// submitRequest is the envelope of POST /api/v1/jobs and /api/v1/validate.
// Exactly one of URL and Descriptor is set.
type submitRequest struct {
	URL        string           `json:"url,omitempty"`
	Descriptor json.RawMessage  `json:"descriptor,omitempty"`
	Options    model.RawOptions `json:"options"`
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
	EventsURL string `json:"events_url"`
}

type cancelResponse struct {
	JobID string      `json:"job_id"`
	State model.State `json:"state"`
}

type optionsSummary struct {
	AudioQuality        model.AudioQuality   `json:"audio_quality,omitempty"`
	AudioFormat         model.AudioFormat    `json:"audio_format,omitempty"`
	RateLimit           int64                `json:"rate_limit,omitempty"`
	Retries             int                  `json:"retries"`
	ConcurrentFragments int                  `json:"concurrent_fragments"`
	SubtitleLangs       []string             `json:"subtitle_langs,omitempty"`
	SubtitleFormat      model.SubtitleFormat `json:"subtitle_format,omitempty"`
	ExtractAudio        bool                 `json:"extract_audio"`
	WriteSubs           bool                 `json:"write_subs"`
	AutoSubs            bool                 `json:"auto_subs"`
	EmbedSubs           bool                 `json:"embed_subs"`
	EmbedThumbnail      bool                 `json:"embed_thumbnail"`
	EmbedMetadata       bool                 `json:"embed_metadata"`
}

// Summary is the caller facing form of a validated request. It never
// carries values of headers or cookies.
type Summary struct {
	Valid      bool             `json:"valid"`
	Host       string           `json:"host"`
	SourceType model.SourceType `json:"source_type,omitempty"`
	Quality    model.Quality    `json:"quality"`
	Format     model.Format     `json:"format"`
	Filename   string           `json:"filename,omitempty"`
	Headers    []string         `json:"headers,omitempty"`
	Cookies    bool             `json:"cookies"`
	Referer    bool             `json:"referer"`
	UserAgent  bool             `json:"user_agent"`
	Options    optionsSummary   `json:"options"`
}

type rateLimitResponse struct {
	Identity string `json:"identity"`
	ratelimit.Usage
}

type healthResponse struct {
	Status  string               `json:"status"`
	Tools   []service.ToolStatus `json:"tools"`
	Pending int                  `json:"pending"`
	Running int                  `json:"running"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	vreq, err := s.deps.Validator.Validate(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	id, err := s.deps.Jobs.Submit(r.Context(), vreq, identity(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	loc := jobsPath + id
	w.Header().Set("Location", loc)
	writeJSON(w, r, http.StatusAccepted, submitResponse{
		JobID:     id,
		StatusURL: loc,
		EventsURL: loc + "/events",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(r)
	if !ok {
		writeErr(w, r, store.ErrNotFound)
		return
	}
	view, err := s.deps.Status.Status(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(r)
	if !ok {
		writeErr(w, r, store.ErrNotFound)
		return
	}
	if err := s.deps.Jobs.Cancel(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	view, err := s.deps.Status.Status(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, cancelResponse{JobID: id, State: view.State})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(r)
	if !ok {
		writeErr(w, r, store.ErrNotFound)
		return
	}
	out, err := s.deps.Status.Output(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if s.deps.Root == nil {
		writeInternal(w, r, errors.New("no storage root"))
		return
	}
	f, err := s.deps.Root.Open(filepath.FromSlash(out.Path))
	if errors.Is(err, fs.ErrNotExist) {
		writeErr(w, r, store.ErrNotFound)
		return
	} else if err != nil {
		writeInternal(w, r, fmt.Errorf("opening output: %w", err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeInternal(w, r, fmt.Errorf("stat output: %w", err))
		return
	}
	if !info.Mode().IsRegular() {
		writeErr(w, r, store.ErrNotFound)
		return
	}

	h := w.Header()
	if out.ContentType != "" {
		h.Set("Content-Type", out.ContentType)
	}
	h.Set("Content-Disposition", disposition(out.Name))
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "private, no-transform")
	http.ServeContent(w, r, out.Name, info.ModTime(), f)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	vreq, err := s.deps.Validator.Validate(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, Summarize(vreq))
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	resp := rateLimitResponse{Identity: id}
	if s.deps.Limiter != nil {
		resp.Usage = s.deps.Limiter.Snapshot(id)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Tools: []service.ToolStatus{}}
	if s.deps.Tools != nil {
		resp.Tools = s.deps.Tools.Tools()
	}
	if s.deps.Jobs != nil {
		resp.Pending, resp.Running = s.deps.Jobs.Stats()
	}
	status := http.StatusOK
	if !slices.ContainsFunc(resp.Tools, func(t service.ToolStatus) bool { return t.Available }) {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// jobID accepts the 36 characters form of a UUID and returns it lower cased
func jobID(r *http.Request) (string, bool) {
	raw := r.PathValue("id")
	if len(raw) != 36 {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// decodeRequest reads the envelope. Any failure is a *model.ValidationError
// except an oversized body, which is returned as *http.MaxBytesError.
func decodeRequest(r *http.Request) (model.JobRequest, error) {
	var verr model.ValidationError
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var merr *http.MaxBytesError
		if errors.As(err, &merr) {
			return nil, err
		}
		verr.Add("body", "unreadable", "request body could not be read")
		return nil, &verr
	}
	body = bytes.TrimSpace(body)
	switch {
	case len(body) == 0:
		verr.Add("body", "required", "request body is empty")
		return nil, &verr
	case body[0] == '[':
		verr.Add("body", "batch", "batch requests are not supported, submit one job at a time")
		return nil, &verr
	}

	var env submitRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		if strings.HasPrefix(err.Error(), "json: unknown field") {
			verr.Add("body", "unknown_field", "request has an unknown field")
		} else {
			verr.Add("body", "invalid_json", "request body must be a JSON object")
		}
		return nil, &verr
	}
	if dec.More() {
		verr.Add("body", "invalid_json", "request body must hold a single JSON object")
		return nil, &verr
	}

	desc := bytes.TrimSpace(env.Descriptor)
	if bytes.Equal(desc, []byte("null")) {
		desc = nil
	}
	switch {
	case env.URL != "" && len(desc) > 0:
		verr.Add("request", "ambiguous", "exactly one of url and descriptor is allowed")
		return nil, &verr
	case len(desc) > 0:
		return model.DescriptorRequest{Descriptor: desc, Options: env.Options}, nil
	case env.URL != "":
		return model.SimpleURLRequest{URL: env.URL, Options: env.Options}, nil
	}
	verr.Add("request", "required", "url or descriptor is required")
	return nil, &verr
}

func Summarize(req model.ValidatedRequest) Summary {
	o := req.Options
	return Summary{
		Valid:      true,
		Host:       req.Host,
		SourceType: req.SourceType,
		Quality:    req.Quality,
		Format:     req.Format,
		Filename:   req.Filename,
		Headers:    slices.Sorted(maps.Keys(req.Headers)),
		Cookies:    req.Cookies != "",
		Referer:    req.Referer != "",
		UserAgent:  req.UserAgent != "",
		Options: optionsSummary{
			AudioQuality:        o.AudioQuality,
			AudioFormat:         o.AudioFormat,
			RateLimit:           o.RateLimit,
			Retries:             o.Retries,
			ConcurrentFragments: o.ConcurrentFragments,
			SubtitleLangs:       o.SubtitleLangs,
			SubtitleFormat:      o.SubtitleFormat,
			ExtractAudio:        o.ExtractAudio,
			WriteSubs:           o.WriteSubs,
			AutoSubs:            o.AutoSubs,
			EmbedSubs:           o.EmbedSubs,
			EmbedThumbnail:      o.EmbedThumbnail,
			EmbedMetadata:       o.EmbedMetadata,
		},
	}
}

// disposition makes the browser save the file, non ASCII names are encoded
// per RFC 2231
func disposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}
