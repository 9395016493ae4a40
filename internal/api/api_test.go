package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/ratelimit"
	"github.com/CZERTAINLY/mediagate/internal/service"
	"github.com/CZERTAINLY/mediagate/internal/store"
	"github.com/CZERTAINLY/mediagate/internal/validate"
)

type resolver map[string][]string

func (r resolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	var ret []netip.Addr
	for _, a := range addrs {
		ret = append(ret, netip.MustParseAddr(a))
	}
	return ret, nil
}

var hosts = resolver{
	"cdn.example.com": {"93.184.216.34"},
	"www.youtube.com": {"142.250.74.46"},
}

type fakeTools []service.ToolStatus

func (f fakeTools) Tools() []service.ToolStatus { return f }

type harness struct {
	srv   *Server
	store *store.Store
	sched *service.Scheduler
	root  *os.Root
}

type options struct {
	server model.Server
	limits ratelimit.Config
	queue  int
	tools  fakeTools
}

func defaults() options {
	ceil := ratelimit.Ceilings{100, 1000, 10000, 100000}
	return options{
		server: model.Server{
			Listen:      "127.0.0.1:0",
			CORSOrigins: []string{"chrome-extension://", "moz-extension://"},
			MaxBody:     64 * 1024,
		},
		limits: ratelimit.Config{
			Ceilings:     map[ratelimit.Class]ratelimit.Ceilings{ratelimit.Download: ceil, ratelimit.Status: ceil},
			Strikes:      3,
			StrikeWindow: 10 * time.Minute,
			Block:        15 * time.Minute,
			MaxBlock:     24 * time.Hour,
		},
		queue: 16,
		tools: fakeTools{
			{Tool: service.ToolYTDLP, Path: "/usr/bin/yt-dlp", Available: true},
			{Tool: service.ToolFFmpeg, Available: false},
		},
	}
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	root, err := os.OpenRoot(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })

	st := store.New(nil)
	// the scheduler never runs, submitted jobs stay pending
	sched := service.NewScheduler(service.SchedulerConfig{
		MaxConcurrent: 1,
		QueueCapacity: opts.queue,
		Retention:     time.Hour,
	}, st, nil)
	srv := New(opts.server, Deps{
		Jobs:      sched,
		Status:    store.NewStatus(st),
		Validator: validate.New(validate.DefaultLimits(), hosts),
		Limiter:   ratelimit.New(opts.limits),
		Tools:     opts.tools,
		Root:      root,
	})
	srv.poll = 10 * time.Millisecond
	return &harness{srv: srv, store: st, sched: sched, root: root}
}

func (h *harness) do(method, target, body string, header ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// completed stores a finished job with name as its output
func (h *harness) completed(t *testing.T, name, content string) string {
	t.Helper()
	ctx := t.Context()
	id := uuid.NewString()
	require.NoError(t, h.store.Create(ctx, model.Job{ID: id, State: model.StatePending, Stage: model.StageQueued}))
	_, err := h.store.Update(ctx, id, func(j *model.Job) error {
		j.State = model.StateDownloading
		return nil
	})
	require.NoError(t, err)
	_, err = h.store.Update(ctx, id, func(j *model.Job) error {
		j.State = model.StateCompleted
		j.Stage = model.StageDone
		j.Percent = 100
		j.OutputPath = id + "/" + name
		j.ContentType = "audio/mpeg"
		j.Size = int64(len(content))
		j.RetentionDeadline = time.Now().Add(time.Hour)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.root.Mkdir(id, 0o750))
	f, err := h.root.Create(id + "/" + name)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return id
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var ret T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ret), rec.Body.String())
	return ret
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaults())

	rec := h.do(http.MethodPost, "/api/v1/jobs", `{"url": "https://cdn.example.com/clip.mp4", "options": {"format": "webm"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[submitResponse](t, rec)
	require.NoError(t, uuid.Validate(resp.JobID))
	require.Equal(t, "/api/v1/jobs/"+resp.JobID, resp.StatusURL)
	require.Equal(t, "/api/v1/jobs/"+resp.JobID+"/events", resp.EventsURL)
	require.Equal(t, resp.StatusURL, rec.Header().Get("Location"))

	job, err := h.store.Get(resp.JobID)
	require.NoError(t, err)
	require.Equal(t, model.Format("webm"), job.Request.Format)
	require.Equal(t, "192.0.2.1", job.Client)

	rec = h.do(http.MethodGet, resp.StatusURL, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[model.JobView](t, rec)
	require.Equal(t, model.StatePending, view.State)
	require.Equal(t, model.StageQueued, view.Stage)
	require.False(t, view.FileAvailable)

	t.Run("descriptor", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/v1/jobs", `{
			"descriptor": {"info": {"url": "https://cdn.example.com/master.m3u8", "sourceType": "hls", "options": {"format": "mkv"}}},
			"options": {"format": "mp4"}
		}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		job, err := h.store.Get(decode[submitResponse](t, rec).JobID)
		require.NoError(t, err)
		require.Equal(t, model.SourceHLS, job.Request.SourceType)
		require.Equal(t, model.FormatMP4, job.Request.Format)
	})
}

func TestSubmit_Invalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaults())

	var tcs = []struct {
		scenario string
		given    string
		field    string
		then     string
	}{
		{"empty", ``, "body", "required"},
		{"not json", `url=https://cdn.example.com/a.mp4`, "body", "invalid_json"},
		{"batch", `[{"url": "https://cdn.example.com/a.mp4"}]`, "body", "batch"},
		{"unknown field", `{"url": "https://cdn.example.com/a.mp4", "exec": "id"}`, "body", "unknown_field"},
		{"trailing", `{"url": "https://cdn.example.com/a.mp4"} {}`, "body", "invalid_json"},
		{"none", `{"options": {"format": "mp4"}}`, "request", "required"},
		{"both", `{"url": "https://cdn.example.com/a.mp4", "descriptor": {"url": "https://cdn.example.com/a.mp4"}}`, "request", "ambiguous"},
		{"loopback", `{"url": "http://127.0.0.1/a.mp4"}`, "url", "forbidden_address"},
		{"metachar", `{"url": "https://cdn.example.com/a;rm"}`, "url", "metacharacter"},
		{"format", `{"url": "https://cdn.example.com/a.mp4", "options": {"format": "exe"}}`, "options.format", "invalid_enum"},
	}

	for _, tc := range tcs {
		t.Run(tc.scenario, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/api/v1/jobs", tc.given)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			require.Equal(t, "validation_error", body.Error)
			require.NotEmpty(t, body.Fields)
			var got string
			for _, f := range body.Fields {
				if f.Path == tc.field {
					got = f.Code
					break
				}
			}
			require.Equal(t, tc.then, got, body.Fields)
			require.NotContains(t, rec.Body.String(), "127.0.0.1")
		})
	}

	pending, _ := h.sched.Stats()
	require.Zero(t, pending)
}

func TestSubmit_TooLarge(t *testing.T) {
	t.Parallel()
	opts := defaults()
	opts.server.MaxBody = 64
	h := newHarness(t, opts)

	rec := h.do(http.MethodPost, "/api/v1/jobs", `{"url": "https://cdn.example.com/`+strings.Repeat("a", 100)+`.mp4"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, "too_large", decode[errorBody](t, rec).Error)
}

func TestSubmit_Busy(t *testing.T) {
	t.Parallel()
	opts := defaults()
	opts.queue = 1
	h := newHarness(t, opts)

	body := `{"url": "https://cdn.example.com/a.mp4"}`
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/api/v1/jobs", body).Code)
	rec := h.do(http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "5", rec.Header().Get("Retry-After"))
	require.Equal(t, "busy", decode[errorBody](t, rec).Error)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaults())
	id := h.completed(t, "song.mp3", "ID3 data")

	var tcs = []struct {
		scenario string
		given    string
		then     int
	}{
		{"completed", id, http.StatusOK},
		{"upper case", strings.ToUpper(id), http.StatusOK},
		{"unknown", uuid.NewString(), http.StatusNotFound},
		{"not an uuid", "song.mp3", http.StatusNotFound},
		{"urn", "urn:uuid:" + id, http.StatusNotFound},
		{"braces", "{" + id + "}", http.StatusNotFound},
	}
	for _, tc := range tcs {
		t.Run(tc.scenario, func(t *testing.T) {
			rec := h.do(http.MethodGet, "/api/v1/jobs/"+tc.given, "")
			require.Equal(t, tc.then, rec.Code)
			if tc.then != http.StatusOK {
				require.Equal(t, "not_found", decode[errorBody](t, rec).Error)
				return
			}
			view := decode[model.JobView](t, rec)
			require.Equal(t, id, view.ID)
			require.Equal(t, model.StateCompleted, view.State)
			require.True(t, view.FileAvailable)
			require.Equal(t, "song.mp3", view.FileName)
			require.Equal(t, int64(8), view.Size)
		})
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaults())

	rec := h.do(http.MethodPost, "/api/v1/jobs", `{"url": "https://cdn.example.com/a.mp4"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[submitResponse](t, rec).JobID

	for range 2 {
		rec = h.do(http.MethodDelete, "/api/v1/jobs/"+id, "")
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		ack := decode[cancelResponse](t, rec)
		require.Equal(t, id, ack.JobID)
		require.Equal(t, model.StateCancelled, ack.State)
	}
	pending, _ := h.sched.Stats()
	require.Zero(t, pending)

	view := decode[model.JobView](t, h.do(http.MethodGet, "/api/v1/jobs/"+id, ""))
	require.Equal(t, model.StateCancelled, view.State)
	require.NotNil(t, view.Error)
	require.Equal(t, model.KindCancelled, view.Error.Kind)

	require.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/api/v1/jobs/"+uuid.NewString(), "").Code)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/api/v1/jobs/x", "").Code)
}

func TestOutput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaults())
	id := h.completed(t, "Ünïcode song.mp3", "ID3 audio data")

	rec := h.do(http.MethodGet, "/api/v1/jobs/"+id+"/output", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ID3 audio data", rec.Body.String())
	require.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, `attachment; filename*=utf-8''%C3%9Cn%C3%AFcode%20song.mp3`, rec.Header().Get("Content-Disposition"))

	rec = h.do(http.MethodGet, "/api/v1/jobs/"+id+"/output", "", "Range", "bytes=4-8")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "audio", rec.Body.String())

	t.Run("not ready", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/v1/jobs", `{"url": "https://cdn.example.com/a.mp4"}`)
		pending := decode[submitResponse](t, rec).JobID
		rec = h.do(http.MethodGet, "/api/v1/jobs/"+pending+"/output", "")
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, "not_ready", decode[errorBody](t, rec).Error)
	})

	t.Run("cancelled", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/v1/jobs", `{"url": "https://cdn.example.com/a.mp4"}`)
		cancelled := decode[submitResponse](t, rec).JobID
		require.NoError(t, h.sched.Cancel(t.Context(), cancelled))
		require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/v1/jobs/"+cancelled+"/output", "").Code)
	})

	t.Run("file gone", func(t *testing.T) {
		gone := h.completed(t, "gone.mp3", "data")
		require.NoError(t, h.root.RemoveAll(gone))
		require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/v1/jobs/"+gone+"/output", "").Code)
	})

	t.Run("unknown", func(t *testing.T) {
		require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/v1/jobs/"+uuid.NewString()+"/output", "").Code)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaults())

	rec := h.do(http.MethodPost, "/api/v1/validate", `{
		"descriptor": {
			"url": "https://cdn.example.com/master.m3u8",
			"headers": {"X-Token": "s3cr3t"},
			"cookies": "SID=topsecret",
			"pageUrl": "https://www.example.com/live"
		},
		"options": {"format": "mp3", "audioQuality": "192k", "filename": "Live set"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[Summary](t, rec)
	require.True(t, got.Valid)
	require.Equal(t, "cdn.example.com", got.Host)
	require.Equal(t, model.Format("mp3"), got.Format)
	require.Equal(t, "Live set.mp3", got.Filename)
	require.Equal(t, []string{"X-Token"}, got.Headers)
	require.True(t, got.Cookies)
	require.True(t, got.Referer)
	require.Equal(t, model.AudioQuality("192k"), got.Options.AudioQuality)
	require.NotContains(t, rec.Body.String(), "s3cr3t")
	require.NotContains(t, rec.Body.String(), "topsecret")

	pending, _ := h.sched.Stats()
	require.Zero(t, pending, "validate must not submit anything")

	rec = h.do(http.MethodPost, "/api/v1/validate", `{"url": "file:///etc/passwd"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotContains(t, rec.Body.String(), "/etc/passwd")
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaults())
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/api/v1/jobs", `{"url": "https://cdn.example.com/a.mp4"}`).Code)
	rec := h.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[healthResponse](t, rec)
	require.Equal(t, "ok", got.Status)
	require.Len(t, got.Tools, 2)
	require.Equal(t, 1, got.Pending)
	require.Zero(t, got.Running)

	opts := defaults()
	opts.tools = fakeTools{{Tool: service.ToolYTDLP}, {Tool: service.ToolFFmpeg}}
	h = newHarness(t, opts)
	rec = h.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "degraded", decode[healthResponse](t, rec).Status)
}

func TestRateLimit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		opts := defaults()
		opts.limits.Ceilings[ratelimit.Download] = ratelimit.Ceilings{10, 10, 2, 10}
		opts.limits.Strikes = 2
		h := newHarness(t, opts)
		body := `{"url": "https://cdn.example.com/a.mp4"}`

		for range 2 {
			require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/api/v1/jobs", body).Code)
		}

		rec := h.do(http.MethodPost, "/api/v1/jobs", body)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.Equal(t, "3600", rec.Header().Get("Retry-After"))
		got := decode[errorBody](t, rec)
		require.Equal(t, "rate_limited", got.Error)
		require.Equal(t, "hour", got.Window)
		require.Equal(t, int64(3600), got.RetryAfter)

		// second hourly denial within the strike window
		rec = h.do(http.MethodPost, "/api/v1/jobs", body)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.Equal(t, "900", rec.Header().Get("Retry-After"))
		require.Equal(t, "blocked", decode[errorBody](t, rec).Error)

		// status ceilings are separate, the block is not
		rec = h.do(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), "")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)

		rec = h.do(http.MethodGet, "/api/v1/ratelimit", "")
		require.Equal(t, http.StatusOK, rec.Code)
		usage := decode[rateLimitResponse](t, rec)
		require.Equal(t, "192.0.2.1", usage.Identity)
		require.True(t, usage.Blocked)
		require.Equal(t, int64(900), usage.BlockedSeconds)
		require.Equal(t, 2, usage.Classes[ratelimit.Download][int(ratelimit.Hour)].Used)

		time.Sleep(16 * time.Minute)
		rec = h.do(http.MethodGet, "/api/v1/ratelimit", "")
		require.False(t, decode[rateLimitResponse](t, rec).Blocked)
	})
}

func TestIngress(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		opts := defaults()
		opts.server.MaxRPS = 1
		opts.server.Burst = 2
		h := newHarness(t, opts)

		require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code)
		require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code)
		rec := h.do(http.MethodGet, "/healthz", "")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.Equal(t, "1", rec.Header().Get("Retry-After"))

		time.Sleep(time.Second)
		require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code)
	})
}

func TestCORS(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaults())

	var tcs = []struct {
		scenario string
		origin   string
		then     int
		allowed  bool
	}{
		{"chrome extension", "chrome-extension://abcdefgh", http.StatusNoContent, true},
		{"firefox extension", "moz-extension://1234", http.StatusNoContent, true},
		{"web page", "https://evil.example", http.StatusForbidden, false},
	}
	for _, tc := range tcs {
		t.Run(tc.scenario, func(t *testing.T) {
			rec := h.do(http.MethodOptions, "/api/v1/jobs", "",
				"Origin", tc.origin,
				"Access-Control-Request-Method", http.MethodPost,
			)
			require.Equal(t, tc.then, rec.Code)
			if tc.allowed {
				require.Equal(t, tc.origin, rec.Header().Get("Access-Control-Allow-Origin"))
				require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
			} else {
				require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}

	rec := h.do(http.MethodGet, "/healthz", "", "Origin", "chrome-extension://abcdefgh")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "chrome-extension://abcdefgh", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = h.do(http.MethodGet, "/healthz", "", "Origin", "https://evil.example")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIdentity_TrustedProxy(t *testing.T) {
	t.Parallel()
	opts := defaults()
	opts.server.TrustedProxies = []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}
	h := newHarness(t, opts)

	rec := h.do(http.MethodGet, "/api/v1/ratelimit", "", "X-Forwarded-For", "203.0.113.7")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "203.0.113.7", decode[rateLimitResponse](t, rec).Identity)
}
