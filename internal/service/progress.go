package service

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/mediagate/internal/model"
)

// Event is a progress update parsed from one line of a tool output. Zero
// fields were not reported by the line.
type Event struct {
	Stage     model.Stage
	Percent   float64
	Fragment  int
	Fragments int
	// Failure is a hint about the cause of a failure
	Failure model.ExecutionKind
}

// Classifier turns the output of a download tool into progress events.
// It is not safe for a concurrent use.
type Classifier interface {
	Classify(line Line) (Event, bool)
}

var (
	reYTTag      = regexp.MustCompile(`^\[([A-Za-z][A-Za-z0-9:_+-]*)\]\s`)
	reYTPercent  = regexp.MustCompile(`^\[download\]\s+(\d{1,3}(?:\.\d+)?)%`)
	reYTFrag     = regexp.MustCompile(`\(frag (\d+)/(\d+)\)`)
	reYTTotal    = regexp.MustCompile(`Total fragments: (\d+)`)
	reFFDuration = regexp.MustCompile(`^\s*Duration: (\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	reFFOpening  = regexp.MustCompile(`^\[(?:hls|dash) @ [^\]]+\] Opening '`)
)

var convertTags = []string{
	"ExtractAudio", "VideoConvertor", "VideoRemuxer", "Metadata", "ThumbnailsConvertor",
	"SubtitlesConvertor", "MoveFiles", "ModifyChapters",
}

// NewClassifier returns a fresh classifier for the output of tool
func NewClassifier(tool Tool) Classifier {
	if tool == ToolFFmpeg {
		return newFFmpegClassifier()
	}
	return newYTDLPClassifier()
}

type ytdlpClassifier struct{}

func newYTDLPClassifier() *ytdlpClassifier { return &ytdlpClassifier{} }

func (c *ytdlpClassifier) Classify(line Line) (Event, bool) {
	text := strings.TrimSpace(line.Text)
	if rest, ok := strings.CutPrefix(text, "ERROR:"); ok {
		return Event{Failure: failureHint(rest)}, true
	}
	m := reYTTag.FindStringSubmatch(text)
	if m == nil {
		return Event{}, false
	}
	switch tag := m[1]; {
	case tag == "download":
		ev := Event{Stage: model.StageDownloading}
		if p := reYTPercent.FindStringSubmatch(text); p != nil {
			ev.Percent, _ = strconv.ParseFloat(p[1], 64)
			ev.Percent = min(ev.Percent, 100)
		}
		if f := reYTFrag.FindStringSubmatch(text); f != nil {
			ev.Fragment, _ = strconv.Atoi(f[1])
			ev.Fragments, _ = strconv.Atoi(f[2])
		}
		return ev, true
	case tag == "hlsnative" || tag == "dashsegments":
		ev := Event{Stage: model.StageDownloading}
		if f := reYTTotal.FindStringSubmatch(text); f != nil {
			ev.Fragments, _ = strconv.Atoi(f[1])
		}
		return ev, true
	case tag == "Merger":
		return Event{Stage: model.StageMerging}, true
	case strings.HasPrefix(tag, "Embed"), strings.HasPrefix(tag, "Fixup"), containsTag(tag):
		return Event{Stage: model.StageConverting}, true
	default:
		// [youtube], [generic], [info] ...
		return Event{Stage: model.StageExtracting}, true
	}
}

func containsTag(tag string) bool {
	for _, t := range convertTags {
		if t == tag {
			return true
		}
	}
	return false
}

type ffmpegClassifier struct {
	total    time.Duration
	fragment int
}

func newFFmpegClassifier() *ffmpegClassifier { return &ffmpegClassifier{} }

func (c *ffmpegClassifier) Classify(line Line) (Event, bool) {
	text := line.Text
	if line.Stream == Stdout {
		return c.progress(text)
	}
	if m := reFFDuration.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		s, _ := strconv.ParseFloat(m[3], 64)
		c.total = time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(s*float64(time.Second))
		return Event{Stage: model.StageExtracting}, true
	}
	if reFFOpening.MatchString(text) {
		c.fragment++
		return Event{Stage: model.StageDownloading, Fragment: c.fragment}, true
	}
	if strings.HasPrefix(text, "Input #") {
		return Event{Stage: model.StageExtracting}, true
	}
	if kind, ok := ffmpegFailure(text); ok {
		return Event{Failure: kind}, true
	}
	return Event{}, false
}

// progress parses key=value lines of -progress pipe:1
func (c *ffmpegClassifier) progress(text string) (Event, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(text), "=")
	if !ok {
		return Event{}, false
	}
	switch key {
	case "out_time_us", "out_time_ms":
		// both are microseconds
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return Event{}, false
		}
		ev := Event{Stage: model.StageDownloading}
		if c.total > 0 {
			ev.Percent = min(float64(us)/float64(c.total.Microseconds())*100, 99.9)
		}
		return ev, true
	case "progress":
		if value == "end" {
			return Event{Stage: model.StageFinalizing, Percent: 100}, true
		}
	}
	return Event{}, false
}

var ffmpegHints = []struct {
	marker string
	kind   model.ExecutionKind
}{
	{"401 Unauthorized", model.KindAuthentication},
	{"403 Forbidden", model.KindAuthentication},
	{"404 Not Found", model.KindUnsupported},
	{"Invalid data found when processing input", model.KindUnsupported},
	{"Protocol not on whitelist", model.KindUnsupported},
	{"Connection refused", model.KindNetwork},
	{"Connection timed out", model.KindNetwork},
	{"Connection reset by peer", model.KindNetwork},
	{"Failed to resolve hostname", model.KindNetwork},
	{"Network is unreachable", model.KindNetwork},
	{"I/O error", model.KindNetwork},
	{"Server returned 5", model.KindNetwork},
}

func ffmpegFailure(text string) (model.ExecutionKind, bool) {
	for _, h := range ffmpegHints {
		if strings.Contains(text, h.marker) {
			return h.kind, true
		}
	}
	return "", false
}

var ytdlpHints = []struct {
	marker string
	kind   model.ExecutionKind
}{
	{"sign in to confirm", model.KindAuthentication},
	{"login required", model.KindAuthentication},
	{"private video", model.KindAuthentication},
	{"members-only", model.KindAuthentication},
	{"only available for registered users", model.KindAuthentication},
	{"http error 401", model.KindAuthentication},
	{"http error 403", model.KindAuthentication},
	{"unsupported url", model.KindUnsupported},
	{"is not a valid url", model.KindUnsupported},
	{"no video formats found", model.KindUnsupported},
	{"unable to extract", model.KindUnsupported},
	{"http error 404", model.KindUnsupported},
	{"unable to download webpage", model.KindNetwork},
	{"timed out", model.KindNetwork},
	{"connection refused", model.KindNetwork},
	{"connection reset", model.KindNetwork},
	{"name resolution", model.KindNetwork},
	{"failed to resolve", model.KindNetwork},
	{"network is unreachable", model.KindNetwork},
	{"http error 5", model.KindNetwork},
}

func failureHint(msg string) model.ExecutionKind {
	msg = strings.ToLower(msg)
	for _, h := range ytdlpHints {
		if strings.Contains(msg, h.marker) {
			return h.kind
		}
	}
	return model.KindToolFailure
}

// progress accumulates events into the job progress
type progress struct {
	stage     model.Stage
	percent   float64
	fragment  int
	fragments int
	failure   model.ExecutionKind
}

// apply reports whether an event changed the progress. Percent never
// decreases, a tool downloading two streams restarts it.
func (p *progress) apply(ev Event) bool {
	changed := false
	if ev.Failure != "" {
		// keep the first specific hint
		if p.failure == "" || p.failure == model.KindToolFailure {
			p.failure = ev.Failure
		}
	}
	if ev.Stage != "" && ev.Stage != p.stage {
		p.stage = ev.Stage
		changed = true
	}
	if ev.Percent > p.percent {
		p.percent = ev.Percent
		changed = true
	}
	if ev.Fragment > p.fragment {
		p.fragment = ev.Fragment
		changed = true
	}
	if ev.Fragments > 0 && ev.Fragments != p.fragments {
		p.fragments = ev.Fragments
		changed = true
	}
	return changed
}
