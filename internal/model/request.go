package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// JobRequest is a raw untrusted request, either SimpleURLRequest or
// DescriptorRequest.
type JobRequest interface {
	jobRequest()
}

// SimpleURLRequest carries a bare URL typed or pasted by a user
type SimpleURLRequest struct {
	URL     string
	Options RawOptions
}

// DescriptorRequest carries a JSON document captured by a browser
// extension with url, headers, cookies and metadata of a media.
type DescriptorRequest struct {
	Descriptor []byte
	Options    RawOptions
}

func (SimpleURLRequest) jobRequest()  {}
func (DescriptorRequest) jobRequest() {}

// Token is an untrusted scalar option value. JSON numbers and booleans are
// accepted and kept in their textual form.
type Token string

func (t *Token) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Token(s)
		return nil
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte("false")):
		*t = Token(b)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("option must be a string or a number")
	}
	*t = Token(n.String())
	return nil
}

// RawOptions are the untrusted download options
type RawOptions struct {
	Quality             Token `json:"quality,omitempty"`
	Format              Token `json:"format,omitempty"`
	Container           Token `json:"container,omitempty"`
	Filename            Token `json:"filename,omitempty"`
	AudioQuality        Token `json:"audioQuality,omitempty"`
	AudioFormat         Token `json:"audioFormat,omitempty"`
	RateLimit           Token `json:"rateLimit,omitempty"`
	Retries             Token `json:"retries,omitempty"`
	ConcurrentFragments Token `json:"concurrentFragments,omitempty"`
	SubtitleLangs       Token `json:"subtitleLangs,omitempty"`
	SubtitleFormat      Token `json:"subtitleFormat,omitempty"`
	ExtractAudio        *bool `json:"extractAudio,omitempty"`
	WriteSubs           *bool `json:"writeSubs,omitempty"`
	AutoSubs            *bool `json:"autoSubs,omitempty"`
	EmbedSubs           *bool `json:"embedSubs,omitempty"`
	EmbedThumbnail      *bool `json:"embedThumbnail,omitempty"`
	EmbedMetadata       *bool `json:"embedMetadata,omitempty"`
}

// Merge returns o with the unset values taken from fallback
func (o RawOptions) Merge(fallback RawOptions) RawOptions {
	tok := func(a, b Token) Token {
		if strings.TrimSpace(string(a)) == "" {
			return b
		}
		return a
	}
	flag := func(a, b *bool) *bool {
		if a == nil {
			return b
		}
		return a
	}
	return RawOptions{
		Quality:             tok(o.Quality, fallback.Quality),
		Format:              tok(o.Format, fallback.Format),
		Container:           tok(o.Container, fallback.Container),
		Filename:            tok(o.Filename, fallback.Filename),
		AudioQuality:        tok(o.AudioQuality, fallback.AudioQuality),
		AudioFormat:         tok(o.AudioFormat, fallback.AudioFormat),
		RateLimit:           tok(o.RateLimit, fallback.RateLimit),
		Retries:             tok(o.Retries, fallback.Retries),
		ConcurrentFragments: tok(o.ConcurrentFragments, fallback.ConcurrentFragments),
		SubtitleLangs:       tok(o.SubtitleLangs, fallback.SubtitleLangs),
		SubtitleFormat:      tok(o.SubtitleFormat, fallback.SubtitleFormat),
		ExtractAudio:        flag(o.ExtractAudio, fallback.ExtractAudio),
		WriteSubs:           flag(o.WriteSubs, fallback.WriteSubs),
		AutoSubs:            flag(o.AutoSubs, fallback.AutoSubs),
		EmbedSubs:           flag(o.EmbedSubs, fallback.EmbedSubs),
		EmbedThumbnail:      flag(o.EmbedThumbnail, fallback.EmbedThumbnail),
		EmbedMetadata:       flag(o.EmbedMetadata, fallback.EmbedMetadata),
	}
}

type Quality string

const (
	QualityBest  Quality = "best"
	QualityWorst Quality = "worst"
)

var Qualities = []Quality{"best", "worst", "2160p", "1440p", "1080p", "1080p60", "720p", "720p60", "480p", "360p"}

// Height returns the maximal height and fps of a quality, zeros for best and worst
func (q Quality) Height() (height, fps int) {
	s, ok := strings.CutSuffix(string(q), "p60")
	if ok {
		fps = 60
	} else if s, ok = strings.CutSuffix(string(q), "p"); !ok {
		return 0, 0
	}
	height, _ = strconv.Atoi(s)
	return height, fps
}

type Format string

const FormatMP4 Format = "mp4"

var (
	VideoFormats = []Format{"mp4", "webm", "mkv", "mov", "avi", "flv"}
	AudioOutputs = []Format{"mp3", "m4a", "aac", "ogg", "opus", "flac", "wav"}
)

// Formats returns all allowed output formats
func Formats() []Format {
	return slices.Concat(VideoFormats, AudioOutputs)
}

// Audio reports whether the output format holds audio only
func (f Format) Audio() bool {
	return slices.Contains(AudioOutputs, f)
}

type AudioQuality string

var AudioQualities = []AudioQuality{"best", "320k", "256k", "192k", "128k", "96k"}

type AudioFormat string

var AudioFormats = []AudioFormat{"best", "aac", "mp3", "opus", "vorbis", "flac", "wav"}

type SubtitleFormat string

var SubtitleFormats = []SubtitleFormat{"best", "srt", "vtt", "ass", "lrc"}

type SourceType string

const (
	SourceAuto    SourceType = ""
	SourceYouTube SourceType = "youtube"
	SourceVimeo   SourceType = "vimeo"
	SourceHLS     SourceType = "hls"
	SourceDASH    SourceType = "dash"
	SourceDirect  SourceType = "direct"
)

var SourceTypes = []SourceType{SourceAuto, SourceYouTube, SourceVimeo, SourceHLS, SourceDASH, SourceDirect}

// Stream reports whether the source is a manifest or a plain media file
func (s SourceType) Stream() bool {
	return s == SourceHLS || s == SourceDASH || s == SourceDirect
}

// RetriesInfinite is the Options.Retries value of the "infinite" token
const RetriesInfinite = -1

type Options struct {
	AudioQuality        AudioQuality
	AudioFormat         AudioFormat
	RateLimit           int64 // bytes per second, 0 means unlimited
	Retries             int
	ConcurrentFragments int
	SubtitleLangs       []string
	SubtitleFormat      SubtitleFormat
	ExtractAudio        bool
	WriteSubs           bool
	AutoSubs            bool
	EmbedSubs           bool
	EmbedThumbnail      bool
	EmbedMetadata       bool
}

// ValidatedRequest is the output of a validator. All values are typed and
// checked, structural fields are free of shell metacharacters and opaque
// fields (Headers, Cookies, UserAgent) never contain control characters.
type ValidatedRequest struct {
	URL        string
	Host       string
	SourceType SourceType
	Headers    map[string]string
	Cookies    string
	Referer    string
	UserAgent  string
	Quality    Quality
	Format     Format
	Filename   string // output file name with an extension equal to Format, empty for a default
	Options    Options
}

func (r ValidatedRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", r.Host),
		slog.String("source_type", string(r.SourceType)),
		slog.String("quality", string(r.Quality)),
		slog.String("format", string(r.Format)),
		slog.Int("headers", len(r.Headers)),
		slog.Bool("cookies", r.Cookies != ""),
	)
}

// Request converts the validated request back to a raw form, which
// validates to the identical ValidatedRequest.
func (r ValidatedRequest) Request() JobRequest {
	desc := map[string]any{"url": r.URL}
	if len(r.Headers) > 0 {
		desc["headers"] = maps.Clone(r.Headers)
	}
	if r.Cookies != "" {
		desc["cookies"] = r.Cookies
	}
	if r.Referer != "" {
		desc["referer"] = r.Referer
	}
	if r.UserAgent != "" {
		desc["userAgent"] = r.UserAgent
	}
	if r.SourceType != SourceAuto {
		desc["sourceType"] = string(r.SourceType)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(desc); err != nil {
		// map of strings can't fail
		panic(err)
	}

	o := r.Options
	retries := strconv.Itoa(o.Retries)
	if o.Retries == RetriesInfinite {
		retries = "infinite"
	}
	var rateLimit string
	if o.RateLimit > 0 {
		rateLimit = strconv.FormatInt(o.RateLimit, 10)
	}
	return DescriptorRequest{
		Descriptor: bytes.TrimSpace(buf.Bytes()),
		Options: RawOptions{
			Quality:             Token(r.Quality),
			Format:              Token(r.Format),
			Filename:            Token(r.Filename),
			AudioQuality:        Token(o.AudioQuality),
			AudioFormat:         Token(o.AudioFormat),
			RateLimit:           Token(rateLimit),
			Retries:             Token(retries),
			ConcurrentFragments: Token(strconv.Itoa(o.ConcurrentFragments)),
			SubtitleLangs:       Token(strings.Join(o.SubtitleLangs, ",")),
			SubtitleFormat:      Token(o.SubtitleFormat),
			ExtractAudio:        &o.ExtractAudio,
			WriteSubs:           &o.WriteSubs,
			AutoSubs:            &o.AutoSubs,
			EmbedSubs:           &o.EmbedSubs,
			EmbedThumbnail:      &o.EmbedThumbnail,
			EmbedMetadata:       &o.EmbedMetadata,
		},
	}
}
