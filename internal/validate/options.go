package validate

import (
	"errors"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/mediagate/internal/model"
	playground "github.com/go-playground/validator/v10"
)

const (
	defaultRetries   = 3
	defaultFragments = 1
	maxSubtitleLangs = 10
)

var reSubLang = regexp.MustCompile(`^[A-Za-z0-9-]{2,12}$`)

var reRate = regexp.MustCompile(`^([0-9]{1,12})([kKmM]?)$`)

// rules are the closed sets and bounds of download options
type rules struct {
	SourceType          string   `json:"sourceType" validate:"omitempty,oneof=youtube vimeo hls dash direct"`
	Quality             string   `json:"quality" validate:"oneof=best worst 2160p 1440p 1080p 1080p60 720p 720p60 480p 360p"`
	Format              string   `json:"format" validate:"oneof=mp4 webm mkv mov avi flv mp3 m4a aac ogg opus flac wav"`
	Container           string   `json:"container" validate:"omitempty,oneof=mp4 webm mkv mov avi flv mp3 m4a aac ogg opus flac wav"`
	AudioQuality        string   `json:"audioQuality" validate:"oneof=best 320k 256k 192k 128k 96k"`
	AudioFormat         string   `json:"audioFormat" validate:"oneof=best aac mp3 opus vorbis flac wav"`
	SubtitleFormat      string   `json:"subtitleFormat" validate:"oneof=best srt vtt ass lrc"`
	SubtitleLangs       []string `json:"subtitleLangs" validate:"max=10,dive,sublang"`
	Retries             int      `json:"retries" validate:"min=-1,max=10"`
	ConcurrentFragments int      `json:"concurrentFragments" validate:"min=1,max=16"`
	RateLimit           int64    `json:"rateLimit" validate:"omitempty,min=65536,max=104857600"`
}

// codecs are the audio codecs a audio container can hold
var codecs = map[model.Format][]model.AudioFormat{
	"mp3":  {"mp3"},
	"m4a":  {"aac"},
	"aac":  {"aac"},
	"ogg":  {"vorbis", "opus"},
	"opus": {"opus"},
	"flac": {"flac"},
	"wav":  {"wav"},
}

func newRules() *playground.Validate {
	v := playground.New(playground.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("sublang", func(fl playground.FieldLevel) bool {
		return reSubLang.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

type parsed struct {
	sourceType model.SourceType
	quality    model.Quality
	format     model.Format
	options    model.Options
}

func (v *Validator) options(sourceType string, raw model.RawOptions, verr *model.ValidationError) parsed {
	norm := func(t model.Token) string {
		return strings.ToLower(strings.TrimSpace(string(t)))
	}
	r := rules{
		SourceType:          strings.ToLower(strings.TrimSpace(sourceType)),
		Quality:             norm(raw.Quality),
		Format:              norm(raw.Format),
		Container:           norm(raw.Container),
		AudioQuality:        norm(raw.AudioQuality),
		AudioFormat:         norm(raw.AudioFormat),
		SubtitleFormat:      norm(raw.SubtitleFormat),
		Retries:             defaultRetries,
		ConcurrentFragments: defaultFragments,
	}
	if r.SourceType == "auto" {
		r.SourceType = ""
	}
	extract := raw.ExtractAudio != nil && *raw.ExtractAudio
	if r.Format == "" {
		r.Format = r.Container
	}
	if r.Format == "" {
		r.Format = string(model.FormatMP4)
		if extract {
			r.Format = "mp3"
		}
	}
	r.Quality = defaultTo(r.Quality, string(model.QualityBest))
	r.AudioQuality = defaultTo(r.AudioQuality, "best")
	r.AudioFormat = defaultTo(r.AudioFormat, "best")
	r.SubtitleFormat = defaultTo(r.SubtitleFormat, "best")

	const prefix = "options."
	if s := norm(raw.Retries); s != "" {
		switch n, err := strconv.Atoi(s); {
		case s == "infinite":
			r.Retries = model.RetriesInfinite
		case err != nil:
			verr.Add(prefix+"retries", "invalid_number", "must be an integer or infinite")
		case n < 0:
			verr.Add(prefix+"retries", "out_of_range", "must be between 0 and 10 or infinite")
		default:
			r.Retries = n
		}
	}
	if s := norm(raw.ConcurrentFragments); s != "" {
		if n, err := strconv.Atoi(s); err != nil {
			verr.Add(prefix+"concurrentFragments", "invalid_number", "must be an integer")
		} else {
			r.ConcurrentFragments = n
		}
	}
	if s := norm(raw.RateLimit); s != "" {
		if n, ok := parseRate(s); ok {
			r.RateLimit = n
		} else {
			verr.Add(prefix+"rateLimit", "invalid_number", "must be bytes per second with an optional K or M suffix")
		}
	}
	if s := strings.TrimSpace(string(raw.SubtitleLangs)); s != "" {
		for lang := range strings.SplitSeq(s, ",") {
			lang = strings.TrimSpace(lang)
			if lang != "" && !slices.Contains(r.SubtitleLangs, lang) {
				r.SubtitleLangs = append(r.SubtitleLangs, lang)
			}
		}
	}

	if err := v.rules.Struct(r); err != nil {
		var ferrs playground.ValidationErrors
		if !errors.As(err, &ferrs) {
			verr.Add("options", "invalid_value", "options can't be checked")
			return parsed{}
		}
		for _, fe := range ferrs {
			path := prefix + fe.Field()
			if fe.Field() == "sourceType" {
				path = "sourceType"
			}
			code, msg := ruleMessage(fe)
			verr.Add(path, code, msg)
		}
	}

	format := model.Format(r.Format)
	switch {
	case extract && !format.Audio():
		verr.Add(prefix+"extractAudio", "conflict", "audio extraction requires an audio format")
	case format.Audio() && r.AudioFormat != "best" && !slices.Contains(codecs[format], model.AudioFormat(r.AudioFormat)):
		verr.Add(prefix+"audioFormat", "conflict", "audio format is not compatible with the output format")
	}

	flag := func(b *bool) bool { return b != nil && *b }
	return parsed{
		sourceType: model.SourceType(r.SourceType),
		quality:    model.Quality(r.Quality),
		format:     format,
		options: model.Options{
			AudioQuality:        model.AudioQuality(r.AudioQuality),
			AudioFormat:         model.AudioFormat(r.AudioFormat),
			RateLimit:           r.RateLimit,
			Retries:             r.Retries,
			ConcurrentFragments: r.ConcurrentFragments,
			SubtitleLangs:       r.SubtitleLangs,
			SubtitleFormat:      model.SubtitleFormat(r.SubtitleFormat),
			ExtractAudio:        format.Audio(),
			WriteSubs:           flag(raw.WriteSubs),
			AutoSubs:            flag(raw.AutoSubs),
			EmbedSubs:           flag(raw.EmbedSubs),
			EmbedThumbnail:      flag(raw.EmbedThumbnail),
			EmbedMetadata:       flag(raw.EmbedMetadata),
		},
	}
}

func ruleMessage(fe playground.FieldError) (string, string) {
	switch fe.Tag() {
	case "oneof":
		return "invalid_enum", "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min", "max":
		if fe.Kind() == reflect.Slice {
			return "too_many", "must have at most " + strconv.Itoa(maxSubtitleLangs) + " entries"
		}
		return "out_of_range", "is out of range"
	case "sublang":
		return "invalid_language", "must be a language tag of letters, digits and dashes"
	default:
		return "invalid_value", "is not valid"
	}
}

// parseRate parses 500K or 2M as bytes per second. Zero means unlimited.
func parseRate(s string) (int64, bool) {
	m := reRate.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	switch m[2] {
	case "k", "K":
		n *= 1024
	case "m", "M":
		n *= 1024 * 1024
	}
	return n, true
}

func defaultTo(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
