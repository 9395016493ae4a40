package service

import (
	"bufio"
	"fmt"
	"maps"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/CZERTAINLY/mediagate/internal/model"
)

const (
	defaultStem      = "media"
	ytdlpDefaultStem = "%(title).180B"
	socketTimeout    = "30"
	fragmentRetries  = "10"
)

// stem returns the output file name without an extension
func stem(req model.ValidatedRequest) string {
	if req.Filename == "" {
		return ""
	}
	return strings.TrimSuffix(req.Filename, "."+string(req.Format))
}

// formatSelector returns the yt-dlp -f expression of a video quality
func formatSelector(q model.Quality) string {
	switch q {
	case model.QualityWorst:
		return "worstvideo*+worstaudio/worst"
	case model.QualityBest, "":
		return "bestvideo*+bestaudio/best"
	}
	height, fps := q.Height()
	filter := "[height<=" + strconv.Itoa(height) + "]"
	if fps > 0 {
		filter += "[fps<=" + strconv.Itoa(fps) + "]"
	}
	return "bestvideo*" + filter + "+bestaudio/best" + filter
}

// ytdlpAudioFormat maps an output format and a codec to --audio-format
func ytdlpAudioFormat(format model.Format, codec model.AudioFormat) string {
	switch format {
	case "m4a":
		return "m4a"
	case "ogg":
		if codec == "opus" {
			return "opus"
		}
		return "vorbis"
	}
	return string(format)
}

func audioQuality(q model.AudioQuality) string {
	if q == "" || q == "best" {
		return "0"
	}
	return strings.ToUpper(string(q))
}

func ytdlpArgs(req model.ValidatedRequest, dir, cookies string) []string {
	o := req.Options
	retries := strconv.Itoa(o.Retries)
	if o.Retries == model.RetriesInfinite {
		retries = "infinite"
	}
	name := stem(req)
	if name == "" {
		name = ytdlpDefaultStem
	} else {
		// output template escaping
		name = strings.ReplaceAll(name, "%", "%%")
	}

	args := []string{
		"--ignore-config",
		"--no-playlist",
		"--newline",
		"--progress",
		"--no-colors",
		"--restrict-filenames",
		"--no-cache-dir",
		"--socket-timeout", socketTimeout,
		"--retries", retries,
		"--fragment-retries", fragmentRetries,
		"--concurrent-fragments", strconv.Itoa(max(o.ConcurrentFragments, 1)),
		"-P", dir,
		"-o", name + ".%(ext)s",
	}

	if req.Format.Audio() {
		args = append(args,
			"-f", "bestaudio/best",
			"-x",
			"--audio-format", ytdlpAudioFormat(req.Format, o.AudioFormat),
			"--audio-quality", audioQuality(o.AudioQuality),
		)
	} else {
		args = append(args,
			"-f", formatSelector(req.Quality),
			"--merge-output-format", string(req.Format),
			"--remux-video", string(req.Format),
		)
	}
	if o.RateLimit > 0 {
		args = append(args, "--limit-rate", strconv.FormatInt(o.RateLimit, 10))
	}
	for _, k := range headerNames(req) {
		args = append(args, "--add-header", k+":"+req.Headers[k])
	}
	if req.Referer != "" {
		args = append(args, "--referer", req.Referer)
	}
	if req.UserAgent != "" {
		args = append(args, "--user-agent", req.UserAgent)
	}
	if cookies != "" {
		args = append(args, "--cookies", cookies)
	}
	if o.WriteSubs || o.AutoSubs || o.EmbedSubs {
		if o.WriteSubs || o.EmbedSubs {
			args = append(args, "--write-subs")
		}
		if o.AutoSubs {
			args = append(args, "--write-auto-subs")
		}
		if len(o.SubtitleLangs) > 0 {
			args = append(args, "--sub-langs", strings.Join(o.SubtitleLangs, ","))
		}
		if o.SubtitleFormat != "" && o.SubtitleFormat != "best" {
			args = append(args, "--sub-format", string(o.SubtitleFormat)+"/best")
		}
		if o.EmbedSubs && !req.Format.Audio() {
			args = append(args, "--embed-subs")
		}
	}
	if o.EmbedThumbnail {
		args = append(args, "--embed-thumbnail")
	}
	if o.EmbedMetadata {
		args = append(args, "--embed-metadata")
	}
	return append(args, "--", req.URL)
}

var audioCodecs = map[model.Format]string{
	"mp3":  "libmp3lame",
	"m4a":  "aac",
	"aac":  "aac",
	"ogg":  "libvorbis",
	"opus": "libopus",
	"flac": "flac",
	"wav":  "pcm_s16le",
}

func ffmpegArgs(req model.ValidatedRequest) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-loglevel", "info",
		"-nostats",
		"-progress", "pipe:1",
		"-protocol_whitelist", "http,https,tcp,tls,crypto,hls",
		"-rw_timeout", "30000000",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
	}
	if h := ffmpegHeaders(req); h != "" {
		args = append(args, "-headers", h)
	}
	if req.UserAgent != "" {
		args = append(args, "-user_agent", req.UserAgent)
	}
	args = append(args, "-i", req.URL)

	o := req.Options
	switch f := req.Format; {
	case f.Audio():
		codec := audioCodecs[f]
		if f == "ogg" && o.AudioFormat == "opus" {
			codec = "libopus"
		}
		args = append(args, "-vn", "-c:a", codec)
		if o.AudioQuality != "" && o.AudioQuality != "best" && f != "flac" && f != "wav" {
			args = append(args, "-b:a", string(o.AudioQuality))
		}
	case f == "webm":
		args = append(args, "-c:v", "libvpx-vp9", "-c:a", "libopus")
	case f == "avi":
		args = append(args, "-c:v", "mpeg4", "-c:a", "libmp3lame")
	case f == "flv":
		args = append(args, "-c:v", "libx264", "-c:a", "aac")
	case f == "mp4" || f == "mov":
		args = append(args, "-c", "copy", "-bsf:a", "aac_adtstoasc")
	default:
		args = append(args, "-c", "copy")
	}

	name := stem(req)
	if name == "" {
		name = defaultStem
	}
	// a name starting with a dash would be taken for an option
	return append(args, "./"+name+"."+string(req.Format))
}

// headerNames are the sorted names of forwarded headers. Referer and
// User-Agent are left out when the request sets them as fields.
func headerNames(req model.ValidatedRequest) []string {
	names := slices.Sorted(maps.Keys(req.Headers))
	return slices.DeleteFunc(names, func(k string) bool {
		switch {
		case strings.EqualFold(k, "Referer"):
			return req.Referer != ""
		case strings.EqualFold(k, "User-Agent"):
			return req.UserAgent != ""
		}
		return false
	})
}

// ffmpegHeaders returns the -headers block, every header ends with CRLF
func ffmpegHeaders(req model.ValidatedRequest) string {
	var sb strings.Builder
	for _, k := range headerNames(req) {
		sb.WriteString(k + ": " + req.Headers[k] + "\r\n")
	}
	if req.Cookies != "" {
		sb.WriteString("Cookie: " + req.Cookies + "\r\n")
	}
	if req.Referer != "" {
		sb.WriteString("Referer: " + req.Referer + "\r\n")
	}
	return sb.String()
}

// writeCookies stores the cookie header of req as a Netscape cookie file
// readable by the owner only. Cookies are scoped to the registrable domain
// of the request host.
func (e *Executor) writeCookies(name string, req model.ValidatedRequest) error {
	f, err := e.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	err = netscapeCookies(w, req)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

type stringWriter interface {
	WriteString(string) (int, error)
}

func netscapeCookies(w stringWriter, req model.ValidatedRequest) error {
	domain, sub := cookieDomain(req.Host)
	secure := "FALSE"
	if u, err := url.Parse(req.URL); err == nil && u.Scheme == "https" {
		secure = "TRUE"
	}
	if _, err := w.WriteString("# Netscape HTTP Cookie File\n"); err != nil {
		return err
	}
	for pair := range strings.SplitSeq(req.Cookies, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		line := fmt.Sprintf("%s\t%s\t/\t%s\t0\t%s\t%s\n", domain, sub, secure, name, strings.TrimSpace(value))
		if _, err := w.WriteString(line); err != nil {
			return err
		}
	}
	return nil
}

// cookieDomain returns a domain field and the include subdomains flag
func cookieDomain(host string) (string, string) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return host, "FALSE"
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host, "FALSE"
	}
	return "." + etld1, "TRUE"
}
