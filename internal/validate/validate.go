// Package validate turns untrusted job requests into model.ValidatedRequest.
//
// Every violated rule is reported, the first error never short-circuits the
// rest. Validation is idempotent: validating ValidatedRequest.Request()
// returns the identical record. Messages never echo the rejected input.
package validate

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/CZERTAINLY/mediagate/internal/model"
	playground "github.com/go-playground/validator/v10"
)

// Resolver resolves host names, *net.Resolver implements it
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type Limits struct {
	MaxURL         int
	MaxFilename    int
	MaxDescriptor  int
	MaxCookies     int
	MaxDepth       int
	MaxHeaders     int
	MaxHeaderValue int
	MaxUserAgent   int
	MaxTitle       int
	ResolveTimeout time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxURL:         2048,
		MaxFilename:    255,
		MaxDescriptor:  64 * 1024,
		MaxCookies:     32 * 1024,
		MaxDepth:       5,
		MaxHeaders:     32,
		MaxHeaderValue: 8192,
		MaxUserAgent:   512,
		MaxTitle:       255,
		ResolveTimeout: 2 * time.Second,
	}
}

func LimitsFromConfig(cfg model.Validation) Limits {
	l := DefaultLimits()
	l.MaxURL = cfg.MaxURL
	l.MaxFilename = cfg.MaxFilename
	l.MaxDescriptor = cfg.MaxDescriptor
	l.MaxCookies = cfg.MaxCookies
	l.MaxDepth = cfg.MaxDepth
	l.MaxHeaders = cfg.MaxHeaders
	l.ResolveTimeout = cfg.ResolveTimeout.Duration()
	return l
}

// Validator is stateless and safe for a concurrent use
type Validator struct {
	limits   Limits
	resolver Resolver
	rules    *playground.Validate
}

// New returns a validator. A nil resolver means net.DefaultResolver.
func New(limits Limits, resolver Resolver) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{
		limits:   limits,
		resolver: resolver,
		rules:    newRules(),
	}
}

// Validate checks and sanitizes a raw request. The returned error is
// always a *model.ValidationError listing every violated field.
func (v *Validator) Validate(ctx context.Context, req model.JobRequest) (model.ValidatedRequest, error) {
	var verr model.ValidationError
	var in fields

	switch r := req.(type) {
	case model.SimpleURLRequest:
		in = fields{url: r.URL, options: r.Options}
	case model.DescriptorRequest:
		in = v.descriptor(r.Descriptor, &verr)
		in.options = r.Options.Merge(in.options)
	case *model.SimpleURLRequest:
		if r != nil {
			return v.Validate(ctx, *r)
		}
		verr.Add("request", "invalid_type", "request is empty")
		return model.ValidatedRequest{}, verr.Err()
	case *model.DescriptorRequest:
		if r != nil {
			return v.Validate(ctx, *r)
		}
		verr.Add("request", "invalid_type", "request is empty")
		return model.ValidatedRequest{}, verr.Err()
	default:
		verr.Add("request", "invalid_type", "request must be a URL or a JSON descriptor")
		return model.ValidatedRequest{}, verr.Err()
	}

	var out model.ValidatedRequest
	if in.urlPath == "" {
		in.urlPath = "url"
	}
	if !in.broken {
		out.URL, out.Host = v.url(ctx, in.urlPath, in.url, true, &verr)
	}
	out.Headers = in.headers
	out.Cookies = in.cookies
	out.UserAgent = in.userAgent
	if in.referer != "" {
		out.Referer, _ = v.url(ctx, in.refererPath, in.referer, false, &verr)
	}

	opts := v.options(in.sourceType, in.options, &verr)
	out.SourceType = opts.sourceType
	out.Quality = opts.quality
	out.Format = opts.format
	out.Options = opts.options
	out.Filename = v.filename("filename", string(in.options.Filename), out.Format, &verr)

	if err := verr.Err(); err != nil {
		return model.ValidatedRequest{}, err
	}
	return out, nil
}

// Revalidate runs an already validated request through the validator
// again. It must return the identical record.
func (v *Validator) Revalidate(ctx context.Context, req model.ValidatedRequest) (model.ValidatedRequest, error) {
	return v.Validate(ctx, req.Request())
}

// fields are the untrusted values extracted from a request
type fields struct {
	url         string
	urlPath     string
	headers     map[string]string
	cookies     string
	referer     string
	refererPath string
	userAgent   string
	sourceType  string
	options     model.RawOptions
	broken      bool // descriptor could not be decoded
}
