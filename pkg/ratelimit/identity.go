package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// KeyFunc derives the rate-limit identifier for a request.
type KeyFunc func(r *http.Request) string

type subjectKey struct{}

// WithSubject attaches the authenticated subject to ctx.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey{}).(string)
	return subject, ok && subject != ""
}

// SubjectOrIP prefers the authenticated subject and falls back to the network origin.
func SubjectOrIP(r *http.Request) string {
	if subject, ok := SubjectFromContext(r.Context()); ok {
		return "user:" + subject
	}
	return IPOnly(r)
}

// IPOnly keys by network origin.
func IPOnly(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
