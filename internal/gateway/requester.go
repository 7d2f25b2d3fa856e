// Package gateway is the client side of the backend gateway: the request
// function every fetch goes through, and its HTTP implementation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
)

type dedupKey struct{}

// WithoutDedup marks ctx so that its requests always reach the network.
func WithoutDedup(ctx context.Context) context.Context {
	return context.WithValue(ctx, dedupKey{}, true)
}

func dedupBypassed(ctx context.Context) bool {
	v, _ := ctx.Value(dedupKey{}).(bool)
	return v
}

// ErrTransport marks failures that happened before a response was received.
var ErrTransport = errors.New("gateway transport failure")

// RequestOptions describes a single request.
type RequestOptions struct {
	Method  string
	Body    []byte
	Headers map[string]string
}

// MethodOrDefault returns the method, defaulting to GET.
func (o RequestOptions) MethodOrDefault() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return o.Method
}

// Equal reports whether two option sets would produce the same request.
func (o RequestOptions) Equal(other RequestOptions) bool {
	return o.MethodOrDefault() == other.MethodOrDefault() &&
		string(o.Body) == string(other.Body) &&
		maps.Equal(o.Headers, other.Headers)
}

// Response is the success/failure envelope returned for every request.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Status is the HTTP status when one was received.
	Status int `json:"-"`
}

// Requester performs gateway requests. A returned error and a Response with
// Success=false are both failures; callers treat them the same way.
type Requester interface {
	Request(ctx context.Context, endpoint string, opts RequestOptions) (Response, error)
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, endpoint string, opts RequestOptions) (Response, error)

// Request implements Requester.
func (f RequesterFunc) Request(ctx context.Context, endpoint string, opts RequestOptions) (Response, error) {
	return f(ctx, endpoint, opts)
}
