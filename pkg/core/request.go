package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stableinfra/go-sdk/pkg/errors"
)

// Supported HTTP methods.
const (
	MethodGet     = "GET"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodPatch   = "PATCH"
	MethodDelete  = "DELETE"
	MethodHead    = "HEAD"
	MethodOptions = "OPTIONS"
)

var validMethods = map[string]bool{
	MethodGet: true, MethodPost: true, MethodPut: true, MethodPatch: true,
	MethodDelete: true, MethodHead: true, MethodOptions: true,
}

// RequestSpec describes a parameterised transport request. Absent fields take
// the documented defaults when the spec is normalised.
type RequestSpec struct {
	Method   string                 `json:"method,omitempty" yaml:"method,omitempty"`
	Protocol string                 `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Hostname string                 `json:"hostname" yaml:"hostname"`
	Port     int                    `json:"port,omitempty" yaml:"port,omitempty"`
	Path     string                 `json:"path,omitempty" yaml:"path,omitempty"`
	Headers  map[string]string      `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body     interface{}            `json:"body,omitempty" yaml:"body,omitempty"`
	Query    map[string]string      `json:"query,omitempty" yaml:"query,omitempty"`
	Timeout  time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Normalize fills absent fields with their defaults and returns a copy. The
// original spec is not mutated; descriptors are immutable once dispatched.
func (r RequestSpec) Normalize() RequestSpec {
	if r.Method == "" {
		r.Method = MethodGet
	}
	r.Method = strings.ToUpper(r.Method)
	if r.Protocol == "" {
		r.Protocol = "https"
	}
	if r.Port == 0 {
		r.Port = 443
	}
	if r.Path == "" {
		r.Path = "/"
	}
	return r
}

// Validate checks the spec before dispatch. Validation failures are never
// retried.
func (r RequestSpec) Validate() error {
	if r.Hostname == "" {
		return errors.NewValidationError("request hostname is required")
	}
	if r.Method != "" && !validMethods[strings.ToUpper(r.Method)] {
		return errors.NewValidationError(fmt.Sprintf("unsupported method %q", r.Method))
	}
	if r.Protocol != "" && r.Protocol != "http" && r.Protocol != "https" {
		return errors.NewValidationError(fmt.Sprintf("unsupported protocol %q", r.Protocol))
	}
	if r.Port < 0 || r.Port > 65535 {
		return errors.NewValidationError(fmt.Sprintf("port %d out of range", r.Port))
	}
	return nil
}

// URL renders the normalised spec as a full request URL including the query
// string in sorted-stable encoding.
func (r RequestSpec) URL() string {
	n := r.Normalize()
	u := url.URL{
		Scheme: n.Protocol,
		Host:   fmt.Sprintf("%s:%d", n.Hostname, n.Port),
		Path:   n.Path,
	}
	if len(n.Query) > 0 {
		q := url.Values{}
		for k, v := range n.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
