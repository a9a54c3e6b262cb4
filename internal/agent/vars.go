package agent

import (
	"fmt"
	"net/http"
)

// Vars is the request-scoped context map threaded through every tool run.
// The routine passes it along without interpreting it.
type Vars map[string]any

// Well-known Vars keys.
const (
	VarUserID      = "user_id"
	VarThreadID    = "thread_id"
	VarProjectID   = "project_id"
	VarVlabID      = "vlab_id"
	VarHTTPClient  = "http_client"
	VarAccessToken = "access_token"
)

// Clone returns a shallow copy.
func (v Vars) Clone() Vars {
	out := make(Vars, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// String returns the string stored under key, or "".
func (v Vars) String(key string) string {
	s, _ := v[key].(string)
	return s
}

// HTTPClient returns the request-scoped outbound client, if any.
func (v Vars) HTTPClient() (*http.Client, bool) {
	c, ok := v[VarHTTPClient].(*http.Client)
	return c, ok && c != nil
}

// For merges the tool's metadata under the request values and checks that
// every key the tool requires is present.
func (v Vars) For(tool *Tool) (Vars, error) {
	out := make(Vars, len(v)+len(tool.Metadata))
	for k, val := range tool.Metadata {
		out[k] = val
	}
	for k, val := range v {
		out[k] = val
	}
	for _, key := range tool.Requires {
		val, ok := out[key]
		if !ok || val == nil || val == "" {
			return nil, fmt.Errorf("%w: %s requires %q", ErrMissingVar, tool.Name, key)
		}
	}
	return out, nil
}
