package functions

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rendis/cadenza/pkg/schema"
)

// RestConfig configures the rest function type.
type RestConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

var pathParam = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// RestFunction performs an HTTP request. The operation is "[METHOD ]URL";
// "{name}" placeholders in the URL are filled from the arguments.
//
// Reserved arguments: "body" (sent as JSON), "headers" and "query". Other
// arguments become query parameters for GET/DELETE/HEAD and the JSON body
// otherwise, unless "body" is given.
//
// Metadata: "timeout" (Go duration), "auth" ({type: bearer|basic|api_key}),
// "tls_skip_verify", "fail_on_error_status" (default true) and
// "full_response" to return status, headers and body instead of the body.
type RestFunction struct {
	config RestConfig
}

// NewRestFunction creates a rest function.
func NewRestFunction(cfg RestConfig) *RestFunction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &RestFunction{config: cfg}
}

func (f *RestFunction) Type() schema.FunctionType { return schema.FunctionTypeRest }

// ParseOperation splits a rest operation into method and URL.
func ParseOperation(op string) (string, string, error) {
	op = strings.TrimSpace(op)
	method, rawURL := http.MethodGet, op
	if i := strings.IndexByte(op, ' '); i > 0 {
		method, rawURL = strings.ToUpper(op[:i]), strings.TrimSpace(op[i+1:])
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", schema.NewErrorf(schema.ErrCodeValidation, "rest: invalid operation url %q", rawURL)
	}
	return method, rawURL, nil
}

func (f *RestFunction) Invoke(ctx context.Context, call Call) (any, error) {
	def := call.Function
	method, rawURL, err := ParseOperation(def.Operation)
	if err != nil {
		return nil, err
	}
	meta := def.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	args := maps.Clone(call.Arguments)
	if args == nil {
		args = map[string]any{}
	}

	rawURL = pathParam.ReplaceAllStringFunc(rawURL, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := args[name]
		if !ok {
			return m
		}
		delete(args, name)
		return url.PathEscape(fmt.Sprint(v))
	})

	headers, _ := args["headers"].(map[string]any)
	query, _ := args["query"].(map[string]any)
	body, hasBody := args["body"]
	delete(args, "headers")
	delete(args, "query")
	delete(args, "body")

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "rest: invalid url %q", rawURL).WithCause(err)
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, fmt.Sprint(v))
	}
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		for k, v := range args {
			q.Set(k, fmt.Sprint(v))
		}
	default:
		if !hasBody && len(args) > 0 {
			body, hasBody = args, true
		}
	}
	u.RawQuery = q.Encode()

	var bodyReader io.Reader
	if hasBody && body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeProcessorFault, "rest: failed to marshal body as JSON").WithCause(err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	timeout := f.config.DefaultTimeout
	if ts := stringParam(meta, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProcessorFault, "rest: failed to create request").WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, fmt.Sprint(v))
	}
	if auth, ok := meta["auth"].(map[string]any); ok {
		applyAuth(req, auth)
	}

	start := time.Now()
	resp, err := f.client(boolParam(meta, "tls_skip_verify", false)).Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "rest: %s %s timed out after %s", method, u.Redacted(), timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeProcessorFault, "rest: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProcessorFault, "rest: failed to read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var parsed any
	if len(bodyBytes) > 0 {
		parsed = string(bodyBytes)
		if strings.Contains(contentType, "json") {
			var v any
			if err := json.Unmarshal(bodyBytes, &v); err == nil {
				parsed = v
			}
		}
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      flattenHeaders(resp.Header),
		"body":         parsed,
		"content_type": contentType,
		"duration_ms":  durationMs,
	}

	if boolParam(meta, "fail_on_error_status", true) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeProcessorFault, "rest: %s %s returned %d", method, u.Redacted(), resp.StatusCode).
			WithDetails(result)
	}
	if boolParam(meta, "full_response", false) {
		return result, nil
	}
	return parsed, nil
}

func (f *RestFunction) client(skipVerify bool) *http.Client {
	if f.config.Client != nil && !skipVerify {
		return f.config.Client
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if skipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport}
}

func applyAuth(req *http.Request, auth map[string]any) {
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// Param helpers.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}
