package githubapi

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// ResourceKind describes the shape of the resource a request targets.
type ResourceKind string

const (
	// ResourceObject is a single JSON object, like one repository.
	ResourceObject ResourceKind = "object"
	// ResourceCollection is a paginated JSON array, like a repository's issues.
	ResourceCollection ResourceKind = "collection"
	// ResourceNone is a request whose response carries no payload of interest.
	ResourceNone ResourceKind = "none"
)

var allowedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// RequestDescriptor describes one logical GitHub API request. It is immutable
// once built and is re-sent unchanged on every retry attempt.
type RequestDescriptor struct {
	method string
	path   string
	query  url.Values
	body   []byte
	kind   ResourceKind

	// absoluteURL overrides path and query; set only for pagination "next" links.
	absoluteURL string
}

// NewRequestDescriptor builds a descriptor. The body, when non-nil, is JSON-encoded
// once here so every attempt sends identical bytes.
func NewRequestDescriptor(method, path string, query url.Values, body any, kind ResourceKind) (RequestDescriptor, error) {
	normalizedMethod := strings.ToUpper(strings.TrimSpace(method))
	if !slices.Contains(allowedMethods, normalizedMethod) {
		return RequestDescriptor{}, invalidRequestf("unsupported method %q", method)
	}

	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return RequestDescriptor{}, invalidRequestf("path is required")
	}
	if strings.Contains(trimmedPath, "://") {
		return RequestDescriptor{}, invalidRequestf("path must be relative to the api base url")
	}
	if strings.ContainsAny(trimmedPath, "?#") {
		return RequestDescriptor{}, invalidRequestf("path must not carry a query or fragment; use query parameters")
	}
	if !strings.HasPrefix(trimmedPath, "/") {
		trimmedPath = "/" + trimmedPath
	}

	if kind == "" {
		kind = ResourceObject
	}

	var encoded []byte
	if body != nil {
		switch typed := body.(type) {
		case json.RawMessage:
			encoded = slices.Clone(typed)
		default:
			raw, err := json.Marshal(body)
			if err != nil {
				return RequestDescriptor{}, fmt.Errorf("encode request body: %w", err)
			}
			encoded = raw
		}
	}

	return RequestDescriptor{
		method: normalizedMethod,
		path:   trimmedPath,
		query:  cloneValues(query),
		body:   encoded,
		kind:   kind,
	}, nil
}

// Method returns the HTTP method.
func (d RequestDescriptor) Method() string { return d.method }

// Path returns the API path relative to the base URL.
func (d RequestDescriptor) Path() string { return d.path }

// Query returns a copy of the query parameters.
func (d RequestDescriptor) Query() url.Values { return cloneValues(d.query) }

// Body returns a copy of the encoded request body, or nil.
func (d RequestDescriptor) Body() []byte { return slices.Clone(d.body) }

// Kind returns the targeted resource kind.
func (d RequestDescriptor) Kind() ResourceKind { return d.kind }

// Endpoint is the path used in errors, logs and metrics. It never includes
// query strings, which can carry cursors or filters.
func (d RequestDescriptor) Endpoint() string {
	if d.absoluteURL != "" {
		parsed, err := url.Parse(d.absoluteURL)
		if err == nil {
			return parsed.EscapedPath()
		}
	}
	return d.path
}

// withQueryDefault returns a copy with key set to value unless the caller already set it.
func (d RequestDescriptor) withQueryDefault(key, value string) RequestDescriptor {
	if d.query.Get(key) != "" {
		return d
	}
	next := d
	next.query = cloneValues(d.query)
	next.query.Set(key, value)
	return next
}

// followURL returns a GET descriptor for a pagination link, used verbatim.
func (d RequestDescriptor) followURL(rawURL string) RequestDescriptor {
	return RequestDescriptor{
		method:      http.MethodGet,
		path:        d.path,
		kind:        d.kind,
		absoluteURL: rawURL,
	}
}

func cloneValues(values url.Values) url.Values {
	if values == nil {
		return url.Values{}
	}
	cloned := make(url.Values, len(values))
	for key, list := range maps.All(values) {
		cloned[key] = slices.Clone(list)
	}
	return cloned
}
