package requestkey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = " "

// Get returns the key under which the response to the given request is stored.
// The key is the request method followed by the full (absolute) request URL.
// Fragments never reach the network, so they are not part of the key.
func Get(r *http.Request) string {
	return ForURL(r.Method, r.URL)
}

// ForURL returns the key for a request with the given method and URL.
func ForURL(method string, u *url.URL) string {
	if u == nil {
		return strings.ToUpper(method) + methodSeparator
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return strings.ToUpper(method) + methodSeparator + clean.String()
}

// RequestFromKey creates a request equal (cache-wise) to the one that resulted in the key.
func RequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || uri == "" {
		return nil, fmt.Errorf("%w: %q", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, uri, nil)
}
