package fullpage

import (
	"crypto/md5"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// KeyPrefix starts every full-page cache key.
const KeyPrefix = "output_"

// TagSuffixParam is the query parameter whose values are appended to the
// key, for pages that vary on it.
const TagSuffixParam = "pagecache_tag_suffix"

// Key returns KeyPrefix + md5(host + requestURI + suffix), where suffix is
// "_" + the joined tag suffixes (if any), then "xhr" for XMLHttpRequests,
// then the method.
func Key(host, requestURI string, tagSuffixes []string, xhr bool, method string) string {
	var suffix strings.Builder
	if len(tagSuffixes) > 0 {
		suffix.WriteString("_")
		suffix.WriteString(strings.Join(tagSuffixes, "_"))
	}
	if xhr {
		suffix.WriteString("xhr")
	}
	suffix.WriteString(method)

	sum := md5.Sum([]byte(host + requestURI + suffix.String()))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// RequestKey derives the device-agnostic key for r.
func RequestKey(r *http.Request) string {
	q := r.URL.Query()
	suffixes := q[TagSuffixParam]
	if len(suffixes) == 0 {
		suffixes = q[TagSuffixParam+"[]"]
	}
	return Key(hostname(r), requestURI(r), suffixes, isXHR(r), r.Method)
}

// LookupKeys returns the candidate keys in lookup order: device specific,
// then device agnostic.
func LookupKeys(key, device string) []string {
	if device == "" {
		return []string{key}
	}
	return []string{key + "_" + device, key}
}

// hostname is the request host without its port.
func hostname(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func requestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

func isXHR(r *http.Request) bool {
	return r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}
