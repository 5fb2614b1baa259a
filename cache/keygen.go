package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyFor builds a stable cache key from path + sorted params.
// Values are query-escaped so ParseKey can recover them.
func KeyFor(path string, params map[string]string) string {
	var parts []string
	for k, v := range params {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}
	sort.Strings(parts)

	if len(parts) > 0 {
		return fmt.Sprintf("%s?%s", path, strings.Join(parts, "&"))
	}
	return path
}

// ParseKey splits a key produced by KeyFor back into path and params
func ParseKey(key string) (string, map[string]string, error) {
	path, raw, _ := strings.Cut(key, "?")
	params := map[string]string{}
	if raw == "" {
		return path, params, nil
	}

	values, err := url.ParseQuery(raw)
	if err != nil {
		return path, nil, fmt.Errorf("parse cache key %q: %w", key, err)
	}
	for k := range values {
		params[k] = values.Get(k)
	}
	return path, params, nil
}
