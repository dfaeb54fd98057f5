// Package querystate keeps the selected model in the page URL so a reload or
// a shared link restores it.
package querystate

import (
	"net/url"

	"github.com/pkg/errors"
)

const ModelKey = "model"

// WithModel returns rawURL with its model query parameter set to model. Other
// parameters and the fragment are preserved. An empty model removes the key.
func WithModel(rawURL, model string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "parse location")
	}
	q := u.Query()
	if model == "" {
		q.Del(ModelKey)
	} else {
		q.Set(ModelKey, model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ModelFrom returns the model query parameter of rawURL, or "".
func ModelFrom(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get(ModelKey)
}

// Select picks the model to show: the requested one when it is available,
// otherwise the first available model. ok is false when nothing is available.
func Select(requested string, available []string) (model string, ok bool) {
	if len(available) == 0 {
		return "", false
	}
	for _, m := range available {
		if m == requested && requested != "" {
			return m, true
		}
	}
	return available[0], true
}
