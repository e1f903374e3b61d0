package ratelimit

import (
	"net/http"
)

// Transport consults the policy around every outbound store API request.
// A throttled bucket fails fast with a ThrottledError instead of calling out.
type Transport struct {
	Provider string
	Policy   *AdaptivePolicy
	Base     http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Policy == nil {
		return base.RoundTrip(req)
	}
	key := Key{Provider: t.Provider, Host: req.URL.Host}
	if err := t.Policy.BeforeCall(req.Context(), key); err != nil {
		return nil, err
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if afterErr := t.Policy.AfterCall(req.Context(), key, resp.StatusCode, resp.Header); afterErr != nil {
		_ = resp.Body.Close()
		return nil, afterErr
	}
	return resp, nil
}

// WrapClient returns a copy of client whose transport is throttled per
// provider. A nil client wraps http.DefaultTransport.
func WrapClient(client *http.Client, provider string, policy *AdaptivePolicy) *http.Client {
	wrapped := &http.Client{}
	if client != nil {
		*wrapped = *client
	}
	wrapped.Transport = &Transport{
		Provider: provider,
		Policy:   policy,
		Base:     wrapped.Transport,
	}
	return wrapped
}
