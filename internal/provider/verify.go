package provider

import (
	"net/http"
	"net/url"
	"strings"

	twclient "github.com/twilio/twilio-go/client"
)

// forwardedHostHeaders are checked in order when reconstructing the public
// host from a proxied request.
var forwardedHostHeaders = []string{
	"X-Forwarded-Host",
	"X-Original-Host",
	"Ngrok-Forwarded-Host",
}

// Verifier checks carrier webhook signatures. The carrier signs the URL it
// posted to plus the sorted form parameters with HMAC-SHA1 of the account
// auth token; when this process sits behind a reverse proxy or tunnel the
// URL must be reconstructed from forwarding headers (or an explicit public
// URL override) before the signature can match.
type Verifier struct {
	validator twclient.RequestValidator

	// PublicURL, when set, overrides header-based reconstruction: its
	// origin is combined with the request's path and query.
	PublicURL string
}

// NewVerifier creates a Verifier for the given account auth token.
func NewVerifier(authToken string) *Verifier {
	return &Verifier{validator: twclient.NewRequestValidator(authToken)}
}

// Verify checks the X-Twilio-Signature header on a webhook request whose
// form body has already been read into body.
func (v *Verifier) Verify(r *http.Request, body []byte) VerifyResult {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return VerifyResult{Reason: "missing X-Twilio-Signature header"}
	}

	reqURL, err := v.reconstructURL(r)
	if err != nil {
		return VerifyResult{Reason: "reconstructing request url: " + err.Error()}
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return VerifyResult{URL: reqURL, Reason: "parsing form body: " + err.Error()}
	}
	params := make(map[string]string, len(values))
	for key := range values {
		params[key] = values.Get(key)
	}

	if v.validator.Validate(reqURL, params, signature) {
		return VerifyResult{OK: true, URL: reqURL}
	}

	res := VerifyResult{URL: reqURL, Reason: "signature mismatch"}
	host := hostOf(reqURL)
	if strings.HasSuffix(host, ".ngrok-free.app") || strings.HasSuffix(host, ".ngrok.io") {
		res.NgrokFreeTier = true
	}
	return res
}

// reconstructURL rebuilds the URL the carrier signed. An explicit public
// URL override wins; otherwise the scheme and host come from forwarding
// headers, falling back to the request's own Host. Any port is stripped
// from the reconstructed host.
func (v *Verifier) reconstructURL(r *http.Request) (string, error) {
	pathAndQuery := r.URL.Path
	if r.URL.RawQuery != "" {
		pathAndQuery += "?" + r.URL.RawQuery
	}

	if v.PublicURL != "" {
		base, err := url.Parse(v.PublicURL)
		if err != nil {
			return "", err
		}
		return base.Scheme + "://" + stripPort(base.Host) + pathAndQuery, nil
	}

	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
	}

	host := ""
	for _, h := range forwardedHostHeaders {
		if val := r.Header.Get(h); val != "" {
			host = val
			break
		}
	}
	if host == "" {
		host = r.Host
	}

	return scheme + "://" + stripPort(host) + pathAndQuery, nil
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		// Keep IPv6 literals like [::1] intact; strip trailing :port.
		if !strings.HasPrefix(host, "[") || strings.HasSuffix(host[:i], "]") {
			return host[:i]
		}
	}
	return host
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
