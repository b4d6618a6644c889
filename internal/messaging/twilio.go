package messaging

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// VerifyTwilioSignature checks the X-Twilio-Signature header against the
// request body. The provider signs the URL it posted to, not the one the
// backend sees behind the load balancer, so the public URL is rebuilt from
// the forwarding headers before computing the expected signature.
func VerifyTwilioSignature(r *http.Request, authToken string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || authToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	expected := computeTwilioSignature(authToken, publicRequestURL(r), r.PostForm)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// publicRequestURL reconstructs the externally visible URL for the request.
func publicRequestURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// computeTwilioSignature implements the provider's scheme: HMAC-SHA1 over
// the URL concatenated with the alphabetically sorted POST parameters,
// base64 encoded.
func computeTwilioSignature(authToken, requestURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(requestURL)
	for _, k := range keys {
		for _, v := range form[k] {
			payload.WriteString(k)
			payload.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
