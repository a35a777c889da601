package webhook

import (
	"mime"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// SignatureVerifier authenticates provider callbacks.
type SignatureVerifier interface {
	Verify(r *http.Request, p *Payload) bool
}

// TwilioVerifier checks the X-Twilio-Signature header.
type TwilioVerifier struct {
	validator client.RequestValidator
	// baseURL is the public origin Twilio was configured with. When empty
	// it is rebuilt from the request and X-Forwarded-Proto.
	baseURL string
}

func NewTwilioVerifier(authToken, baseURL string) *TwilioVerifier {
	return &TwilioVerifier{
		validator: client.NewRequestValidator(authToken),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

func (v *TwilioVerifier) Verify(r *http.Request, p *Payload) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}

	url := v.requestURL(r)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return v.validator.ValidateBody(url, p.Raw, signature)
	}
	return v.validator.Validate(url, p.Params(), signature)
}

func (v *TwilioVerifier) requestURL(r *http.Request) string {
	base := v.baseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}
