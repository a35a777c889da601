package webhook

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

const twimlEmpty = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Handler acknowledges provider callbacks and hands them to the pipeline.
// It always answers 200, whatever happens to the event.
type Handler struct {
	pipeline        *Pipeline
	verifier        SignatureVerifier
	defaultProvider string
}

// NewHandler creates the webhook handler. verifier may be nil.
func NewHandler(pipeline *Pipeline, verifier SignatureVerifier) *Handler {
	return &Handler{
		pipeline:        pipeline,
		verifier:        verifier,
		defaultProvider: "twilio",
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(mux.Vars(r)["provider"])
	if provider == "" {
		provider = h.defaultProvider
	}

	p, ok := PayloadFrom(r.Context())
	if !ok {
		// Mounted without BodyMiddleware.
		raw, err := readBody(r.Body, 0)
		if err != nil {
			p = &Payload{Err: err}
		} else {
			p = ParseBody(r.Header.Get("Content-Type"), raw)
		}
	}

	defer respond(w, provider)

	if provider == "twilio" && h.verifier != nil && !h.verifier.Verify(r, p) {
		log.WithField("url", r.URL.Path).Warn("Invalid Twilio signature, event dropped")
		return
	}

	h.pipeline.Submit(Inbound{
		Provider:    provider,
		Payload:     p,
		AccountHint: r.URL.Query().Get("account_id"),
		ReceivedAt:  time.Now().UTC(),
	})
}

func respond(w http.ResponseWriter, provider string) {
	if provider == "twilio" {
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(twimlEmpty))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"received":true}`))
}
