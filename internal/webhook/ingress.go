package webhook

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"gitlab.com/voxline/services/backend/internal/logger"
)

var log = logger.For("Webhook")

const readChunkSize = 4 << 10

// BodyMiddleware makes sure a parsed Payload is on the request context.
//
// A payload already placed by an upstream parser, or a urlencoded form
// already parsed into r.PostForm, is reused as is. Otherwise the body is
// read chunk by chunk until EOF and parsed. A body that cannot be read or parsed never
// fails the request: the handler sees an empty payload with Err set.
func BodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := PayloadFrom(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}

			var p *Payload
			if parsedForm(r) {
				p = &Payload{
					ContentType: r.Header.Get("Content-Type"),
					Values:      cloneValues(r.PostForm),
				}
			} else {
				raw, err := readBody(r.Body, maxBytes)
				if err != nil {
					p = &Payload{ContentType: r.Header.Get("Content-Type"), Raw: raw, Values: url.Values{}, Err: err}
				} else {
					p = ParseBody(r.Header.Get("Content-Type"), raw)
				}
			}

			if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
				log.WithFields(logrus.Fields{
					"method":  r.Method,
					"url":     r.URL.String(),
					"headers": r.Header,
					"body":    string(p.Raw),
				}).Debug("Webhook received")
			}

			if p.Err != nil {
				log.WithError(p.Err).WithField("url", r.URL.Path).Warn("Webhook body not parsed, continuing with empty payload")
			}

			next.ServeHTTP(w, r.WithContext(WithPayload(r.Context(), p)))
		})
	}
}

// parsedForm reports whether r's form body was already consumed by
// ParseForm. ParseForm leaves an empty PostForm for other media types
// without touching the body.
func parsedForm(r *http.Request) bool {
	if r.PostForm == nil {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}

// readBody accumulates chunks until EOF. It returns what it read so far
// together with any error.
func readBody(body io.Reader, maxBytes int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}

	var (
		buf   []byte
		chunk = make([]byte, readChunkSize)
	)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			if maxBytes > 0 && int64(len(buf)+n) > maxBytes {
				return buf, ErrBodyTooLarge
			}
			buf = append(buf, chunk[:n]...)
		}
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
