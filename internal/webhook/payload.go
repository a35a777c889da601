package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrBodyTooLarge       = errors.New("webhook body exceeds limit")
	ErrUnsupportedContent = errors.New("unsupported webhook content type")
)

// Payload is a parsed webhook body. Values holds form fields, or the
// top-level scalar fields of a JSON object; Document holds the full JSON
// object when the body was JSON.
type Payload struct {
	ContentType string
	Raw         []byte
	Values      url.Values
	Document    map[string]interface{}
	// Err is set when the body could not be parsed. The payload is then
	// empty and processing continues.
	Err error
}

// Empty reports whether no fields were parsed.
func (p *Payload) Empty() bool {
	return p == nil || (len(p.Values) == 0 && len(p.Document) == 0)
}

// Get returns the first value for key.
func (p *Payload) Get(key string) string {
	if p == nil || p.Values == nil {
		return ""
	}
	return strings.TrimSpace(p.Values.Get(key))
}

// First returns the first non-empty value among keys.
func (p *Payload) First(keys ...string) string {
	for _, k := range keys {
		if v := p.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// Params flattens Values to the single-valued map signature checks expect.
func (p *Payload) Params() map[string]string {
	params := make(map[string]string, len(p.Values))
	for k, v := range p.Values {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

type payloadKey struct{}

// WithPayload stores an already parsed payload on ctx. Ingress skips
// parsing when one is present.
func WithPayload(ctx context.Context, p *Payload) context.Context {
	return context.WithValue(ctx, payloadKey{}, p)
}

// PayloadFrom returns the payload stored on ctx.
func PayloadFrom(ctx context.Context) (*Payload, bool) {
	p, ok := ctx.Value(payloadKey{}).(*Payload)
	return p, ok && p != nil
}

// ParseBody decodes raw according to contentType. It never returns a nil
// payload; on failure the payload is empty and Err is set.
func ParseBody(contentType string, raw []byte) *Payload {
	p := &Payload{ContentType: contentType, Raw: raw, Values: url.Values{}}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return p
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		p.Err = p.parseJSON(trimmed)
	case mediaType == "application/x-www-form-urlencoded":
		p.Err = p.parseForm(trimmed)
	case mediaType == "" || mediaType == "text/plain":
		// Some providers omit the header; sniff the shape.
		if trimmed[0] == '{' {
			p.Err = p.parseJSON(trimmed)
		} else {
			p.Err = p.parseForm(trimmed)
		}
	default:
		p.Err = fmt.Errorf("%w: %s", ErrUnsupportedContent, mediaType)
	}

	if p.Err != nil {
		p.Values = url.Values{}
		p.Document = nil
	}
	return p
}

func (p *Payload) parseJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("invalid JSON body: not an object")
	}

	p.Document = doc
	for k, v := range doc {
		if s, ok := scalarString(v); ok {
			p.Values.Set(k, s)
		}
	}
	return nil
}

func (p *Payload) parseForm(raw []byte) error {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return fmt.Errorf("invalid form body: %w", err)
	}
	p.Values = values
	return nil
}

func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

// lookup walks nested JSON objects, e.g. lookup(doc, "message", "call", "id").
func lookup(doc map[string]interface{}, path ...string) (interface{}, bool) {
	var cur interface{} = doc
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(doc map[string]interface{}, path ...string) string {
	v, ok := lookup(doc, path...)
	if !ok {
		return ""
	}
	s, _ := scalarString(v)
	return strings.TrimSpace(s)
}
