package webhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"gitlab.com/voxline/services/backend/internal/calls"
	"gitlab.com/voxline/services/backend/internal/models"
)

var (
	ErrUnknownPayload   = errors.New("unrecognized webhook payload")
	ErrMissingField     = errors.New("missing required field")
	ErrUnknownStatus    = errors.New("unknown call status")
	ErrUnsupportedEvent = errors.New("unsupported provider event")
)

// Inbound is one received webhook as handed to the pipeline.
type Inbound struct {
	Provider string
	Payload  *Payload
	// AccountHint is the account_id query parameter of the webhook URL.
	AccountHint string
	ReceivedAt  time.Time
}

// providerPayload is the closed set of payload shapes the normalizer
// understands. Each variant extracts the same raw fields.
type providerPayload interface {
	provider() string
	fields() (rawCall, error)
}

type rawCall struct {
	callID    string
	status    string
	direction string
	timestamp string
	accountID string
	from      string
	to        string

	// providerAccount is the provider's own account id (Twilio AccountSid).
	providerAccount string
}

// twilioPayload is a Twilio voice or status callback (form fields, or the
// same keys in JSON).
type twilioPayload struct{ p *Payload }

func (twilioPayload) provider() string { return "twilio" }

func (t twilioPayload) fields() (rawCall, error) {
	return rawCall{
		callID:          t.p.Get("CallSid"),
		status:          t.p.Get("CallStatus"),
		direction:       t.p.Get("Direction"),
		timestamp:       t.p.Get("Timestamp"),
		accountID:       t.p.First("account_id", "AccountId"),
		providerAccount: t.p.Get("AccountSid"),
		from:            t.p.Get("From"),
		to:              t.p.Get("To"),
	}, nil
}

// vapiPayload is a voice-agent platform server message:
// {"message":{"type":"status-update","status":"ringing","call":{...}}}.
type vapiPayload struct{ doc map[string]interface{} }

func (vapiPayload) provider() string { return "vapi" }

func (v vapiPayload) fields() (rawCall, error) {
	msgType := lookupString(v.doc, "message", "type")

	rc := rawCall{
		callID:    lookupString(v.doc, "message", "call", "id"),
		direction: lookupString(v.doc, "message", "call", "type"),
		timestamp: lookupString(v.doc, "message", "timestamp"),
		accountID: lookupString(v.doc, "message", "call", "metadata", "account_id"),
	}

	switch msgType {
	case "status-update":
		rc.status = lookupString(v.doc, "message", "status")
	case "end-of-call-report":
		rc.status = string(models.StatusCompleted)
	default:
		return rawCall{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, msgType)
	}

	ours := lookupString(v.doc, "message", "call", "phoneNumber", "number")
	theirs := lookupString(v.doc, "message", "call", "customer", "number")
	if strings.HasPrefix(strings.ToLower(rc.direction), "outbound") {
		rc.from, rc.to = ours, theirs
	} else {
		rc.from, rc.to = theirs, ours
	}
	return rc, nil
}

// genericPayload is the flat JSON shape used by internal tooling and
// smaller providers.
type genericPayload struct{ p *Payload }

func (genericPayload) provider() string { return "generic" }

func (g genericPayload) fields() (rawCall, error) {
	return rawCall{
		callID:    g.p.First("call_id", "callId", "external_call_id"),
		status:    g.p.First("status", "call_status"),
		direction: g.p.Get("direction"),
		timestamp: g.p.First("timestamp", "occurred_at"),
		accountID: g.p.First("account_id", "accountId"),
		from:      g.p.Get("from"),
		to:        g.p.Get("to"),
	}, nil
}

// detect selects the payload variant from its shape.
func detect(p *Payload) (providerPayload, error) {
	if p.Empty() {
		return nil, ErrUnknownPayload
	}
	if p.Get("CallSid") != "" || p.Get("CallStatus") != "" {
		return twilioPayload{p}, nil
	}
	if p.Document != nil {
		if _, ok := lookup(p.Document, "message", "type"); ok {
			return vapiPayload{p.Document}, nil
		}
	}
	if p.First("call_id", "callId", "external_call_id", "status") != "" {
		return genericPayload{p}, nil
	}
	return nil, ErrUnknownPayload
}

// Normalizer converts provider payloads into CallEvents.
type Normalizer struct {
	resolver calls.Resolver
	now      func() time.Time
}

// NewNormalizer creates a normalizer. resolver may be nil, in which case
// the account must come from the URL or the payload.
func NewNormalizer(resolver calls.Resolver) *Normalizer {
	return &Normalizer{
		resolver: resolver,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Normalize validates the payload and builds the CallEvent.
func (n *Normalizer) Normalize(ctx context.Context, in Inbound) (models.CallEvent, error) {
	variant, err := detect(in.Payload)
	if err != nil {
		return models.CallEvent{}, err
	}

	rc, err := variant.fields()
	if err != nil {
		return models.CallEvent{}, err
	}

	if rc.callID == "" {
		return models.CallEvent{}, fmt.Errorf("%w: call id", ErrMissingField)
	}
	if rc.status == "" {
		return models.CallEvent{}, fmt.Errorf("%w: status", ErrMissingField)
	}

	status, ok := models.ParseCallStatus(rc.status)
	if !ok {
		return models.CallEvent{}, fmt.Errorf("%w: %q", ErrUnknownStatus, rc.status)
	}

	// Twilio omits Direction on some voice URL requests; those are always
	// inbound legs.
	direction, ok := models.ParseCallDirection(rc.direction)
	if !ok {
		direction = models.DirectionInbound
	}

	evt := models.CallEvent{
		ID:             uuid.New(),
		ExternalCallID: rc.callID,
		Direction:      direction,
		Status:         status,
		Provider:       variant.provider(),
		From:           rc.from,
		To:             rc.to,
	}

	evt.Timestamp, ok = parseTimestamp(rc.timestamp)
	if !ok {
		evt.Timestamp = in.ReceivedAt
		if evt.Timestamp.IsZero() {
			evt.Timestamp = n.now()
		}
	}

	evt.AccountID, err = n.resolveAccount(ctx, in.AccountHint, variant.provider(), rc, direction)
	if err != nil {
		return models.CallEvent{}, err
	}

	return evt, nil
}

// resolveAccount tries the URL hint, the payload's account id, the
// provider account and finally the tenant's phone number.
func (n *Normalizer) resolveAccount(ctx context.Context, hint, provider string, rc rawCall, direction models.CallDirection) (string, error) {
	if hint = strings.TrimSpace(hint); hint != "" {
		return hint, nil
	}
	if rc.accountID != "" {
		return rc.accountID, nil
	}

	if par, ok := n.resolver.(calls.ProviderAccountResolver); ok && rc.providerAccount != "" {
		accountID, err := par.ResolveProviderAccount(ctx, provider, rc.providerAccount)
		if err == nil {
			return accountID, nil
		}
		log.WithError(err).WithField("provider_account", rc.providerAccount).Debug("Provider account not mapped, trying number")
	}

	number := rc.to
	if direction == models.DirectionOutbound {
		number = rc.from
	}
	if n.resolver == nil || number == "" {
		return "", fmt.Errorf("%w: account", ErrMissingField)
	}

	accountID, err := n.resolver.ResolveAccount(ctx, number)
	if err != nil {
		return "", fmt.Errorf("%w: account (number %s: %v)", ErrMissingField, number, err)
	}
	return accountID, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC3339, RFC1123(Z) and unix seconds or
// milliseconds.
func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
