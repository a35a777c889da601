// Command probe checks a running relay from the outside: health, webhook
// ingress and, given a token, the dashboard socket and notification API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"gitlab.com/voxline/services/backend/internal/models"
)

const (
	readTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

type check struct {
	name string
	run  func(ctx context.Context) error
}

type prober struct {
	base    string
	token   string
	account string
	client  *http.Client
}

func main() {
	base := flag.String("base", "http://localhost:8080", "relay base URL")
	token := flag.String("token", os.Getenv("VOXLINE_TOKEN"), "dashboard bearer token (enables /ws and /api checks)")
	account := flag.String("account", "", "account_id hint for the test webhook")
	flag.Parse()

	p := &prober{
		base:    strings.TrimRight(*base, "/"),
		token:   *token,
		account: *account,
		client:  &http.Client{},
	}

	failed := 0
	for _, c := range p.checks() {
		if err := p.run(c); err != nil {
			fmt.Printf("FAIL  %-28s %v\n", c.name, err)
			failed++
			continue
		}
		fmt.Printf("PASS  %s\n", c.name)
	}

	if failed > 0 {
		fmt.Printf("%d check(s) failed\n", failed)
		os.Exit(1)
	}
}

func (p *prober) checks() []check {
	checks := []check{
		{"GET /health", p.health},
		{"POST /webhooks/voice", p.voiceWebhook},
		{"POST /webhooks/generic (bad)", p.malformedWebhook},
	}
	if p.token != "" {
		checks = append(checks,
			check{"GET /ws", p.socket},
			check{"POST /api/notifications", p.notification},
		)
	}
	return checks
}

func (p *prober) run(c check) error {
	timeout := writeTimeout
	if strings.HasPrefix(c.name, "GET") {
		timeout = readTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.run(ctx)
}

func (p *prober) health(ctx context.Context) error {
	return p.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK)
}

func (p *prober) voiceWebhook(ctx context.Context) error {
	form := url.Values{}
	form.Set("CallSid", fmt.Sprintf("CAprobe%d", time.Now().Unix()))
	form.Set("CallStatus", "ringing")
	form.Set("Direction", "inbound")

	path := "/webhooks/voice"
	if p.account != "" {
		path += "?account_id=" + url.QueryEscape(p.account)
	}
	return p.expect(ctx, http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), http.StatusOK)
}

func (p *prober) malformedWebhook(ctx context.Context) error {
	return p.expect(ctx, http.MethodPost, "/webhooks/generic", "application/json", strings.NewReader(`{"call_id":`), http.StatusOK)
}

func (p *prober) notification(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"type":    string(models.NotificationInfo),
		"title":   "Probe",
		"message": "Relay probe notification",
	})
	return p.expect(ctx, http.MethodPost, "/api/notifications", "application/json", bytes.NewReader(body), http.StatusAccepted)
}

func (p *prober) socket(ctx context.Context) error {
	wsURL := "ws" + strings.TrimPrefix(p.base, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("handshake returned %d", resp.StatusCode)
		}
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	var msg models.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("no subscribed message: %w", err)
	}
	if msg.Type != models.MsgSubscribed {
		return fmt.Errorf("expected %q, got %q", models.MsgSubscribed, msg.Type)
	}
	return nil
}

func (p *prober) expect(ctx context.Context, method, path, contentType string, body io.Reader, want int) error {
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != want {
		return fmt.Errorf("status %d, want %d", resp.StatusCode, want)
	}
	return nil
}
