// Command dashboard is a headless dashboard: it keeps a connection to the
// relay, prints incoming notifications and keeps them in a local file.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"gitlab.com/voxline/services/backend/internal/logger"
	"gitlab.com/voxline/services/backend/internal/models"
	"gitlab.com/voxline/services/backend/pkg/client"
)

var log = logger.For("Dashboard")

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	token := flag.String("token", os.Getenv("VOXLINE_TOKEN"), "bearer token")
	events := flag.String("events", "", "comma separated event types (default all)")
	store := flag.String("store", defaultStorePath(), "notification file")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger.Setup(*level, "text")

	if *token == "" {
		log.Fatal("A token is required (-token or VOXLINE_TOKEN)")
	}

	var eventTypes []string
	for _, e := range strings.Split(*events, ",") {
		if e = strings.TrimSpace(e); e != "" {
			eventTypes = append(eventTypes, e)
		}
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	session := client.NewSession(client.SessionOptions{
		Connection: client.Options{
			URL:        *url,
			Token:      *token,
			EventTypes: eventTypes,
			OnStateChange: func(s client.State) {
				log.Infof("Connection %s", s)
				if s == client.StateFailed {
					log.Error("Relay unreachable, giving up")
					stop()
				}
			},
		},
		Store: client.StoreOptions{
			Persister: client.NewFilePersister(*store),
		},
		OnNotification: printNotification,
		OnAuthFailure: func() {
			log.Error("Token rejected, log in again")
			stop()
		},
	})

	for _, rec := range session.Notifications().List() {
		printNotification(rec)
	}

	go session.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	session.Close()
}

func printNotification(rec models.NotificationRecord) {
	marker := " "
	if rec.Read {
		marker = "✓"
	}
	fmt.Printf("%s %s [%-7s] %s: %s\n", marker, rec.Timestamp.Local().Format("15:04:05"), rec.Type, rec.Title, rec.Message)
}

func defaultStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "voxline", "notifications.json")
}
