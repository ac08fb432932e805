// Command livetail follows topics and prints the reconciled view whenever it
// changes. Lines read from stdin are posted to the first topic.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/client"
	"github.com/prudhvinik1/livesync/internal/logger"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/reconcile"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "service base URL")
	token := flag.String("token", os.Getenv("LIVESYNC_TOKEN"), "bearer token")
	topics := flag.String("topics", models.TopicFeed, "comma separated topics to follow")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	zl, err := logger.New(level, true)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	changed := make(chan string, 64)
	c, err := client.Dial(ctx, client.Config{
		BaseURL: *baseURL,
		Token:   *token,
		Logger:  zl,
		OnChange: func(topic string) {
			select {
			case changed <- topic:
			default:
			}
		},
		OnFailed: func(e reconcile.Entry) {
			fmt.Fprintf(os.Stderr, "write %s failed on %s\n", e.CorrelationID, e.Topic)
		},
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	var names []string
	for _, topic := range strings.Split(*topics, ",") {
		topic = strings.TrimSpace(topic)
		if err := c.Subscribe(ctx, topic); err != nil {
			zl.Fatal("subscribe_failed", zap.String("topic", topic), zap.Error(err))
		}
		names = append(names, topic)
		printView(topic, c.View(topic))
	}

	go post(ctx, c, names[0], zl)

	for {
		select {
		case <-ctx.Done():
			return
		case topic := <-changed:
			printView(topic, c.View(topic))
		}
	}
}

// post sends every stdin line as {"text": line} to the table behind topic.
func post(ctx context.Context, c *client.Client, topic string, zl *zap.Logger) {
	table, ok := models.TableForTopic(topic)
	if !ok {
		return
	}
	var scope string
	if _, rest, found := strings.Cut(topic, ":"); found {
		scope = rest
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		payload, _ := json.Marshal(map[string]string{"text": scanner.Text()})
		if _, err := c.Post(ctx, table, scope, payload); err != nil {
			zl.Warn("post_failed", zap.Error(err))
		}
	}
}

func printView(topic string, entries []reconcile.Entry) {
	fmt.Printf("== %s (%d)\n", topic, len(entries))
	for _, e := range entries {
		fmt.Printf("  %-9s %s %s %s\n", e.State, e.CreatedAt.Format("15:04:05"), e.ID, e.Payload)
	}
}
