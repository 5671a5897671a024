// Package consumer drains the delivery queue of a running API over HTTP and
// appends every finished mesh to a JSON-lines manifest. It stands in for the
// renderer that displays the meshes.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"drawing-mesh-pipeline/internal/config"
	"drawing-mesh-pipeline/internal/models"
)

// Consumer polls GET /queue/pull until the queue is empty, then sleeps.
type Consumer struct {
	baseURL    string
	interval   time.Duration
	manifest   string
	httpClient *http.Client
	logger     *slog.Logger
	mu         sync.Mutex
}

type pullResponse struct {
	HasData bool                 `json:"has_data"`
	Data    *models.DeliveryItem `json:"data"`
}

func New(cfg config.Config, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.ConsumerPollInterval
	if interval == 0 {
		interval = 2 * time.Second
	}
	return &Consumer{
		baseURL:    strings.TrimRight(cfg.ConsumerAPIURL, "/"),
		interval:   interval,
		manifest:   cfg.ConsumerManifest,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Run drains the queue on every tick until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.Drain(ctx); err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "drain delivery queue", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain pulls items until the queue reports no data and returns how many
// were recorded.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		item, ok, err := c.Pull(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		if err := c.record(item); err != nil {
			return n, err
		}
		n++
		c.logger.InfoContext(ctx, "mesh delivered",
			"task_id", item.TaskID,
			"label", item.Label,
			"child_name", item.ChildName,
			"artifact", item.Artifact)
	}
}

// Pull takes one item off the queue.
func (c *Consumer) Pull(ctx context.Context) (models.DeliveryItem, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue/pull", nil)
	if err != nil {
		return models.DeliveryItem{}, false, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.DeliveryItem{}, false, fmt.Errorf("pull: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.DeliveryItem{}, false, fmt.Errorf("pull: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.DeliveryItem{}, false, fmt.Errorf("decode pull response: %w", err)
	}
	if !out.HasData || out.Data == nil {
		return models.DeliveryItem{}, false, nil
	}
	return *out.Data, true, nil
}

func (c *Consumer) record(item models.DeliveryItem) error {
	if c.manifest == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.manifest), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	f, err := os.OpenFile(c.manifest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
