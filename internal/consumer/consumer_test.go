package consumer

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawing-mesh-pipeline/internal/api"
	"drawing-mesh-pipeline/internal/config"
	"drawing-mesh-pipeline/internal/logger"
	"drawing-mesh-pipeline/internal/models"
	"drawing-mesh-pipeline/internal/queue"
	"drawing-mesh-pipeline/internal/registry"
)

func TestDrainWritesManifestInOrder(t *testing.T) {
	ctx := context.Background()
	delivery := queue.NewMemoryQueue()
	srv := httptest.NewServer(api.New(api.Deps{
		Tasks:    registry.New(nil),
		Delivery: delivery,
		Logger:   logger.Discard(),
	}).Router())
	defer srv.Close()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, delivery.Push(ctx, models.DeliveryItem{TaskID: id, Label: "Spaceship", CompletedAt: time.Unix(0, 0).UTC()}))
	}

	manifest := filepath.Join(t.TempDir(), "out", "deliveries.jsonl")
	c := New(config.Config{ConsumerAPIURL: srv.URL + "/", ConsumerManifest: manifest}, logger.Discard())

	n, err := c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, _ := delivery.Len(ctx)
	assert.Equal(t, 0, left)

	f, err := os.Open(manifest)
	require.NoError(t, err)
	defer f.Close()
	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var item models.DeliveryItem
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &item))
		ids = append(ids, item.TaskID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	n, err = c.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPullReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(config.Config{ConsumerAPIURL: srv.URL}, logger.Discard())
	_, _, err := c.Pull(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
