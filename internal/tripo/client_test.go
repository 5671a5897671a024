package tripo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawing-mesh-pipeline/internal/config"
	"drawing-mesh-pipeline/internal/models"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		TripoBaseURL:            baseURL,
		TripoAPIKey:             "secret",
		TripoModelVersion:       "v2.5-20250123",
		TripoTexture:            true,
		TripoPBR:                true,
		TripoRequestTimeout:     2 * time.Second,
		ArtifactDownloadTimeout: 2 * time.Second,
		ArtifactMaxBytes:        1024,
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	return newTestClientWith(t, handler, nil)
}

func newTestClientWith(t *testing.T, handler http.Handler, mutate func(*config.Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := testConfig(srv.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg)
}

func TestUploadImage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload/sts", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		body, _ := io.ReadAll(file)
		assert.Equal(t, "pixels", string(body))
		assert.Equal(t, "drawing.jpg", header.Filename)
		_, _ = w.Write([]byte(`{"code":0,"data":{"image_token":"tok-1"}}`))
	}))

	token, err := c.UploadImage(context.Background(), []byte("pixels"))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
}

func TestUploadImageWithoutTokenIsNotAnError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":{}}`))
	}))

	token, err := c.UploadImage(context.Background(), []byte("pixels"))
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestEnvelopeErrorCode(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":2010,"message":"insufficient credit"}`))
	}))

	_, err := c.SubmitJob(context.Background(), "tok-1", "Spaceship")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUpstream))
	assert.Contains(t, err.Error(), "insufficient credit")
}

func TestSubmitJob(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/task", r.URL.Path)
		var req imageToModelRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "image_to_model", req.Type)
		assert.Equal(t, "tok-1", req.File.FileToken)
		assert.Equal(t, "jpg", req.File.Type)
		assert.True(t, req.PBR)
		_, _ = w.Write([]byte(`{"code":0,"data":{"task_id":"job-9"}}`))
	}))

	id, err := c.SubmitJob(context.Background(), "tok-1", "Spaceship")
	require.NoError(t, err)
	assert.Equal(t, "job-9", id)
}

func withBaseMeshes(cfg *config.Config) {
	cfg.TripoSpaceshipMeshID = "mesh-ship"
	cfg.TripoLocketMeshID = "mesh-locket"
	cfg.TripoCharacterMeshID = " "
}

func TestSubmitJobTexturesBaseMeshForKnownDesign(t *testing.T) {
	cases := []struct {
		label string
		mesh  string
	}{
		{"Spaceship", "mesh-ship"},
		{"Locket", "mesh-locket"},
		{"locket", "mesh-locket"},
	}
	for _, tc := range cases {
		t.Run(tc.label, func(t *testing.T) {
			c := newTestClientWith(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var raw map[string]any
				if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw)) {
					return
				}
				assert.Equal(t, "texture_model", raw["type"])
				assert.Equal(t, tc.mesh, raw["original_model_task_id"])
				assert.NotContains(t, raw, "file")
				prompt, _ := raw["texture_prompt"].(map[string]any)
				image, _ := prompt["image"].(map[string]any)
				assert.Equal(t, "tok-1", image["file_token"])
				assert.Equal(t, "jpg", image["type"])
				assert.Equal(t, true, raw["pbr"])
				_, _ = w.Write([]byte(`{"code":0,"data":{"task_id":"job-tex"}}`))
			}), withBaseMeshes)

			id, err := c.SubmitJob(context.Background(), "tok-1", tc.label)
			require.NoError(t, err)
			assert.Equal(t, "job-tex", id)
		})
	}
}

func TestSubmitJobFallsBackToImageToModel(t *testing.T) {
	// Single Character has only a blank id configured.
	for _, label := range []string{"Unknown", "Single Character", ""} {
		t.Run(label, func(t *testing.T) {
			c := newTestClientWith(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req imageToModelRequest
				if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
					return
				}
				assert.Equal(t, "image_to_model", req.Type)
				assert.Equal(t, "tok-1", req.File.FileToken)
				assert.Equal(t, "v2.5-20250123", req.ModelVersion)
				_, _ = w.Write([]byte(`{"code":0,"data":{"task_id":"job-gen"}}`))
			}), withBaseMeshes)

			id, err := c.SubmitJob(context.Background(), "tok-1", label)
			require.NoError(t, err)
			assert.Equal(t, "job-gen", id)
		})
	}
}

func TestBaseMesh(t *testing.T) {
	c := NewClient(config.Config{TripoCharacterMeshID: "mesh-char"})

	id, ok := c.BaseMesh("Single Character")
	assert.True(t, ok)
	assert.Equal(t, "mesh-char", id)

	_, ok = c.BaseMesh("Spaceship")
	assert.False(t, ok)
}

func TestJobStatusDecodesBothSections(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/job-9", r.URL.Path)
		_, _ = w.Write([]byte(`{"code":0,"data":{"task_id":"job-9","status":"success","progress":100,
			"result":{"pbr_model":{"type":"glb","url":"https://cdn/a.glb"}},
			"output":{"pbr_model":"https://cdn/b.glb"}}}`))
	}))

	job, err := c.JobStatus(context.Background(), "job-9")
	require.NoError(t, err)
	assert.Equal(t, models.JobSuccess, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "https://cdn/b.glb", job.Output["pbr_model"])
	assert.NotNil(t, job.Result["pbr_model"])
}

func TestJobStatusHTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))

	_, err := c.JobStatus(context.Background(), "job-9")
	assert.True(t, errors.Is(err, models.ErrUpstream))
}

func TestFetchArtifact(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		if r.URL.Path == "/big.glb" {
			_, _ = w.Write(make([]byte, 2048))
			return
		}
		_, _ = w.Write([]byte("glTF"))
	}))

	body, err := c.FetchArtifact(context.Background(), c.baseURL+"/a.glb")
	require.NoError(t, err)
	assert.Equal(t, "glTF", string(body))

	_, err = c.FetchArtifact(context.Background(), c.baseURL+"/big.glb")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUpstream))
	assert.Contains(t, err.Error(), "larger than 1024 bytes")
}
