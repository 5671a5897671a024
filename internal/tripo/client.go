// Package tripo talks to the Tripo3D mesh generation API: image upload,
// job submission (image_to_model, or texture_model onto a base mesh), job
// status and artifact download.
package tripo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"drawing-mesh-pipeline/internal/config"
	"drawing-mesh-pipeline/internal/models"
)

// Client is a thin JSON client for the generation service.
type Client struct {
	baseURL      string
	apiKey       string
	modelVersion string
	texture      bool
	pbr          bool
	fileType     string
	maxArtifact  int64
	baseMeshes   map[string]string
	httpClient   *http.Client
	downloader   *http.Client
}

// envelope wraps every response from the service; code 0 means success.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewClient constructs a client from config.
func NewClient(cfg config.Config) *Client {
	timeout := cfg.TripoRequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	download := cfg.ArtifactDownloadTimeout
	if download == 0 {
		download = 60 * time.Second
	}
	limit := cfg.ArtifactMaxBytes
	if limit == 0 {
		limit = 200 * 1024 * 1024
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.TripoBaseURL, "/"),
		apiKey:       cfg.TripoAPIKey,
		modelVersion: cfg.TripoModelVersion,
		texture:      cfg.TripoTexture,
		pbr:          cfg.TripoPBR,
		fileType:     "jpg",
		maxArtifact:  limit,
		baseMeshes:   baseMeshes(cfg),
		httpClient:   &http.Client{Timeout: timeout},
		downloader:   &http.Client{Timeout: download},
	}
}

// UploadImage uploads image bytes and returns the image token. An accepted
// upload whose response carries no token returns an empty token and no error;
// callers decide whether that is fatal.
func (c *Client) UploadImage(ctx context.Context, image []byte) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="drawing.`+c.fileType+`"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/sts", body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var data struct {
		ImageToken string `json:"image_token"`
	}
	if err := c.do(req, &data); err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return data.ImageToken, nil
}

type fileRef struct {
	Type      string `json:"type"`
	FileToken string `json:"file_token"`
}

type imageToModelRequest struct {
	Type         string  `json:"type"`
	File         fileRef `json:"file"`
	ModelVersion string  `json:"model_version,omitempty"`
	Texture      bool    `json:"texture"`
	PBR          bool    `json:"pbr"`
}

type texturePrompt struct {
	Image fileRef `json:"image"`
}

type textureModelRequest struct {
	Type                string        `json:"type"`
	OriginalModelTaskID string        `json:"original_model_task_id"`
	TexturePrompt       texturePrompt `json:"texture_prompt"`
	Texture             bool          `json:"texture"`
	PBR                 bool          `json:"pbr"`
}

// baseMeshes keys the configured base mesh ids by lower-cased design label.
func baseMeshes(cfg config.Config) map[string]string {
	m := make(map[string]string, 3)
	for label, id := range map[string]string{
		"spaceship":        cfg.TripoSpaceshipMeshID,
		"locket":           cfg.TripoLocketMeshID,
		"single character": cfg.TripoCharacterMeshID,
	} {
		if id = strings.TrimSpace(id); id != "" {
			m[label] = id
		}
	}
	return m
}

// BaseMesh returns the base mesh task id for a design label, if one is configured.
func (c *Client) BaseMesh(label string) (string, bool) {
	id, ok := c.baseMeshes[strings.ToLower(strings.TrimSpace(label))]
	return id, ok
}

// SubmitJob starts a job for an uploaded image token. When the design label
// has a base mesh the drawing is textured onto it (texture_model); otherwise,
// including for Unknown, a mesh is generated from the image (image_to_model).
func (c *Client) SubmitJob(ctx context.Context, imageToken, label string) (string, error) {
	image := fileRef{Type: c.fileType, FileToken: imageToken}
	var body any = imageToModelRequest{
		Type:         "image_to_model",
		File:         image,
		ModelVersion: c.modelVersion,
		Texture:      c.texture,
		PBR:          c.pbr,
	}
	if meshID, ok := c.BaseMesh(label); ok {
		body = textureModelRequest{
			Type:                "texture_model",
			OriginalModelTaskID: meshID,
			TexturePrompt:       texturePrompt{Image: image},
			Texture:             c.texture,
			PBR:                 c.pbr,
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal job request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/task", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var data struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(req, &data); err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("submit job: %w: response carried no task_id", models.ErrUpstream)
	}
	return data.TaskID, nil
}

// JobStatus fetches the current status document of a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (models.ExternalJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task/"+jobID, nil)
	if err != nil {
		return models.ExternalJob{}, fmt.Errorf("build request: %w", err)
	}
	var job models.ExternalJob
	if err := c.do(req, &job); err != nil {
		return models.ExternalJob{}, fmt.Errorf("job status: %w", err)
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return job, nil
}

// FetchArtifact downloads the generated model. Artifact URLs are pre-signed,
// so no authorization header is sent.
func (c *Client) FetchArtifact(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.downloader.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w: %v", models.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download artifact: %w: status %d", models.ErrUpstream, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.maxArtifact+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w: %v", models.ErrUpstream, err)
	}
	if int64(len(body)) > c.maxArtifact {
		return nil, fmt.Errorf("download artifact: %w: larger than %d bytes", models.ErrUpstream, c.maxArtifact)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("download artifact: %w: empty body", models.ErrUpstream)
	}
	return body, nil
}

// do sends an authorized request and decodes the envelope's data into out.
func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", models.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", models.ErrUpstream, resp.StatusCode, truncate(string(raw), 200))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: decode envelope: %v", models.ErrUpstream, err)
	}
	if env.Code != 0 {
		return fmt.Errorf("%w: code %d: %s", models.ErrUpstream, env.Code, env.Message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", models.ErrUpstream, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
