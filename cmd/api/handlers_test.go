package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/clips"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/database"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/middleware"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/tbmclip/pkg/models"
)

type memRepo struct {
	mu        sync.Mutex
	clips     map[string]*models.Clip
	filter    database.ClipFilter
	createErr error
}

func (r *memRepo) CreateClip(ctx context.Context, clip *models.Clip) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	c := *clip
	r.clips[clip.ID] = &c
	return nil
}

func (r *memRepo) GetClip(ctx context.Context, id string) (*models.Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clip, ok := r.clips[id]
	if !ok {
		return nil, database.ErrClipNotFound
	}
	c := *clip
	return &c, nil
}

func (r *memRepo) UpdateClip(ctx context.Context, clip *models.Clip) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *clip
	r.clips[clip.ID] = &c
	return nil
}

func (r *memRepo) ListClips(ctx context.Context, filter database.ClipFilter) ([]*models.Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter = filter
	var out []*models.Clip
	for _, c := range r.clips {
		if filter.Status == "" || string(c.Status) == filter.Status {
			out = append(out, c)
		}
	}
	return out, nil
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (o *memObjects) UploadFile(ctx context.Context, name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[name] = data
	return nil
}

func (o *memObjects) Delete(ctx context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, name)
	return nil
}

func (o *memObjects) GetURL(ctx context.Context, name string) (string, error) {
	return "https://objects.test/" + name, nil
}

type memQueue struct {
	jobs []*models.ClipJob
	err  error
}

func (q *memQueue) PublishClipJob(ctx context.Context, job *models.ClipJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type stubService struct {
	err          error
	deduplicated bool
	stored       []byte
	sourceSeen   []byte
}

func (s *stubService) TranscodeUpload(ctx context.Context, clip *models.Clip, path string) (*clips.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s.sourceSeen = data
	if s.err != nil {
		return nil, s.err
	}
	clip.Status = models.ClipStatusReady
	clip.ClipKey = "clips/" + clip.ID + "/clip.webm"
	clip.MIMEType = "video/webm;codecs=vp9,opus"
	clip.Width, clip.Height = 256, 144
	if s.deduplicated {
		return &clips.Result{Clip: clip, Deduplicated: true}, nil
	}
	return &clips.Result{Clip: clip, Output: &transcoder.EncodedOutput{MIMEType: clip.MIMEType, Data: []byte("derived")}}, nil
}

func (s *stubService) OpenClip(ctx context.Context, clip *models.Clip) (io.ReadCloser, error) {
	if s.stored == nil {
		return nil, errors.New("no stored clip")
	}
	return io.NopCloser(bytes.NewReader(s.stored)), nil
}

type testEnv struct {
	api     *API
	repo    *memRepo
	objects *memObjects
	queue   *memQueue
	service *stubService
	router  *gin.Engine
}

func newTestEnv(t *testing.T, rc routerConfig) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		repo:    &memRepo{clips: make(map[string]*models.Clip)},
		objects: &memObjects{objects: make(map[string][]byte)},
		queue:   &memQueue{},
		service: &stubService{},
	}
	env.api = &API{
		repo:      env.repo,
		objects:   env.objects,
		jobs:      env.queue,
		service:   env.service,
		tempDir:   t.TempDir(),
		maxUpload: 1 << 20,
		logger:    zerolog.Nop(),
	}
	env.router = setupRouter(env.api, rc)
	return env
}

func multipartBody(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func (env *testEnv) upload(t *testing.T, path, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, filename, content, fields)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateClip(t *testing.T) {
	env := newTestEnv(t, routerConfig{})

	w := env.upload(t, "/api/v1/clips", "dashcam.mp4", []byte("source-bytes"), map[string]string{"record_id": "rec-7"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode(t, w)
	id := resp["id"].(string)
	assert.Equal(t, "ready", resp["status"])
	assert.Equal(t, "rec-7", resp["record_id"])
	assert.Equal(t, float64(256), resp["width"])
	assert.NotContains(t, resp, "data")

	assert.Equal(t, []byte("source-bytes"), env.service.sourceSeen)
	assert.Equal(t, []byte("source-bytes"), env.objects.objects["clips/"+id+"/source.mp4"])

	stored, err := env.repo.GetClip(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "dashcam.mp4", stored.SourceName)
	assert.Equal(t, "video/mp4", stored.SourceMIME)
	assert.Equal(t, int64(len("source-bytes")), stored.SourceSize)

	entries, err := os.ReadDir(env.api.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary upload should be removed")
}

func TestCreateClipInline(t *testing.T) {
	env := newTestEnv(t, routerConfig{})

	w := env.upload(t, "/api/v1/clips?inline=true", "a.mp4", []byte("src"), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decode(t, w)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("derived")), resp["data"])
}

func TestCreateClipInlineDeduplicated(t *testing.T) {
	env := newTestEnv(t, routerConfig{})
	env.service.deduplicated = true
	env.service.stored = []byte("earlier")

	w := env.upload(t, "/api/v1/clips?inline=1", "a.mp4", []byte("src"), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decode(t, w)
	assert.Equal(t, true, resp["deduplicated"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("earlier")), resp["data"])
}

func TestCreateClipErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"rejected", &transcoder.Error{Kind: transcoder.ErrSourceRejected, Op: "probe"}, http.StatusRequestEntityTooLarge, "source_rejected"},
		{"corrupt", &transcoder.Error{Kind: transcoder.ErrCorruptSource, Op: "sample"}, http.StatusUnprocessableEntity, "corrupt_source"},
		{"decode", &transcoder.Error{Kind: transcoder.ErrDecodeInit, Op: "open decoder"}, http.StatusUnprocessableEntity, "decode_init"},
		{"timeout", &transcoder.Error{Kind: transcoder.ErrTimeout, Op: "transcode"}, http.StatusGatewayTimeout, "timeout"},
		{"encoder", &transcoder.Error{Kind: transcoder.ErrEncoderInit, Op: "new encoder"}, http.StatusInternalServerError, "encoder_init"},
		{"other", errors.New("disk full"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, routerConfig{})
			env.service.err = tt.err

			w := env.upload(t, "/api/v1/clips", "a.mp4", []byte("src"), nil)
			assert.Equal(t, tt.code, w.Code)
			resp := decode(t, w)
			assert.Equal(t, tt.kind, resp["kind"])
			assert.NotEmpty(t, resp["clip_id"])
		})
	}
}

func TestCreateClipBadUploads(t *testing.T) {
	env := newTestEnv(t, routerConfig{})

	w := env.upload(t, "/api/v1/clips", "", nil, map[string]string{"record_id": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.upload(t, "/api/v1/clips", "empty.mp4", []byte{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.api.maxUpload = 64
	w = env.upload(t, "/api/v1/clips", "big.mp4", bytes.Repeat([]byte("x"), 256), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	assert.Empty(t, env.repo.clips)
}

func TestCreateClipJob(t *testing.T) {
	env := newTestEnv(t, routerConfig{})

	w := env.upload(t, "/api/v1/clips/jobs", "night.mov", []byte("mov-bytes"), map[string]string{"priority": "10"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Len(t, env.queue.jobs, 1)
	job := env.queue.jobs[0]
	assert.Equal(t, models.JobPriorityHigh, job.Priority)
	assert.Equal(t, "night.mov", job.SourceName)
	assert.Equal(t, "clips/"+job.ClipID+"/source.mov", job.SourceKey)
	assert.Equal(t, decode(t, w)["job_id"], job.ID)

	clip, err := env.repo.GetClip(context.Background(), job.ClipID)
	require.NoError(t, err)
	assert.Equal(t, models.ClipStatusQueued, clip.Status)
	assert.Nil(t, env.service.sourceSeen, "async uploads are not transcoded inline")
}

func TestCreateClipJobPublishFails(t *testing.T) {
	env := newTestEnv(t, routerConfig{})
	env.queue.err = errors.New("channel closed")

	w := env.upload(t, "/api/v1/clips/jobs", "a.mp4", []byte("src"), nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCreateClipRemovesSourceWhenRecordFails(t *testing.T) {
	env := newTestEnv(t, routerConfig{})
	env.repo.createErr = errors.New("connection reset")

	w := env.upload(t, "/api/v1/clips", "a.mp4", []byte("src"), nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, env.objects.objects)
	assert.Nil(t, env.service.sourceSeen)
}

func seedClip(env *testEnv, clip *models.Clip) {
	_ = env.repo.CreateClip(context.Background(), clip)
}

func TestGetClip(t *testing.T) {
	env := newTestEnv(t, routerConfig{})
	seedClip(env, &models.Clip{ID: "ready-1", Status: models.ClipStatusReady, ClipKey: "clips/ready-1/clip.webm"})
	seedClip(env, &models.Clip{ID: "pending-1", Status: models.ClipStatusPending})

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clips/ready-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://objects.test/clips/ready-1/clip.webm", decode(t, w)["url"])

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clips/pending-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, decode(t, w), "url")

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clips/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadClip(t *testing.T) {
	env := newTestEnv(t, routerConfig{})
	env.service.stored = []byte("webm-data")
	seedClip(env, &models.Clip{
		ID:        "ready-1",
		Status:    models.ClipStatusReady,
		ClipKey:   "clips/ready-1/clip.webm",
		MIMEType:  "video/webm;codecs=vp9,opus",
		SizeBytes: int64(len("webm-data")),
	})
	seedClip(env, &models.Clip{ID: "busy-1", Status: models.ClipStatusProcessing})

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clips/ready-1/download", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "webm-data", w.Body.String())
	assert.Equal(t, "video/webm", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="clip-ready-1.webm"`)

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clips/busy-1/download", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListClips(t *testing.T) {
	env := newTestEnv(t, routerConfig{})
	seedClip(env, &models.Clip{ID: "a", Status: models.ClipStatusReady})
	seedClip(env, &models.Clip{ID: "b", Status: models.ClipStatusFailed})

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clips?status=ready&limit=5&offset=2&record_id=r1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Len(t, resp["clips"], 1)
	assert.Equal(t, float64(5), resp["limit"])
	assert.Equal(t, database.ClipFilter{Status: "ready", RecordID: "r1", Limit: 5, Offset: 2}, env.repo.filter)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, routerConfig{})

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	env.api.health = func(ctx context.Context) error { return errors.New("db down") }
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "db down", decode(t, w)["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, routerConfig{})
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	env := newTestEnv(t, routerConfig{authSecret: "s3cret"})

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clips", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := middleware.GenerateToken("fleet-a", "s3cret", time.Hour)
	require.NoError(t, err)

	body, contentType := multipartBody(t, "a.mp4", []byte("src"), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/clips", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	clip, err := env.repo.GetClip(context.Background(), decode(t, w)["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "fleet-a", clip.Metadata["client_id"])

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code, "health stays public")
}

func TestUploadRateLimit(t *testing.T) {
	env := newTestEnv(t, routerConfig{limiter: middleware.NewRateLimiter(1, 1)})

	w := env.upload(t, "/api/v1/clips", "a.mp4", []byte("src"), nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	w = env.upload(t, "/api/v1/clips", "a.mp4", []byte("src"), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clips", nil))
	assert.Equal(t, http.StatusOK, w.Code, "reads are not rate limited")
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, 499, statusForError(&transcoder.Error{Kind: transcoder.ErrCancelled}))
	assert.Equal(t, http.StatusInternalServerError, statusForError(&transcoder.Error{Kind: transcoder.ErrPlayback}))
	assert.Equal(t, http.StatusServiceUnavailable, statusForError(fmt.Errorf("upload: %w", clips.ErrNoSlot)))
}

func TestCreateClipNoSlot(t *testing.T) {
	env := newTestEnv(t, routerConfig{})
	env.service.err = clips.ErrNoSlot

	w := env.upload(t, "/api/v1/clips", "a.mp4", []byte("src"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}
