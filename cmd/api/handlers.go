package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/clips"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/database"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/metrics"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/middleware"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/storage"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/tbmclip/pkg/models"
)

type clipRepository interface {
	CreateClip(ctx context.Context, clip *models.Clip) error
	GetClip(ctx context.Context, id string) (*models.Clip, error)
	UpdateClip(ctx context.Context, clip *models.Clip) error
	ListClips(ctx context.Context, filter database.ClipFilter) ([]*models.Clip, error)
}

type objectStore interface {
	UploadFile(ctx context.Context, objectName, filePath string) error
	Delete(ctx context.Context, objectName string) error
	GetURL(ctx context.Context, objectName string) (string, error)
}

type jobPublisher interface {
	PublishClipJob(ctx context.Context, job *models.ClipJob) error
}

type clipService interface {
	TranscodeUpload(ctx context.Context, clip *models.Clip, sourcePath string) (*clips.Result, error)
	OpenClip(ctx context.Context, clip *models.Clip) (io.ReadCloser, error)
}

// API serves the clip endpoints.
type API struct {
	repo      clipRepository
	objects   objectStore
	jobs      jobPublisher
	service   clipService
	health    func(ctx context.Context) error
	tempDir   string
	maxUpload int64
	logger    zerolog.Logger
}

// clipResponse is a clip plus, on request, its bytes.
type clipResponse struct {
	*models.Clip
	Deduplicated bool   `json:"deduplicated,omitempty"`
	Data         string `json:"data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if api.health != nil {
		if err := api.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// receiveUpload stores the multipart "file" field in the temp directory and
// creates the clip record for it. The caller removes the returned path.
func (api *API) receiveUpload(c *gin.Context) (*models.Clip, string, bool) {
	if api.maxUpload > 0 && c.Request.ContentLength > api.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Upload exceeds size limit"})
		return nil, "", false
	}
	if api.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, api.maxUpload)
	}

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Upload exceeds size limit"})
			return nil, "", false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return nil, "", false
	}
	if file.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Uploaded file is empty"})
		return nil, "", false
	}

	tempPath := filepath.Join(api.tempDir, uuid.New().String()+filepath.Ext(file.Filename))
	if err := c.SaveUploadedFile(file, tempPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return nil, "", false
	}

	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = storage.ContentType(file.Filename)
	}

	clip := &models.Clip{
		ID:         uuid.New().String(),
		RecordID:   c.PostForm("record_id"),
		SourceName: file.Filename,
		SourceSize: file.Size,
		SourceMIME: mimeType,
		Status:     models.ClipStatusPending,
	}
	if client, ok := middleware.GetClientID(c); ok {
		clip.Metadata = models.Metadata{"client_id": client}
	}

	clip.SourceKey = storage.SourceKey(clip.ID, file.Filename)
	if err := api.objects.UploadFile(c.Request.Context(), clip.SourceKey, tempPath); err != nil {
		os.Remove(tempPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to upload: %v", err)})
		return nil, "", false
	}

	if err := api.repo.CreateClip(c.Request.Context(), clip); err != nil {
		os.Remove(tempPath)
		if delErr := api.objects.Delete(context.WithoutCancel(c.Request.Context()), clip.SourceKey); delErr != nil {
			api.logger.Warn().Err(delErr).Str("key", clip.SourceKey).Msg("Failed to remove orphaned source")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create clip: %v", err)})
		return nil, "", false
	}

	metrics.RecordSourceUpload(file.Size)
	return clip, tempPath, true
}

// Create clip endpoint; transcodes while the client waits
func (api *API) createClip(c *gin.Context) {
	clip, tempPath, ok := api.receiveUpload(c)
	if !ok {
		return
	}
	defer os.Remove(tempPath)

	res, err := api.service.TranscodeUpload(c.Request.Context(), clip, tempPath)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusServiceUnavailable {
			c.Header("Retry-After", "5")
		}
		c.JSON(status, gin.H{
			"error":   err.Error(),
			"kind":    transcoder.KindLabel(err),
			"clip_id": clip.ID,
		})
		return
	}

	resp := clipResponse{Clip: res.Clip, Deduplicated: res.Deduplicated}
	if inline, _ := strconv.ParseBool(c.Query("inline")); inline {
		data, err := api.inlineData(c.Request.Context(), res)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to read clip: %v", err)})
			return
		}
		resp.Data = data
	}

	c.JSON(http.StatusCreated, resp)
}

func (api *API) inlineData(ctx context.Context, res *clips.Result) (string, error) {
	if res.Output != nil {
		return res.Output.Base64(), nil
	}
	rc, err := api.service.OpenClip(ctx, res.Clip)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return (&transcoder.EncodedOutput{Data: data}).Base64(), nil
}

// Create clip job endpoint; the worker transcodes later
func (api *API) createClipJob(c *gin.Context) {
	clip, tempPath, ok := api.receiveUpload(c)
	if !ok {
		return
	}
	os.Remove(tempPath)

	job := &models.ClipJob{
		ID:         uuid.New().String(),
		ClipID:     clip.ID,
		SourceKey:  clip.SourceKey,
		SourceName: clip.SourceName,
		SourceMIME: clip.SourceMIME,
		SourceSize: clip.SourceSize,
		Priority:   models.JobPriorityNormal,
		CreatedAt:  time.Now(),
	}
	if p, err := strconv.Atoi(c.PostForm("priority")); err == nil {
		job.Priority = p
	}

	if err := api.jobs.PublishClipJob(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to queue job: %v", err)})
		return
	}

	clip.Status = models.ClipStatusQueued
	if err := api.repo.UpdateClip(c.Request.Context(), clip); err != nil {
		api.logger.Warn().Err(err).Str("clip_id", clip.ID).Msg("Failed to mark clip queued")
	}
	metrics.RecordJobCreated()

	c.JSON(http.StatusAccepted, gin.H{
		"clip":   clip,
		"job_id": job.ID,
	})
}

// Get clip endpoint
func (api *API) getClip(c *gin.Context) {
	clip, ok := api.lookupClip(c)
	if !ok {
		return
	}

	resp := clipResponse{Clip: clip}
	if clip.Ready() {
		if url, err := api.objects.GetURL(c.Request.Context(), clip.ClipKey); err == nil {
			resp.URL = url
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Download clip endpoint
func (api *API) downloadClip(c *gin.Context) {
	clip, ok := api.lookupClip(c)
	if !ok {
		return
	}
	if !clip.Ready() {
		c.JSON(http.StatusConflict, gin.H{"error": "Clip is not ready", "status": clip.Status})
		return
	}

	rc, err := api.service.OpenClip(c.Request.Context(), clip)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to open clip: %v", err)})
		return
	}
	defer rc.Close()

	filename := "clip-" + clip.ID + storage.ExtensionForMIME(clip.MIMEType)
	c.DataFromReader(http.StatusOK, clip.SizeBytes, transcoder.ContainerOf(clip.MIMEType), rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, filename),
	})
}

// List clips endpoint
func (api *API) listClips(c *gin.Context) {
	filter := database.ClipFilter{
		Status:   c.Query("status"),
		RecordID: c.Query("record_id"),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, err := api.repo.ListClips(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"clips":  list,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (api *API) lookupClip(c *gin.Context) (*models.Clip, bool) {
	clip, err := api.repo.GetClip(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrClipNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Clip not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return clip, true
}

// statusForError maps a transcode failure onto an HTTP status
func statusForError(err error) int {
	if errors.Is(err, clips.ErrNoSlot) {
		return http.StatusServiceUnavailable
	}
	switch transcoder.KindOf(err) {
	case transcoder.ErrSourceRejected:
		return http.StatusRequestEntityTooLarge
	case transcoder.ErrCorruptSource, transcoder.ErrDecodeInit:
		return http.StatusUnprocessableEntity
	case transcoder.ErrTimeout:
		return http.StatusGatewayTimeout
	case transcoder.ErrCancelled:
		return 499
	}
	return http.StatusInternalServerError
}
