package clips

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/database"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/kvstore"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/logging"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/metrics"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/queue"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/storage"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/tracing"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/tbmclip/pkg/models"
)

// ErrSourceBusy means another worker holds the job lock for the same source
// object. The job should be retried later.
var ErrSourceBusy = errors.New("source is already being processed")

// ErrNoSlot means every transcode slot of this process is in use. The
// synchronous path returns it instead of queueing behind running transcodes.
var ErrNoSlot = errors.New("no transcode slot available")

// Repository is the part of the clip table the service needs.
type Repository interface {
	CreateClip(ctx context.Context, clip *models.Clip) error
	GetClip(ctx context.Context, id string) (*models.Clip, error)
	GetClipByDigest(ctx context.Context, digest string) (*models.Clip, error)
	UpdateClip(ctx context.Context, clip *models.Clip) error
}

// ObjectStore holds sources and derivatives.
type ObjectStore interface {
	Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	Download(ctx context.Context, objectName string) (io.ReadCloser, error)
	DownloadFile(ctx context.Context, objectName, filePath string) error
	Exists(ctx context.Context, objectName string) (bool, error)
}

// Transcoder produces one derivative per call.
type Transcoder interface {
	Transcode(ctx context.Context, src transcoder.SourceMedia) (*transcoder.EncodedOutput, error)
}

// Notifier announces finished clips.
type Notifier interface {
	NotifyClipReady(ctx context.Context, clip *models.Clip) error
	NotifyClipFailed(ctx context.Context, clip *models.Clip) error
}

// Result is the outcome of producing one clip.
type Result struct {
	Clip *models.Clip
	// Output is nil when the clip reused an earlier derivative.
	Output       *transcoder.EncodedOutput
	Deduplicated bool
}

// Service turns uploaded sources into stored clips
type Service struct {
	repo     Repository
	objects  ObjectStore
	tc       Transcoder
	index    kvstore.Store
	notifier Notifier
	pool     *Pool
	tempDir  string
	lockTTL  time.Duration
	workerID string
	logger   *logging.Logger
}

// Config wires a Service.
type Config struct {
	Repository Repository
	Objects    ObjectStore
	Transcoder Transcoder
	Index      kvstore.Store
	Notifier   Notifier
	Pool       *Pool
	TempDir    string
	// LockTTL bounds how long a source stays locked by a crashed worker.
	LockTTL time.Duration
	Logger  *logging.Logger
}

// NewService creates a new clip service
func NewService(cfg Config) (*Service, error) {
	if cfg.Repository == nil || cfg.Objects == nil || cfg.Transcoder == nil {
		return nil, errors.New("clips: repository, object store and transcoder are required")
	}
	if cfg.Index == nil {
		cfg.Index = kvstore.NewMemoryStore(0)
	}
	if cfg.Pool == nil {
		cfg.Pool = NewPool(1)
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.Logger == nil {
		logger, err := logging.NewDefaultLogger()
		if err != nil {
			return nil, err
		}
		cfg.Logger = logger
	}

	workerID := uuid.New().String()
	return &Service{
		repo:     cfg.Repository,
		objects:  cfg.Objects,
		tc:       cfg.Transcoder,
		index:    cfg.Index,
		notifier: cfg.Notifier,
		pool:     cfg.Pool,
		tempDir:  cfg.TempDir,
		lockTTL:  cfg.LockTTL,
		workerID: workerID,
		logger:   cfg.Logger.WithWorkerID(workerID),
	}, nil
}

// WorkerID identifies this service instance in metrics and logs.
func (s *Service) WorkerID() string {
	return s.workerID
}

// Process handles one queued clip job. Errors wrapped with queue.Permanent
// will not succeed on retry.
func (s *Service) Process(ctx context.Context, job *models.ClipJob) error {
	logger := s.logger.WithJobID(job.ID).WithClipID(job.ClipID).WithSource(job.SourceName, job.SourceMIME, job.SourceSize)

	clip, err := s.repo.GetClip(ctx, job.ClipID)
	if errors.Is(err, database.ErrClipNotFound) {
		return queue.Permanent(fmt.Errorf("failed to get clip: %w", err))
	}
	if err != nil {
		return fmt.Errorf("failed to get clip: %w", err)
	}
	if clip.Ready() {
		logger.Info("Clip already ready, skipping job")
		metrics.RecordJobCompleted("skipped", s.workerID)
		return nil
	}

	if locker, ok := s.index.(kvstore.Locker); ok {
		resource := "job:" + job.SourceKey
		acquired, err := locker.AcquireLock(ctx, resource, s.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to lock source: %w", err)
		}
		if !acquired {
			return ErrSourceBusy
		}
		defer func() {
			if err := locker.ReleaseLock(context.WithoutCancel(ctx), resource); err != nil {
				logger.WithError(err).Warn("Failed to release source lock")
			}
		}()
	}

	clip.Status = models.ClipStatusProcessing
	clip.ErrorKind, clip.ErrorMsg = "", ""
	if err := s.repo.UpdateClip(ctx, clip); err != nil {
		return fmt.Errorf("failed to update clip status: %w", err)
	}
	logger.LogClipEvent(clip.ID, "processing", string(clip.Status), map[string]interface{}{
		"retry": job.RetryCount,
	})

	workDir := filepath.Join(s.tempDir, job.ID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return s.fail(ctx, clip, fmt.Errorf("failed to create temp directory: %w", err))
	}
	defer os.RemoveAll(workDir)

	sourcePath := filepath.Join(workDir, "source"+filepath.Ext(job.SourceName))
	err = tracing.Trace(ctx, "clips.download", func(ctx context.Context) error {
		return s.objects.DownloadFile(ctx, job.SourceKey, sourcePath)
	})
	if err != nil {
		return s.fail(ctx, clip, fmt.Errorf("failed to download source: %w", err))
	}

	res, err := s.produce(ctx, clip, sourcePath, true)
	if err != nil {
		metrics.RecordJobCompleted("failed", s.workerID)
		return err
	}
	metrics.RecordJobCompleted("completed", s.workerID)
	logger.WithField("deduplicated", res.Deduplicated).Info("Clip job completed")
	return nil
}

// TranscodeUpload produces the clip for a source already on local disk. The
// clip record must exist. It does not wait for a transcode slot: when the
// pool is full the clip is left pending and ErrNoSlot is returned.
func (s *Service) TranscodeUpload(ctx context.Context, clip *models.Clip, sourcePath string) (*Result, error) {
	clip.Status = models.ClipStatusProcessing
	if err := s.repo.UpdateClip(ctx, clip); err != nil {
		return nil, fmt.Errorf("failed to update clip status: %w", err)
	}
	res, err := s.produce(ctx, clip, sourcePath, false)
	if errors.Is(err, ErrNoSlot) {
		clip.Status = models.ClipStatusPending
		if updateErr := s.repo.UpdateClip(context.WithoutCancel(ctx), clip); updateErr != nil {
			s.logger.WithClipID(clip.ID).WithError(updateErr).Warn("Failed to reset clip status")
		}
	}
	return res, err
}

// transcode runs the transcoder inside the pool. With wait unset it gives up
// with ErrNoSlot instead of queueing.
func (s *Service) transcode(ctx context.Context, src transcoder.SourceMedia, wait bool) (*transcoder.EncodedOutput, error) {
	var out *transcoder.EncodedOutput
	run := func(ctx context.Context) error {
		var err error
		out, err = s.tc.Transcode(ctx, src)
		return err
	}
	if wait {
		return out, s.pool.Do(ctx, run)
	}
	ok, err := s.pool.TryDo(ctx, run)
	if !ok {
		return nil, ErrNoSlot
	}
	return out, err
}

func (s *Service) produce(ctx context.Context, clip *models.Clip, sourcePath string, wait bool) (*Result, error) {
	digest, err := fileDigest(sourcePath)
	if err != nil {
		return nil, s.fail(ctx, clip, err)
	}
	clip.SourceDigest = digest

	if d, ok := s.lookup(ctx, digest); ok && d.ClipID != clip.ID && s.stored(ctx, d.ClipKey) {
		d.applyTo(clip)
		if err := s.finish(ctx, clip); err != nil {
			return nil, err
		}
		return &Result{Clip: clip, Deduplicated: true}, nil
	}

	out, err := s.transcode(ctx, transcoder.SourceMedia{
		Path:     sourcePath,
		Name:     clip.SourceName,
		MIMEType: clip.SourceMIME,
		Size:     clip.SourceSize,
	}, wait)
	if errors.Is(err, ErrNoSlot) {
		return nil, err
	}
	if err != nil {
		return nil, s.fail(ctx, clip, err)
	}

	key := storage.OutputKey(clip.ID, storage.ExtensionForMIME(out.MIMEType))
	err = tracing.Trace(ctx, "clips.upload", func(ctx context.Context) error {
		return s.objects.Upload(ctx, key, bytes.NewReader(out.Data), out.Size(), transcoder.ContainerOf(out.MIMEType))
	})
	if err != nil {
		return nil, s.fail(ctx, clip, fmt.Errorf("failed to upload clip: %w", err))
	}

	clip.ClipKey = key
	clip.MIMEType = out.MIMEType
	clip.Width = out.Width
	clip.Height = out.Height
	clip.Frames = out.Frames
	clip.DurationMs = out.Duration.Milliseconds()
	clip.SizeBytes = out.Size()
	clip.HasAudio = out.HasAudio
	clip.StopReason = out.StopReason
	if err := s.finish(ctx, clip); err != nil {
		return nil, err
	}
	s.remember(ctx, digest, derivativeOf(clip))

	return &Result{Clip: clip, Output: out}, nil
}

// stored reports whether an indexed derivative is still in the object store.
func (s *Service) stored(ctx context.Context, key string) bool {
	ok, err := s.objects.Exists(ctx, key)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to check derivative object")
		return false
	}
	return ok
}

func (s *Service) finish(ctx context.Context, clip *models.Clip) error {
	now := time.Now()
	clip.Status = models.ClipStatusReady
	clip.ErrorKind, clip.ErrorMsg = "", ""
	clip.CompletedAt = &now
	if err := s.repo.UpdateClip(ctx, clip); err != nil {
		return fmt.Errorf("failed to update clip: %w", err)
	}

	s.logger.LogClipEvent(clip.ID, "ready", string(clip.Status), map[string]interface{}{
		"mime":  clip.MIMEType,
		"bytes": clip.SizeBytes,
	})
	s.notify(ctx, clip)
	return nil
}

// fail records err on the clip and returns it, marked permanent when a retry
// cannot help.
func (s *Service) fail(ctx context.Context, clip *models.Clip, err error) error {
	kind := transcoder.KindLabel(err)
	now := time.Now()
	clip.Status = models.ClipStatusFailed
	clip.ErrorKind = kind
	clip.ErrorMsg = err.Error()
	clip.CompletedAt = &now

	// The record must reflect the failure even if the caller went away.
	ctx = context.WithoutCancel(ctx)
	if updateErr := s.repo.UpdateClip(ctx, clip); updateErr != nil {
		err = fmt.Errorf("failed to update clip: %w (original error: %v)", updateErr, err)
	}
	metrics.RecordError("clips", kind)
	s.logger.LogClipEvent(clip.ID, "failed", string(clip.Status), map[string]interface{}{
		"kind":  kind,
		"error": clip.ErrorMsg,
	})

	if Permanent(err) {
		s.notify(ctx, clip)
		return queue.Permanent(err)
	}
	return err
}

func (s *Service) notify(ctx context.Context, clip *models.Clip) {
	if s.notifier == nil {
		return
	}
	var err error
	if clip.Status == models.ClipStatusReady {
		err = s.notifier.NotifyClipReady(ctx, clip)
	} else {
		err = s.notifier.NotifyClipFailed(ctx, clip)
	}
	if err != nil {
		s.logger.WithClipID(clip.ID).WithError(err).Warn("Webhook delivery failed")
	}
}

// OpenClip streams the stored derivative of a ready clip.
func (s *Service) OpenClip(ctx context.Context, clip *models.Clip) (io.ReadCloser, error) {
	if !clip.Ready() || clip.ClipKey == "" {
		return nil, fmt.Errorf("clip %s is not ready", clip.ID)
	}
	return s.objects.Download(ctx, clip.ClipKey)
}

// Permanent reports whether err comes from the source or the host rather than
// from a transient condition.
func Permanent(err error) bool {
	switch transcoder.KindOf(err) {
	case transcoder.ErrCorruptSource, transcoder.ErrSourceRejected,
		transcoder.ErrDecodeInit, transcoder.ErrEncoderInit:
		return true
	}
	return false
}
