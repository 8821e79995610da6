// Package ingest watches an inbox directory and submits media files dropped
// into it as transcription jobs.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/scribe/internal/api"
	"github.com/snarg/scribe/internal/jobs"
	"github.com/snarg/scribe/internal/metrics"
	"github.com/snarg/scribe/internal/storage"
)

// Directories inside the watch folder that receive files once handled.
// Both are ignored by the watcher.
const (
	ProcessedDir = ".processed"
	RejectedDir  = ".rejected"
)

// Submitter admits a job for media already in the blob store.
type Submitter interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
}

// BlobPutter stores media bytes under a key.
type BlobPutter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type WatcherOptions struct {
	Dir      string
	Settle   time.Duration // quiet period after the last write before a file is read
	MaxBytes int64
	Blobs    BlobPutter
	Jobs     Submitter
	Log      zerolog.Logger
}

// FileWatcher submits media files that appear in a directory tree. Files
// already present at Start are submitted too. Each handled file is moved
// into ProcessedDir or RejectedDir so a restart does not submit it again.
type FileWatcher struct {
	opts WatcherOptions
	log  zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file.
	settleMu     sync.Mutex
	settleTimers map[string]*time.Timer

	submitted atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	status    atomic.Value // string: "starting", "scanning", "watching", "stopped"
}

func NewFileWatcher(opts WatcherOptions) *FileWatcher {
	if opts.Settle <= 0 {
		opts.Settle = 2 * time.Second
	}
	fw := &FileWatcher{
		opts:         opts,
		log:          opts.Log.With().Str("component", "watcher").Str("watch_dir", opts.Dir).Logger(),
		settleTimers: make(map[string]*time.Timer),
	}
	fw.status.Store("starting")
	return fw
}

// Start creates the watch directory if needed, registers every directory
// in the tree with fsnotify and scans for files already present.
func (fw *FileWatcher) Start() error {
	if err := os.MkdirAll(fw.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w

	dirCount := 0
	err = filepath.WalkDir(fw.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fw.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if fw.ignoredDir(path) {
			return filepath.SkipDir
		}
		if addErr := w.Add(path); addErr != nil {
			fw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
		} else {
			dirCount++
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}
	fw.log.Info().Int("directories", dirCount).Msg("file watcher initialized")

	fw.ctx, fw.cancel = context.WithCancel(context.Background())
	fw.wg.Add(2)
	go fw.watchLoop()
	go fw.scanExisting()
	return nil
}

// Stop closes the fsnotify watcher, cancels pending settle timers and waits
// for in-flight submissions.
func (fw *FileWatcher) Stop() {
	fw.status.Store("stopped")
	if fw.cancel != nil {
		fw.cancel()
	}
	if fw.watcher != nil {
		fw.watcher.Close()
	}
	fw.settleMu.Lock()
	for path, t := range fw.settleTimers {
		if t.Stop() {
			fw.wg.Done()
		}
		delete(fw.settleTimers, path)
	}
	fw.settleMu.Unlock()
	fw.wg.Wait()

	fw.log.Info().
		Int64("files_submitted", fw.submitted.Load()).
		Int64("files_skipped", fw.skipped.Load()).
		Int64("files_failed", fw.failed.Load()).
		Msg("file watcher stopped")
}

// Status reports watcher state for the health endpoint.
func (fw *FileWatcher) Status() *api.WatcherStatusData {
	s, _ := fw.status.Load().(string)
	return &api.WatcherStatusData{
		Status:         s,
		WatchDir:       fw.opts.Dir,
		FilesSubmitted: fw.submitted.Load(),
		FilesSkipped:   fw.skipped.Load(),
		FilesFailed:    fw.failed.Load(),
	}
}

func (fw *FileWatcher) ignoredDir(path string) bool {
	if path == fw.opts.Dir {
		return false
	}
	return strings.HasPrefix(filepath.Base(path), ".")
}

func (fw *FileWatcher) watchLoop() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// New subdirectory: watch it too. Files moved in with it are
			// picked up by walking it once.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if fw.ignoredDir(event.Name) {
					continue
				}
				if err := fw.watcher.Add(event.Name); err != nil {
					fw.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					continue
				}
				fw.log.Debug().Str("path", event.Name).Msg("watching new directory")
				fw.scheduleTree(event.Name)
				continue
			}

			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess waits for the file to stay quiet for the settle period
// so a file still being copied in is not read half-written.
func (fw *FileWatcher) scheduleProcess(path string) {
	fw.settleMu.Lock()
	defer fw.settleMu.Unlock()
	if fw.ctx.Err() != nil {
		return
	}

	if t, ok := fw.settleTimers[path]; ok {
		t.Reset(fw.opts.Settle)
		return
	}

	fw.wg.Add(1)
	fw.settleTimers[path] = time.AfterFunc(fw.opts.Settle, func() {
		defer fw.wg.Done()
		fw.settleMu.Lock()
		delete(fw.settleTimers, path)
		fw.settleMu.Unlock()

		fw.processFile(path)
	})
}

func (fw *FileWatcher) scheduleTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if fw.ignoredDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasPrefix(d.Name(), ".") {
			fw.scheduleProcess(path)
		}
		return nil
	})
}

func (fw *FileWatcher) scanExisting() {
	defer fw.wg.Done()
	fw.status.Store("scanning")
	fw.scheduleTree(fw.opts.Dir)
	if fw.ctx.Err() == nil {
		fw.status.Store("watching")
	}
}

// processFile stores one media file and submits it with default options.
func (fw *FileWatcher) processFile(path string) {
	if fw.ctx.Err() != nil {
		return
	}
	log := fw.log.With().Str("path", path).Logger()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		// Moved away or deleted before it settled.
		return
	}
	ext := filepath.Ext(path)
	contentType := storage.ContentTypeFromExt(ext)
	if contentType == "application/octet-stream" {
		fw.reject(log, path, "unsupported file type")
		return
	}
	if fw.opts.MaxBytes > 0 && info.Size() > fw.opts.MaxBytes {
		fw.reject(log, path, "file too large")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fw.fail(log, err, "failed to read file")
		return
	}

	name := filepath.Base(path)
	key := storage.NewKey(name, time.Now())
	if _, err := fw.opts.Blobs.Put(fw.ctx, key, data, contentType); err != nil {
		fw.fail(log, err, "failed to store file")
		return
	}

	job, err := fw.opts.Jobs.Submit(fw.ctx, jobs.SubmitRequest{
		StorageKey: key,
		Filename:   name,
		Options:    jobs.DefaultOptions(),
	})
	if err != nil {
		fw.fail(log, err, "failed to submit file")
		return
	}

	if err := fw.moveTo(path, ProcessedDir); err != nil {
		log.Warn().Err(err).Msg("failed to move submitted file")
	}
	fw.submitted.Add(1)
	metrics.WatchFilesTotal.WithLabelValues("submitted").Inc()
	log.Info().Str("job_id", job.ID).Int64("size", info.Size()).Msg("watched file submitted")
}

func (fw *FileWatcher) reject(log zerolog.Logger, path, reason string) {
	fw.skipped.Add(1)
	metrics.WatchFilesTotal.WithLabelValues("skipped").Inc()
	log.Warn().Str("reason", reason).Msg("watched file skipped")
	if err := fw.moveTo(path, RejectedDir); err != nil {
		log.Warn().Err(err).Msg("failed to move skipped file")
	}
}

// fail leaves the file in place; the next write or a restart retries it.
func (fw *FileWatcher) fail(log zerolog.Logger, err error, msg string) {
	fw.failed.Add(1)
	metrics.WatchFilesTotal.WithLabelValues("failed").Inc()
	log.Error().Err(err).Msg(msg)
}

// moveTo renames path into sub under the watch root, keeping its relative
// location. An existing file of the same name is replaced.
func (fw *FileWatcher) moveTo(path, sub string) error {
	rel, err := filepath.Rel(fw.opts.Dir, path)
	if err != nil {
		return err
	}
	dst := filepath.Join(fw.opts.Dir, sub, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(path, dst)
}
