// Package framesource resolves live video sources and grabs still frames
// from them using external tooling (yt-dlp and ffmpeg).
package framesource

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/quietobserver/quietobserver-go/internal/conf"
	"github.com/quietobserver/quietobserver-go/internal/errors"
	"github.com/quietobserver/quietobserver-go/internal/logging"
)

// Source is the stream-resolution and frame-grab collaborator consumed by
// the workers. Implementations are expected to be slow and fallible; callers
// retry on the next tick rather than treating failures as fatal.
type Source interface {
	// ResolveStream resolves a source URI (e.g. a live stream page URL) to a
	// directly fetchable stream URL. Results may be served from a cache
	// until they expire or are invalidated.
	ResolveStream(ctx context.Context, sourceURI string) (string, error)

	// GrabFrame captures a single still frame from a resolved stream URL
	// into destPath, creating parent directories as needed.
	GrabFrame(ctx context.Context, streamURL, destPath string) error

	// Invalidate drops any cached resolution for the source URI. Called
	// after a failed grab since live stream URLs expire.
	Invalidate(sourceURI string)
}

// ToolSource implements Source by shelling out to yt-dlp and ffmpeg.
type ToolSource struct {
	tools conf.ToolSettings
	cache *gocache.Cache
	log   *slog.Logger
}

// NewToolSource creates a Source backed by the configured external tools.
// Resolved stream URLs are cached for the configured TTL.
func NewToolSource(tools conf.ToolSettings) *ToolSource {
	return &ToolSource{
		tools: tools,
		cache: gocache.New(tools.StreamTTL, 2*tools.StreamTTL),
		log:   logging.ForService("framesource"),
	}
}

// ResolveStream resolves sourceURI via yt-dlp, preferring a variant capped
// at the configured height. A cached resolution is returned when present.
func (s *ToolSource) ResolveStream(ctx context.Context, sourceURI string) (string, error) {
	if cached, ok := s.cache.Get(sourceURI); ok {
		return cached.(string), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.tools.ResolveTimeout)
	defer cancel()

	format := fmt.Sprintf("best[height<=%d]/best", s.tools.MaxHeight)
	cmd := exec.CommandContext(ctx, s.tools.YtDlpPath,
		"--no-warnings",
		"-f", format,
		"-g",
		sourceURI,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return "", errors.New(fmt.Errorf("resolving stream: %w", err)).
			Component("framesource").
			Category(errors.CategoryStreamResolve).
			Context("source_uri", sourceURI).
			Context("stderr", tail(stderr.String(), 500)).
			Timing("resolve", time.Since(start)).
			Build()
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", errors.Newf("yt-dlp returned no stream URL for %s", sourceURI).
			Component("framesource").
			Category(errors.CategoryStreamResolve).
			Build()
	}

	streamURL := lines[0]
	s.cache.SetDefault(sourceURI, streamURL)
	s.log.Debug("stream resolved", "source_uri", sourceURI, "elapsed", time.Since(start))
	return streamURL, nil
}

// GrabFrame captures one frame from streamURL into destPath via ffmpeg.
func (s *ToolSource) GrabFrame(ctx context.Context, streamURL, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errors.New(fmt.Errorf("creating frame directory: %w", err)).
			Component("framesource").
			Category(errors.CategoryFileIO).
			Context("dest_path", destPath).
			Build()
	}

	ctx, cancel := context.WithTimeout(ctx, s.tools.GrabTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.tools.FfmpegPath,
		"-y",
		"-loglevel", "error",
		"-i", streamURL,
		"-vframes", "1",
		"-q:v", "2",
		destPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		if _, statErr := os.Stat(destPath); statErr == nil {
			return nil
		}
		err = errors.NewStd("ffmpeg exited cleanly but produced no output file")
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return errors.New(fmt.Errorf("grabbing frame: %w", err)).
		Component("framesource").
		Category(errors.CategoryFrameGrab).
		Context("dest_path", destPath).
		Context("stderr", tail(stderr.String(), 500)).
		Timing("grab", time.Since(start)).
		Build()
}

// Invalidate drops the cached stream URL for a source URI.
func (s *ToolSource) Invalidate(sourceURI string) {
	s.cache.Delete(sourceURI)
}

// tail returns at most the last n bytes of a string, for bounded logging of
// subprocess stderr.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
