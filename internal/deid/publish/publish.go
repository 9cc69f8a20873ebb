// Package publish zips a de-identified study tree and delivers it to the
// configured long-term targets. Per-target failures are collected rather
// than raised so a partially published study still records the targets
// that did succeed.
package publish

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/archive"
)

var (
	ErrPublish   apperrors.Error = apperrors.New("publish error")
	ErrNoTargets apperrors.Error = ErrPublish.New("no publish targets configured")
)

// Request identifies one study to publish along with the manifest attributes
// that shape its output path.
type Request struct {
	DeidDir      string
	SubjectID    string
	ObjectInfo01 string
	ObjectInfo02 string
	ObjectInfo03 string
	UUID         string
}

// TargetResult records the outcome of one target delivery.
type TargetResult struct {
	Target string
	URL    string
	Err    apperrors.Error
}

// Result carries the per-target outcomes of a publish run.
type Result struct {
	ZipPath string
	Targets []TargetResult
}

// URLs returns the canonical URLs of the targets that succeeded.
func (r Result) URLs() []string {
	var urls []string
	for _, t := range r.Targets {
		if t.Err == nil {
			urls = append(urls, t.URL)
		}
	}
	return urls
}

// Failed reports whether any target delivery failed.
func (r Result) Failed() bool {
	for _, t := range r.Targets {
		if t.Err != nil {
			return true
		}
	}
	return false
}

// Target delivers a study zip to one destination. Each target composes its
// own object key from the request because the filesystem layout and the
// bucket layouts differ.
type Target interface {
	Name() string
	// Store delivers the zip at zipPath and returns the canonical URL of
	// the stored object.
	Store(ctx context.Context, zipPath string, req Request) (string, apperrors.Error)
}

// Publisher zips and delivers studies to a set of targets.
type Publisher interface {
	Publish(ctx context.Context, req Request) (Result, apperrors.Error)
}

type publisher struct {
	stagingDir string
	targets    []Target
}

// New creates a Publisher staging zips under stagingDir.
func New(stagingDir string, targets ...Target) Publisher {
	return &publisher{stagingDir: stagingDir, targets: targets}
}

// ZipName composes the per-study zip filename from the manifest attributes.
// Empty attributes are omitted rather than leaving a dangling separator.
func ZipName(subjectID, oi01, oi02, oi03, uuid string) string {
	dir := subjectID
	for _, part := range []string{oi01, oi02, oi03} {
		if part != "" {
			dir += "_" + part
		}
	}
	return filepath.Join(dir, "uuid_"+uuid+".zip")
}

// ObjectKey composes the slash-separated object key used by bucket targets.
func ObjectKey(topLevel, subjectID, oi01, oi02, oi03, uuid string) string {
	parts := []string{}
	for _, part := range []string{topLevel, subjectID, oi01, oi02, oi03} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	parts = append(parts, "uuid_"+uuid+".zip")
	return strings.Join(parts, "/")
}

func (p *publisher) Publish(ctx context.Context, req Request) (Result, apperrors.Error) {
	if len(p.targets) == 0 {
		return Result{}, ErrNoTargets
	}

	zipPath := filepath.Join(p.stagingDir, "uuid_"+req.UUID+".zip")
	if err := os.MkdirAll(p.stagingDir, 0755); err != nil {
		return Result{}, ErrPublish.New("unable to create staging dir " + p.stagingDir).Err(err)
	}
	if err := archive.ZipDir(req.DeidDir, zipPath); err != nil {
		return Result{}, ErrPublish.New("unable to zip study " + req.UUID).Err(err)
	}

	result := Result{ZipPath: zipPath}
	for _, target := range p.targets {
		url, err := target.Store(ctx, zipPath, req)
		if err != nil {
			log.Ctx(ctx).Error().Str("target", target.Name()).Str("uuid", req.UUID).
				Err(err).Msg("target delivery failed")
		} else {
			log.Ctx(ctx).Info().Str("target", target.Name()).Str("url", url).Msg("study published")
		}
		result.Targets = append(result.Targets, TargetResult{Target: target.Name(), URL: url, Err: err})
	}
	return result, nil
}

// AppendTargetURL adds url to the comma-joined target list when absent. The
// comma is the storage separator; output lines re-join with semicolons.
func AppendTargetURL(existing, url string) string {
	if existing == "" {
		return url
	}
	for _, have := range strings.Split(existing, ",") {
		if have == url {
			return existing
		}
	}
	return existing + "," + url
}
