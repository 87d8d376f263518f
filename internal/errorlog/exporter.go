package errorlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

var exportName = regexp.MustCompile(`^error-logs-\d{4}-\d{2}-\d{2}\.gz$`)

// EntrySource supplies entries to export.
type EntrySource interface {
	Entries(filter Filter) []Entry
}

// ShareTarget uploads an export bundle somewhere the user can fetch it.
type ShareTarget interface {
	Upload(ctx context.Context, name string, path string) (location string, err error)
}

// ExportOptions filter the exported entries.
type ExportOptions struct {
	From     time.Time             `json:"from,omitempty"`
	To       time.Time             `json:"to,omitempty"`
	Codes    []apierrors.ErrorCode `json:"codes,omitempty"`
	Platform purchases.Platform    `json:"platform,omitempty"`
}

// ExportResult describes a written bundle.
type ExportResult struct {
	Path     string `json:"path"`
	FileName string `json:"fileName"`
	BundleID string `json:"bundleId"`
	Count    int    `json:"count"`
	Bytes    int64  `json:"bytes"`
}

// ExportInfo describes an existing bundle on disk.
type ExportInfo struct {
	FileName string    `json:"fileName"`
	Bytes    int64     `json:"bytes"`
	Modified time.Time `json:"modified"`
}

type bundle struct {
	ExportedAt time.Time `json:"exportedAt"`
	BundleID   string    `json:"bundleId"`
	Count      int       `json:"count"`
	Entries    []Entry   `json:"entries"`
}

// Exporter writes gzipped JSON bundles of error log entries to a directory.
type Exporter struct {
	source       EntrySource
	dir          string
	minFreeBytes uint64
	share        ShareTarget
	now          func() time.Time
	freeSpace    func(dir string) (uint64, error)
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

func WithShareTarget(t ShareTarget) ExporterOption { return func(e *Exporter) { e.share = t } }

func WithMinFreeBytes(n int64) ExporterOption {
	return func(e *Exporter) {
		if n > 0 {
			e.minFreeBytes = uint64(n)
		}
	}
}

func WithExportClock(now func() time.Time) ExporterOption { return func(e *Exporter) { e.now = now } }

func WithExportLogger(l zerolog.Logger) ExporterOption { return func(e *Exporter) { e.log = l } }

func WithExportMetrics(m *metrics.Metrics) ExporterOption { return func(e *Exporter) { e.metrics = m } }

// withFreeSpace overrides the free disk space lookup.
func withFreeSpace(fn func(string) (uint64, error)) ExporterOption {
	return func(e *Exporter) { e.freeSpace = fn }
}

func NewExporter(source EntrySource, dir string, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		source:       source,
		dir:          dir,
		minFreeBytes: 1 << 20,
		now:          time.Now,
		freeSpace:    freeBytes,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export writes <dir>/error-logs-YYYY-MM-DD.gz, replacing an earlier bundle from the same day.
func (e *Exporter) Export(ctx context.Context, opts ExportOptions) (ExportResult, error) {
	res, err := e.export(ctx, opts)
	status := "success"
	if err != nil {
		status = string(apierrors.CodeOf(err))
		e.log.Warn().Err(err).Msg("errorlog.export_failed")
	} else {
		e.log.Info().
			Str("file", res.FileName).
			Int("count", res.Count).
			Int64("bytes", res.Bytes).
			Msg("errorlog.export_written")
	}
	e.metrics.ObserveExport(status)
	return res, err
}

func (e *Exporter) export(ctx context.Context, opts ExportOptions) (ExportResult, error) {
	if !opts.From.IsZero() && !opts.To.IsZero() && opts.From.After(opts.To) {
		return ExportResult{}, apierrors.New(apierrors.ErrCodeInvalidDateRange, "start date is after end date")
	}
	now := e.now().UTC()
	if !opts.From.IsZero() && opts.From.After(now) {
		return ExportResult{}, apierrors.New(apierrors.ErrCodeInvalidDateRange, "start date is in the future")
	}

	entries := e.source.Entries(Filter{Since: opts.From, Until: opts.To, Codes: opts.Codes, Platform: opts.Platform})
	if len(entries) == 0 {
		return ExportResult{}, apierrors.New(apierrors.ErrCodeNoLogsAvailable, "no log entries match the export filter")
	}
	if err := ctx.Err(); err != nil {
		return ExportResult{}, apierrors.Wrap(apierrors.ErrCodeUnknownError, "export cancelled", err)
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return ExportResult{}, apierrors.Wrap(apierrors.ErrCodeFileWriteError, "cannot create export directory", err)
	}
	free, err := e.freeSpace(e.dir)
	if err != nil {
		return ExportResult{}, apierrors.Wrap(apierrors.ErrCodeFileWriteError, "cannot determine free space", err)
	}
	if free < e.minFreeBytes {
		return ExportResult{}, apierrors.New(apierrors.ErrCodeInsufficientStorage,
			fmt.Sprintf("%d bytes free, %d required", free, e.minFreeBytes))
	}

	b := bundle{ExportedAt: now, BundleID: uuid.NewString(), Count: len(entries), Entries: entries}
	name := fmt.Sprintf("error-logs-%s.gz", now.Format("2006-01-02"))
	path := filepath.Join(e.dir, name)

	size, err := writeBundle(path, b)
	if err != nil {
		return ExportResult{}, err
	}
	return ExportResult{Path: path, FileName: name, BundleID: b.BundleID, Count: b.Count, Bytes: size}, nil
}

// writeBundle gzips b into a temp file and renames it over path.
func writeBundle(path string, b bundle) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*.tmp")
	if err != nil {
		return 0, apierrors.Wrap(apierrors.ErrCodeFileWriteError, "cannot create export file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	buf := bufio.NewWriter(tmp)
	zw := gzip.NewWriter(buf)
	if err := json.NewEncoder(zw).Encode(b); err != nil {
		tmp.Close()
		return 0, apierrors.Wrap(apierrors.ErrCodeCompressionError, "cannot compress log bundle", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return 0, apierrors.Wrap(apierrors.ErrCodeCompressionError, "cannot finish log bundle", err)
	}
	if err := buf.Flush(); err != nil {
		tmp.Close()
		return 0, apierrors.Wrap(apierrors.ErrCodeFileWriteError, "cannot write export file", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, apierrors.Wrap(apierrors.ErrCodeFileWriteError, "cannot write export file", err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return 0, apierrors.Wrap(apierrors.ErrCodeFileWriteError, "cannot stat export file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, apierrors.Wrap(apierrors.ErrCodeFileWriteError, "cannot move export file into place", err)
	}
	return info.Size(), nil
}

// Share uploads an exported bundle with the configured target.
func (e *Exporter) Share(ctx context.Context, fileName string) (string, error) {
	if e.share == nil {
		return "", apierrors.New(apierrors.ErrCodeShareNotConfigured, "no share target configured")
	}
	path, err := e.resolve(fileName)
	if err != nil {
		return "", err
	}
	location, err := e.share.Upload(ctx, fileName, path)
	if err != nil {
		e.log.Warn().Err(err).Str("file", fileName).Msg("errorlog.share_failed")
		return "", apierrors.Wrap(apierrors.ErrCodeShareFailed, "upload failed", err)
	}
	e.log.Info().Str("file", fileName).Str("location", location).Msg("errorlog.share_completed")
	return location, nil
}

// ListExports returns bundles on disk, newest first.
func (e *Exporter) ListExports() ([]ExportInfo, error) {
	dirEntries, err := os.ReadDir(e.dir)
	if os.IsNotExist(err) {
		return []ExportInfo{}, nil
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodeFileWriteError, "cannot read export directory", err)
	}
	out := make([]ExportInfo, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !exportName.MatchString(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, ExportInfo{FileName: de.Name(), Bytes: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName > out[j].FileName })
	return out, nil
}

func (e *Exporter) DeleteExport(fileName string) error {
	path, err := e.resolve(fileName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeFileWriteError, "cannot delete export", err)
	}
	return nil
}

// resolve maps a bundle name to its path, rejecting anything that is not an export file.
func (e *Exporter) resolve(fileName string) (string, error) {
	if !exportName.MatchString(fileName) {
		return "", apierrors.New(apierrors.ErrCodeInvalidInput, "not an export file name")
	}
	path := filepath.Join(e.dir, fileName)
	if _, err := os.Stat(path); err != nil {
		return "", apierrors.Wrap(apierrors.ErrCodeNoLogsAvailable, "export not found", err)
	}
	return path, nil
}
