package errorlog

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestLoggerRingDropsOldest(t *testing.T) {
	l := NewLogger(3)
	for _, code := range []apierrors.ErrorCode{"A", "B", "C", "D"} {
		l.LogError(code, "msg", false)
	}
	entries := l.Entries(Filter{})
	if len(entries) != 3 || l.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Code != "B" || entries[2].Code != "D" {
		t.Errorf("unexpected order: %v %v %v", entries[0].Code, entries[1].Code, entries[2].Code)
	}
	l.Clear()
	if l.Len() != 0 || len(l.Entries(Filter{})) != 0 {
		t.Error("clear should drop every entry")
	}
}

func TestLoggerFilters(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLogger(10, WithClock(clock.now))
	l.LogError(apierrors.ErrCodeNetworkError, "a", true, WithPlatform(purchases.PlatformIOS))
	clock.t = clock.t.Add(time.Hour)
	l.LogError(apierrors.ErrCodeDBError, "b", true, WithPlatform(purchases.PlatformAndroid))
	clock.t = clock.t.Add(time.Hour)
	l.LogError(apierrors.ErrCodeNetworkError, "c", true, WithPlatform(purchases.PlatformAndroid))

	if got := l.Entries(Filter{Codes: []apierrors.ErrorCode{apierrors.ErrCodeNetworkError}}); len(got) != 2 {
		t.Errorf("code filter: got %d", len(got))
	}
	if got := l.Entries(Filter{Platform: purchases.PlatformAndroid}); len(got) != 2 {
		t.Errorf("platform filter: got %d", len(got))
	}
	since := time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)
	until := time.Date(2024, 1, 1, 1, 30, 0, 0, time.UTC)
	if got := l.Entries(Filter{Since: since, Until: until}); len(got) != 1 || got[0].Message != "b" {
		t.Errorf("date filter: got %+v", got)
	}
}

func TestLogPurchaseError(t *testing.T) {
	l := NewLogger(10)
	var watched []Entry
	l.Watch(func(e Entry) { watched = append(watched, e) })

	l.LogPurchaseError(apierrors.New(apierrors.ErrCodeCancelled, "closed"), purchases.PlatformIOS, nil)
	if l.Len() != 0 {
		t.Fatal("cancellation must not be logged")
	}

	l.LogPurchaseError(apierrors.Wrap(apierrors.ErrCodeDBError, "metadata write failed", stderrors.New("disk full")),
		purchases.PlatformAndroid, map[string]string{"transaction_id": "tx-1"})
	entries := l.Entries(Filter{})
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Code != apierrors.ErrCodeDBError || !e.Retryable || e.Message != "metadata write failed" || e.Metadata["transaction_id"] != "tx-1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.ID == "" {
		t.Error("entry must have an id")
	}
	if len(watched) != 1 {
		t.Errorf("watcher saw %d entries", len(watched))
	}
}

func TestMonitorAnomalies(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMonitor(5*time.Minute, 2, WithMonitorClock(clock.now))
	var alerts []Anomaly
	m.Subscribe(func(a Anomaly) { alerts = append(alerts, a) })

	record := func(code apierrors.ErrorCode) {
		m.Record(Entry{Code: code, Timestamp: clock.t, Retryable: true, Platform: purchases.PlatformIOS})
	}
	record(apierrors.ErrCodeNetworkError)
	record(apierrors.ErrCodeNetworkError)
	if len(alerts) != 0 {
		t.Fatalf("threshold not yet exceeded, got %v", alerts)
	}
	record(apierrors.ErrCodeNetworkError)
	record(apierrors.ErrCodeNetworkError)
	if len(alerts) != 1 || alerts[0].Code != apierrors.ErrCodeNetworkError || alerts[0].Count != 3 {
		t.Fatalf("expected a single onset alert, got %+v", alerts)
	}

	if got := m.DetectAnomalies(); len(got) != 1 || got[0].Count != 4 {
		t.Errorf("unexpected anomalies: %+v", got)
	}
	s := m.Summary()
	if s.Total != 4 || s.ByCode[apierrors.ErrCodeNetworkError] != 4 || s.ByPlatform["ios"] != 4 || s.Retryable != 4 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if rate := m.ErrorRate(0); rate != 4.0/5.0 {
		t.Errorf("rate = %v", rate)
	}

	clock.t = clock.t.Add(6 * time.Minute)
	if got := m.DetectAnomalies(); len(got) != 0 {
		t.Errorf("window should have expired, got %+v", got)
	}
}

func seeded(t *testing.T, clock *fakeClock) *Logger {
	t.Helper()
	l := NewLogger(10, WithClock(clock.now))
	l.LogError(apierrors.ErrCodeNetworkError, "offline", true, WithPlatform(purchases.PlatformIOS))
	l.LogError(apierrors.ErrCodeVerificationFailed, "bad receipt", false, WithPlatform(purchases.PlatformAndroid))
	return l
}

func plenty(string) (uint64, error) { return 1 << 40, nil }

func TestExportWritesGzipBundle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)}
	dir := t.TempDir()
	e := NewExporter(seeded(t, clock), dir, WithExportClock(clock.now), withFreeSpace(plenty))

	res, err := e.Export(context.Background(), ExportOptions{Platform: purchases.PlatformIOS})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.FileName != "error-logs-2024-03-09.gz" || res.Count != 1 || res.Bytes <= 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	f, err := os.Open(filepath.Join(dir, res.FileName))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var b bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.BundleID != res.BundleID || b.Count != 1 || b.Entries[0].Code != apierrors.ErrCodeNetworkError {
		t.Errorf("unexpected bundle: %+v", b)
	}

	list, err := e.ListExports()
	if err != nil || len(list) != 1 || list[0].FileName != res.FileName {
		t.Fatalf("list: %+v %v", list, err)
	}
	if err := e.DeleteExport(res.FileName); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if list, _ := e.ListExports(); len(list) != 0 {
		t.Errorf("export should be gone, got %+v", list)
	}
}

func TestExportFailures(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)}
	dir := t.TempDir()

	e := NewExporter(NewLogger(10), dir, WithExportClock(clock.now), withFreeSpace(plenty))
	if _, err := e.Export(context.Background(), ExportOptions{}); !apierrors.Is(err, apierrors.ErrCodeNoLogsAvailable) {
		t.Errorf("empty log: got %v", err)
	}

	e = NewExporter(seeded(t, clock), dir, WithExportClock(clock.now), withFreeSpace(plenty))
	_, err := e.Export(context.Background(), ExportOptions{From: clock.t, To: clock.t.Add(-time.Hour)})
	if !apierrors.Is(err, apierrors.ErrCodeInvalidDateRange) {
		t.Errorf("inverted range: got %v", err)
	}

	e = NewExporter(seeded(t, clock), dir, WithExportClock(clock.now), WithMinFreeBytes(1024),
		withFreeSpace(func(string) (uint64, error) { return 10, nil }))
	_, err = e.Export(context.Background(), ExportOptions{})
	if !apierrors.Is(err, apierrors.ErrCodeInsufficientStorage) || !apierrors.IsRetryable(err) {
		t.Errorf("low disk: got %v", err)
	}
}

type fakePutter struct {
	key string
	err error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = *in.Key
	_, _ = io.Copy(io.Discard, in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestShare(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)}
	dir := t.TempDir()

	e := NewExporter(seeded(t, clock), dir, WithExportClock(clock.now), withFreeSpace(plenty))
	res, err := e.Export(context.Background(), ExportOptions{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := e.Share(context.Background(), res.FileName); !apierrors.Is(err, apierrors.ErrCodeShareNotConfigured) {
		t.Errorf("no target: got %v", err)
	}

	putter := &fakePutter{}
	e = NewExporter(seeded(t, clock), dir, WithShareTarget(newS3ShareTarget(putter, "logs", "exports")), withFreeSpace(plenty))
	loc, err := e.Share(context.Background(), res.FileName)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if putter.key != "exports/"+res.FileName || loc != "s3://logs/exports/"+res.FileName {
		t.Errorf("unexpected upload key=%s location=%s", putter.key, loc)
	}

	putter.err = stderrors.New("denied")
	if _, err := e.Share(context.Background(), res.FileName); !apierrors.Is(err, apierrors.ErrCodeShareFailed) {
		t.Errorf("upload failure: got %v", err)
	}
	if _, err := e.Share(context.Background(), "../etc/passwd"); !apierrors.Is(err, apierrors.ErrCodeInvalidInput) {
		t.Errorf("path traversal: got %v", err)
	}
}
