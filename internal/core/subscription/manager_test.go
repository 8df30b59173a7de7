package subscription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/settings"
	"tomoon_nexus/internal/shared/types"
)

const validProfile = "proxies: []\nrules:\n  - MATCH,DIRECT\n"

type fakeSource struct {
	mu        sync.Mutex
	status    int
	body      string
	header    map[string]string
	userAgent string
	hits      int
}

func (f *fakeSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	f.userAgent = r.Header.Get("User-Agent")
	for k, v := range f.header {
		w.Header().Set(k, v)
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
	}
	w.Write([]byte(f.body))
}

func newTestManager(t *testing.T) (*Manager, *settings.SettingsManager, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := settings.Open(filepath.Join(dir, "tomoon.json"))
	if err != nil {
		t.Fatal(err)
	}
	fetcher, err := NewFetcher(FetcherOptions{UserAgent: "ToMoon/test", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	subsDir := filepath.Join(dir, "subs")
	m := NewManager(store, fetcher, Options{Dir: subsDir, Concurrency: 2})
	return m, store, subsDir
}

func TestFetchAndRegister_Remote(t *testing.T) {
	src := &fakeSource{body: validProfile, header: map[string]string{
		"Content-Disposition": `attachment; filename="My Provider.yaml"`,
	}}
	srv := httptest.NewServer(src)
	defer srv.Close()

	m, store, subsDir := newTestManager(t)
	sub, err := m.FetchAndRegister(context.Background(), srv.URL+"/api/v1/client/token", false)
	if err != nil {
		t.Fatalf("FetchAndRegister failed: %v", err)
	}

	if sub.Path != filepath.Join(subsDir, "My_Provider.yaml") {
		t.Errorf("unexpected path %s", sub.Path)
	}
	src.mu.Lock()
	ua := src.userAgent
	src.mu.Unlock()
	if ua != "ToMoon/test" {
		t.Errorf("user agent not sent: %q", ua)
	}
	if data, _ := os.ReadFile(sub.Path); string(data) != validProfile {
		t.Errorf("file content mismatch: %q", data)
	}
	got := store.Get().Subscriptions
	if len(got) != 1 || got[0].URL != srv.URL+"/api/v1/client/token" {
		t.Errorf("subscription not registered: %+v", got)
	}
}

func TestFetchAndRegister_NameFromURLAndCollision(t *testing.T) {
	srv := httptest.NewServer(&fakeSource{body: validProfile})
	defer srv.Close()

	m, store, subsDir := newTestManager(t)
	for i := 0; i < 2; i++ {
		if _, err := m.FetchAndRegister(context.Background(), srv.URL+"/feeds/daily.yaml?token=x", false); err != nil {
			t.Fatalf("download %d failed: %v", i, err)
		}
	}
	subs := store.Get().Subscriptions
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}
	if subs[0].Path != filepath.Join(subsDir, "daily.yaml") || subs[1].Path != filepath.Join(subsDir, "daily_1.yaml") {
		t.Errorf("unexpected paths: %s, %s", subs[0].Path, subs[1].Path)
	}
}

func TestFetchAndRegister_404(t *testing.T) {
	srv := httptest.NewServer(&fakeSource{status: http.StatusNotFound, body: "nope"})
	defer srv.Close()

	m, store, subsDir := newTestManager(t)
	_, err := m.FetchAndRegister(context.Background(), srv.URL+"/gone", false)
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if n := len(store.Get().Subscriptions); n != 0 {
		t.Errorf("nothing should be registered, got %d", n)
	}
	if entries, _ := os.ReadDir(subsDir); len(entries) != 0 {
		t.Errorf("no file should be written, got %d", len(entries))
	}
}

func TestFetchAndRegister_ServerErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(&fakeSource{status: http.StatusBadGateway})
	defer srv.Close()

	m, _, _ := newTestManager(t)
	if _, err := m.FetchAndRegister(context.Background(), srv.URL, false); !apperr.Is(err, apperr.Network) {
		t.Fatalf("expected Network, got %v", err)
	}
}

func TestFetchAndRegister_RejectsNonProfile(t *testing.T) {
	srv := httptest.NewServer(&fakeSource{body: "<html>login required</html>"})
	defer srv.Close()

	m, store, _ := newTestManager(t)
	if _, err := m.FetchAndRegister(context.Background(), srv.URL+"/x", false); !apperr.Is(err, apperr.Content) {
		t.Fatalf("expected Content, got %v", err)
	}
	if len(store.Get().Subscriptions) != 0 {
		t.Errorf("invalid content must not be registered")
	}
}

func TestFetchAndRegister_LocalFile(t *testing.T) {
	m, store, subsDir := newTestManager(t)
	src := filepath.Join(t.TempDir(), "home profile.yaml")
	os.WriteFile(src, []byte(validProfile), 0644)

	sub, err := m.FetchAndRegister(context.Background(), "file://"+src, true)
	if err != nil {
		t.Fatalf("local import failed: %v", err)
	}
	if sub.Path != filepath.Join(subsDir, "home_profile.yaml") {
		t.Errorf("unexpected path %s", sub.Path)
	}
	if store.Get().Subscriptions[0].URL != "file://"+src {
		t.Errorf("original url must be recorded")
	}

	_, err = m.FetchAndRegister(context.Background(), "file://"+filepath.Join(t.TempDir(), "missing.yaml"), false)
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("missing local file should be NotFound, got %v", err)
	}
}

func TestFetchAndRegister_Subconverter(t *testing.T) {
	var gotQuery string
	conv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(validProfile))
	}))
	defer conv.Close()

	m, store, _ := newTestManager(t)
	m.opts.Subconverter = Subconverter{Endpoint: conv.URL + "/sub", ConfigURL: "http://cfg/ini"}

	if _, err := m.FetchAndRegister(context.Background(), "https://provider.example/link", true); err != nil {
		t.Fatalf("subconv download failed: %v", err)
	}
	if !strings.HasPrefix(gotQuery, "target=clash&url=https%3A%2F%2Fprovider.example%2Flink") {
		t.Errorf("converter got unexpected query %q", gotQuery)
	}
	sub := store.Get().Subscriptions[0]
	if sub.URL != "https://provider.example/link" || filepath.Base(sub.Path) != "link.yaml" {
		t.Errorf("unexpected registration: %+v", sub)
	}
}

func TestDelete_ClearsCurrentAndFile(t *testing.T) {
	srv := httptest.NewServer(&fakeSource{body: validProfile})
	defer srv.Close()

	m, store, _ := newTestManager(t)
	a, _ := m.FetchAndRegister(context.Background(), srv.URL+"/a", false)
	b, _ := m.FetchAndRegister(context.Background(), srv.URL+"/b", false)
	if err := m.Select(a.Path); err != nil {
		t.Fatal(err)
	}

	removed, err := m.Delete(0)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if removed.Path != a.Path {
		t.Errorf("removed wrong entry: %+v", removed)
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Errorf("backing file should be gone")
	}
	s := store.Get()
	if s.CurrentSub != "" {
		t.Errorf("current_sub should be cleared, got %q", s.CurrentSub)
	}
	if len(s.Subscriptions) != 1 || s.Subscriptions[0].Path != b.Path {
		t.Errorf("unexpected remaining subscriptions: %+v", s.Subscriptions)
	}

	if _, err := m.Delete(5); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("out of range delete should be NotFound, got %v", err)
	}
}

func TestSelect_UnknownPath(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.Select("/nowhere.yaml"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestUpdateAll_OverwritesInPlace(t *testing.T) {
	src := &fakeSource{body: validProfile}
	srv := httptest.NewServer(src)
	defer srv.Close()

	m, store, _ := newTestManager(t)
	a, _ := m.FetchAndRegister(context.Background(), srv.URL+"/a", false)
	m.FetchAndRegister(context.Background(), srv.URL+"/b", false)

	src.mu.Lock()
	src.body = "proxies: []\nrules:\n  - MATCH,REJECT\n"
	src.mu.Unlock()

	report := m.UpdateAll(context.Background())
	if report.Total != 2 || report.Updated != 2 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if data, _ := os.ReadFile(a.Path); !strings.Contains(string(data), "REJECT") {
		t.Errorf("file was not overwritten in place: %q", data)
	}
	if store.Get().Subscriptions[0].Path != a.Path {
		t.Errorf("paths must not change on update")
	}
}

func TestUpdateAll_FailureDoesNotStopOthers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(validProfile)) })
	mux.HandleFunc("/bad", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("garbage")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, store, _ := newTestManager(t)
	m.FetchAndRegister(context.Background(), srv.URL+"/ok", false)
	bad, _ := m.FetchAndRegister(context.Background(), srv.URL+"/ok", false)
	store.Update(func(s *settings.Settings) error {
		s.Subscriptions[1].URL = srv.URL + "/bad"
		return nil
	})

	report := m.UpdateAll(context.Background())
	if report.Updated != 1 || len(report.Failed) != 1 || report.Failed[0] != bad.Path {
		t.Fatalf("unexpected report: %+v", report)
	}
	if data, _ := os.ReadFile(bad.Path); string(data) != validProfile {
		t.Errorf("failed update must not clobber the existing file")
	}
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) BroadcastStatusUpdate() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestDownload_Background(t *testing.T) {
	srv := httptest.NewServer(&fakeSource{body: validProfile})
	defer srv.Close()

	m, store, _ := newTestManager(t)
	notifier := &countingNotifier{}
	m.SetNotifier(notifier)

	if err := m.Download(srv.URL+"/bg", false); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for m.DownloadStatus().Busy() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := m.DownloadStatus(); got != types.StatusSuccess {
		t.Fatalf("expected Success, got %s (%s)", got, m.DownloadError())
	}
	if len(store.Get().Subscriptions) != 1 {
		t.Errorf("background download did not register")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.n < 2 {
		t.Errorf("expected start and finish broadcasts, got %d", notifier.n)
	}
}

func waitIdle(t *testing.T, status func() types.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for status().Busy() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDownload_FailureRecordsReason(t *testing.T) {
	srv := httptest.NewServer(&fakeSource{status: http.StatusNotFound})
	defer srv.Close()

	m, _, _ := newTestManager(t)
	if err := m.Download(srv.URL+"/gone", false); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	waitIdle(t, m.DownloadStatus)

	if got := m.DownloadStatus(); got != types.StatusFailed {
		t.Fatalf("expected Failed, got %s", got)
	}
	if !strings.Contains(m.DownloadError(), "404") {
		t.Errorf("expected the 404 to be reported, got %q", m.DownloadError())
	}
}

func TestUpdateAllAsync_AllFailedRecordsReason(t *testing.T) {
	src := &fakeSource{body: validProfile}
	srv := httptest.NewServer(src)
	defer srv.Close()

	m, _, _ := newTestManager(t)
	if _, err := m.FetchAndRegister(context.Background(), srv.URL+"/a", false); err != nil {
		t.Fatal(err)
	}
	src.mu.Lock()
	src.status = http.StatusBadGateway
	src.mu.Unlock()

	if err := m.UpdateAllAsync(); err != nil {
		t.Fatalf("UpdateAllAsync failed: %v", err)
	}
	waitIdle(t, m.UpdateStatus)

	if got := m.UpdateStatus(); got != types.StatusFailed {
		t.Fatalf("expected Failed, got %s", got)
	}
	if m.UpdateError() == "" {
		t.Error("expected a failure reason")
	}
}
