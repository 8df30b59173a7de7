package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/settings"
	"tomoon_nexus/internal/shared/types"
)

const profileYAML = "secret: topsecret\nrules:\n  - MATCH,DIRECT\n"

type recordingResetter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *recordingResetter) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *recordingResetter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type testEnv struct {
	ctrl     *Controller
	resetter *recordingResetter
	dir      string
	profile  string
	argsFile string
}

// newTestEnv 用一个 shell 脚本模拟内核：记录参数后常驻，或立即退出。
func newTestEnv(t *testing.T, script string, controllerURL string) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake core is a shell script")
	}
	dir := t.TempDir()
	coreDir := filepath.Join(dir, "core")
	os.MkdirAll(coreDir, 0755)

	argsFile := filepath.Join(dir, "args.txt")
	bin := filepath.Join(coreDir, "clash")
	body := "#!/bin/sh\necho \"$@\" > " + argsFile + "\n" + script + "\n"
	if err := os.WriteFile(bin, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}

	profile := filepath.Join(dir, "subs", "a.yaml")
	os.MkdirAll(filepath.Dir(profile), 0755)
	os.WriteFile(profile, []byte(profileYAML), 0644)

	resetter := &recordingResetter{}
	ctrl := New(Options{
		Binary:        bin,
		CoreDir:       coreDir,
		DataDir:       filepath.Join(dir, "data"),
		UIDir:         filepath.Join(coreDir, "web"),
		LogFile:       filepath.Join(dir, "clash.log"),
		ControllerURL: controllerURL,
		StopGrace:     time.Second,
		Resetter:      resetter,
	})
	t.Cleanup(func() { ctrl.Stop() })
	return &testEnv{ctrl: ctrl, resetter: resetter, dir: dir, profile: profile, argsFile: argsFile}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunStop_Lifecycle(t *testing.T) {
	env := newTestEnv(t, "exec sleep 30", "")
	c := env.ctrl

	if err := c.Run(env.profile, settings.Default()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !c.IsRunning() || c.State() != types.CoreRunning {
		t.Fatal("controller should be running")
	}

	waitFor(t, func() bool { _, err := os.Stat(env.argsFile); return err == nil })
	args, _ := os.ReadFile(env.argsFile)
	want := "-d " + filepath.Join(env.dir, "core") + " -f " + c.RunningConfigPath()
	if strings.TrimSpace(string(args)) != want {
		t.Errorf("core args\n got: %s\nwant: %s", args, want)
	}
	if _, err := os.Stat(c.RunningConfigPath()); err != nil {
		t.Errorf("running config not written: %v", err)
	}

	if err := c.Run(env.profile, settings.Default()); err == nil {
		t.Error("second Run must fail while running")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.IsRunning() {
		t.Error("controller should be stopped")
	}
	if env.resetter.count() != 1 {
		t.Errorf("network reset should run once, got %d", env.resetter.count())
	}
}

func TestStop_NotRunning(t *testing.T) {
	env := newTestEnv(t, "exit 0", "")
	if err := env.ctrl.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if env.resetter.count() != 0 {
		t.Errorf("reset must not run when nothing was stopped")
	}
}

func TestRun_UnexpectedExitReturnsToStopped(t *testing.T) {
	env := newTestEnv(t, "exit 3", "")
	if err := env.ctrl.Run(env.profile, settings.Default()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	waitFor(t, func() bool { return !env.ctrl.IsRunning() })
	if env.ctrl.LastExit() == nil {
		t.Error("exit reason should be recorded")
	}
	if err := env.ctrl.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop after crash should report not running, got %v", err)
	}
}

func TestRun_Failures(t *testing.T) {
	env := newTestEnv(t, "exec sleep 30", "")
	c := env.ctrl

	if err := c.Run("", settings.Default()); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("empty profile: expected NotFound, got %v", err)
	}
	if err := c.Run(filepath.Join(env.dir, "missing.yaml"), settings.Default()); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("missing profile: expected NotFound, got %v", err)
	}
	os.WriteFile(env.profile, []byte("- not a mapping\n"), 0644)
	if err := c.Run(env.profile, settings.Default()); !apperr.Is(err, apperr.ConfigFormat) {
		t.Errorf("bad profile: expected ConfigFormat, got %v", err)
	}
	if c.IsRunning() {
		t.Error("failed Run must not transition")
	}

	os.WriteFile(env.profile, []byte(profileYAML), 0644)
	c.opts.Binary = filepath.Join(env.dir, "no-such-binary")
	if err := c.Run(env.profile, settings.Default()); !apperr.Is(err, apperr.Inner) {
		t.Errorf("spawn failure: expected Inner, got %v", err)
	}
	if c.IsRunning() {
		t.Error("spawn failure must not transition")
	}
}

type apiCall struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]string
}

func newControlPlane(t *testing.T, status int) (*httptest.Server, *[]apiCall, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var calls []apiCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body := map[string]string{}
		json.Unmarshal(raw, &body)
		mu.Lock()
		calls = append(calls, apiCall{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization"), body})
		mu.Unlock()
		if r.URL.Path == "/version" {
			w.Write([]byte(`{"version":"v1.19.4","meta":true}`))
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &mu
}

func TestReloadConfig_CallsControlPlane(t *testing.T) {
	srv, calls, mu := newControlPlane(t, http.StatusNoContent)
	env := newTestEnv(t, "exit 0", srv.URL)
	c := env.ctrl
	c.SetProfile(env.profile)

	if err := c.ReloadConfig(context.Background(), settings.Default()); err != nil {
		t.Fatalf("ReloadConfig failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(*calls))
	}
	got := (*calls)[0]
	if got.Method != http.MethodPut || got.Path != "/configs" || got.Query != "reload=true" {
		t.Errorf("unexpected request %s %s?%s", got.Method, got.Path, got.Query)
	}
	if got.Body["path"] != c.RunningConfigPath() || got.Body["payload"] != "" {
		t.Errorf("unexpected body %v", got.Body)
	}
	if got.Auth != "Bearer topsecret" {
		t.Errorf("secret not forwarded: %q", got.Auth)
	}
}

func TestRestartCore_NonSuccessIsLoggedOnly(t *testing.T) {
	srv, calls, mu := newControlPlane(t, http.StatusInternalServerError)
	env := newTestEnv(t, "exit 0", srv.URL)

	if err := env.ctrl.RestartCore(context.Background()); err != nil {
		t.Fatalf("non-strict mode should not fail, got %v", err)
	}
	mu.Lock()
	if len(*calls) != 1 || (*calls)[0].Method != http.MethodPost || (*calls)[0].Path != "/restart" {
		t.Errorf("unexpected calls %+v", *calls)
	}
	mu.Unlock()

	strict := NewAPIClient(srv.URL, time.Second, true)
	if err := strict.Restart(context.Background(), ""); !apperr.Is(err, apperr.Network) {
		t.Errorf("strict mode should surface Network error, got %v", err)
	}
}

func TestAPIClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := NewAPIClient(url, 500*time.Millisecond, false)
	if err := a.ReloadConfig(context.Background(), "/x", ""); !apperr.Is(err, apperr.Network) {
		t.Fatalf("expected Network error, got %v", err)
	}
}

func TestAPIClient_Version(t *testing.T) {
	srv, _, _ := newControlPlane(t, http.StatusOK)
	v, err := NewAPIClient(srv.URL, time.Second, false).Version(context.Background(), "")
	if err != nil || v != "v1.19.4" {
		t.Fatalf("Version = %q, %v", v, err)
	}
}

func TestChangeConfig_RequiresProfile(t *testing.T) {
	env := newTestEnv(t, "exit 0", "")
	if err := env.ctrl.ChangeConfig(settings.Default()); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound without profile, got %v", err)
	}
	env.ctrl.SetProfile(env.profile)
	if err := env.ctrl.ChangeConfig(settings.Default()); err != nil {
		t.Fatalf("ChangeConfig failed: %v", err)
	}
	secret, err := env.ctrl.RunningSecret()
	if err != nil || secret != "topsecret" {
		t.Errorf("RunningSecret = %q, %v", secret, err)
	}
}

func TestCommandResetter(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	if err := NewCommandResetter("").Reset(context.Background()); err != nil {
		t.Errorf("empty command should be a no-op: %v", err)
	}
	if err := NewCommandResetter("/bin/sh -c true").Reset(context.Background()); err != nil {
		t.Errorf("successful command failed: %v", err)
	}
	if err := NewCommandResetter("/bin/sh -c false").Reset(context.Background()); err == nil {
		t.Error("failing command should return an error")
	}
}
