package nginx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/adapters/docker/dockertest"
	"github.com/melih/lighthouse/internal/core/domain"
)

type fakeController struct {
	tests, reloads int
	testErr        error
	reloadErr      error
}

func (f *fakeController) Test(ctx context.Context) (string, error) {
	f.tests++
	if f.testErr != nil {
		return "nginx: [emerg] unexpected end of file", f.testErr
	}
	return "nginx: configuration file /etc/nginx/nginx.conf test is successful", nil
}

func (f *fakeController) Reload(ctx context.Context) error {
	f.reloads++
	return f.reloadErr
}

func newManager(t *testing.T) (*Manager, *fakeController, *dockertest.Runtime) {
	t.Helper()
	ctl := &fakeController{}
	rt := dockertest.New()
	return NewManager(t.TempDir(), ctl, rt, []string{"host.docker.internal"}, zerolog.Nop()), ctl, rt
}

func writeFile(t *testing.T, m *Manager, name, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(m.dir, name), []byte(text), 0o644))
}

func TestRenderParseRoundTrip(t *testing.T) {
	cases := []domain.Route{
		{Slug: "foo-abc123", UpstreamHost: "streamlit-app-1", UpstreamPort: 8501},
		{Slug: "a", UpstreamHost: "10.0.0.7", UpstreamPort: 1},
		{Slug: "sales-dashboard-9f8e7d6c", UpstreamHost: "host.docker.internal", UpstreamPort: 65535},
	}
	for _, r := range cases {
		text, err := Render(r)
		require.NoError(t, err)
		got, err := ParseProxyPass(text)
		require.NoError(t, err)
		assert.Equal(t, r, got)
		assert.NoError(t, checkStructure(r.Slug, text))
	}
}

func TestRenderContents(t *testing.T) {
	text, err := Render(domain.Route{Slug: "foo-abc123", UpstreamHost: "streamlit-app-1", UpstreamPort: 8501})
	require.NoError(t, err)

	assert.Contains(t, text, "location /foo-abc123/ {")
	assert.Contains(t, text, "proxy_pass http://streamlit-app-1:8501/;")
	assert.Contains(t, text, "proxy_set_header X-Script-Name /foo-abc123;")
	assert.Contains(t, text, `proxy_set_header Connection "upgrade";`)
	assert.Contains(t, text, "location /foo-abc123/_stcore/stream {")
	assert.Contains(t, text, `window.location.pathname.replace("/foo-abc123", "")`)
	assert.Contains(t, text, "expires 1y;")
}

func TestRenderRejectsBadInput(t *testing.T) {
	for _, r := range []domain.Route{
		{Slug: "Bad Slug", UpstreamHost: "h", UpstreamPort: 1},
		{Slug: "ok", UpstreamHost: "h; evil", UpstreamPort: 1},
		{Slug: "ok", UpstreamHost: "h", UpstreamPort: 0},
		{Slug: "ok", UpstreamHost: "h", UpstreamPort: 70000},
	} {
		_, err := Render(r)
		assert.True(t, domain.IsKind(err, domain.KindInvalid), "%+v", r)
	}
}

func TestRemoveProtected(t *testing.T) {
	m, _, _ := newManager(t)
	for name := range domain.ProtectedConfigs {
		writeFile(t, m, name, "server {}")
		removed, err := m.Remove(name)
		assert.ErrorIs(t, err, domain.ErrProtectedFile)
		assert.False(t, removed)
		assert.FileExists(t, filepath.Join(m.dir, name))
	}

	removed, err := m.Remove("missing.conf")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestApplyAndWithdraw(t *testing.T) {
	m, ctl, _ := newManager(t)
	ctx := context.Background()

	warn, err := m.Apply(ctx, domain.Route{Slug: "foo-abc123", UpstreamHost: "streamlit-app-1", UpstreamPort: 8501})
	require.NoError(t, err)
	assert.Empty(t, warn)
	assert.True(t, m.Exists("foo-abc123"))
	assert.Equal(t, 1, ctl.tests)
	assert.Equal(t, 1, ctl.reloads)

	host, port, err := m.Upstream("foo-abc123")
	require.NoError(t, err)
	assert.Equal(t, "streamlit-app-1", host)
	assert.Equal(t, 8501, port)

	warn, err = m.Withdraw(ctx, "foo-abc123")
	require.NoError(t, err)
	assert.Empty(t, warn)
	assert.False(t, m.Exists("foo-abc123"))

	// withdrawing again is a no-op without a reload
	_, err = m.Withdraw(ctx, "foo-abc123")
	require.NoError(t, err)
	assert.Equal(t, 2, ctl.reloads)
}

func TestApplyRollsBackNewFile(t *testing.T) {
	m, ctl, _ := newManager(t)
	ctl.testErr = domain.E(domain.KindProxy, "nginx test", errors.New("exit 1"))

	_, err := m.Apply(context.Background(), domain.Route{Slug: "foo-abc123", UpstreamHost: "h", UpstreamPort: 8501})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindProxy))
	assert.Contains(t, domain.OutputOf(err), "unexpected end of file")
	assert.False(t, m.Exists("foo-abc123"))
	assert.Zero(t, ctl.reloads)
}

func TestApplyRestoresPrevious(t *testing.T) {
	m, ctl, _ := newManager(t)
	ctx := context.Background()
	_, err := m.Apply(ctx, domain.Route{Slug: "foo-abc123", UpstreamHost: "old", UpstreamPort: 8501})
	require.NoError(t, err)

	ctl.testErr = errors.New("exit 1")
	_, err = m.Apply(ctx, domain.Route{Slug: "foo-abc123", UpstreamHost: "new", UpstreamPort: 8501})
	require.Error(t, err)

	host, _, err := m.Upstream("foo-abc123")
	require.NoError(t, err)
	assert.Equal(t, "old", host)
}

func TestApplyReloadFailureIsWarning(t *testing.T) {
	m, ctl, _ := newManager(t)
	ctl.reloadErr = errors.New("signal process started")

	warn, err := m.Apply(context.Background(), domain.Route{Slug: "foo-abc123", UpstreamHost: "h", UpstreamPort: 8501})
	require.NoError(t, err)
	assert.Contains(t, warn, "reload failed")
	assert.True(t, m.Exists("foo-abc123"))
}

func TestCleanupKeepsActiveAndReloadsOnce(t *testing.T) {
	m, ctl, _ := newManager(t)
	for _, name := range []string{"default.conf", "foo-abc123.conf", "bar-def456.conf"} {
		writeFile(t, m, name, "# placeholder\n")
	}

	report, err := m.Cleanup(context.Background(), []string{"foo-abc123"})
	require.NoError(t, err)

	assert.Equal(t, []domain.RemovedRoute{{File: "bar-def456.conf", Reason: domain.ReasonInactive}}, report.Removed)
	assert.Equal(t, []string{"foo-abc123.conf"}, report.Remaining)
	assert.True(t, report.Reloaded)
	assert.Equal(t, 1, ctl.tests)
	assert.Equal(t, 1, ctl.reloads)
	assert.FileExists(t, filepath.Join(m.dir, "default.conf"))
	assert.FileExists(t, filepath.Join(m.dir, "foo-abc123.conf"))
	assert.NoFileExists(t, filepath.Join(m.dir, "bar-def456.conf"))
}

func TestCleanupNothingToRemove(t *testing.T) {
	m, ctl, _ := newManager(t)
	writeFile(t, m, "foo-abc123.conf", "")

	report, err := m.Cleanup(context.Background(), []string{"foo-abc123"})
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
	assert.False(t, report.Reloaded)
	assert.Zero(t, ctl.tests)
}

func TestCleanupValidationFailure(t *testing.T) {
	m, ctl, _ := newManager(t)
	writeFile(t, m, "bar-def456.conf", "")
	ctl.testErr = domain.E(domain.KindProxy, "nginx test", errors.New("exit 1"))

	report, err := m.Cleanup(context.Background(), nil)
	require.Error(t, err)
	assert.Len(t, report.Removed, 1)
	assert.False(t, report.Reloaded)
	assert.Zero(t, ctl.reloads)
}

func TestValidateAndCleanup(t *testing.T) {
	m, ctl, rt := newManager(t)
	route := func(slug, host string) {
		text, err := Render(domain.Route{Slug: slug, UpstreamHost: host, UpstreamPort: 8501})
		require.NoError(t, err)
		writeFile(t, m, slug+".conf", text)
	}

	rt.Add(domain.Container{Name: "streamlit-app-1", State: domain.StateRunning, CreatedAt: time.Now()})
	rt.Add(domain.Container{Name: "streamlit-app-2", State: domain.StateExited, CreatedAt: time.Now()})
	route("healthy-1", "streamlit-app-1")
	route("stopped-2", "streamlit-app-2")
	route("gone-3", "streamlit-app-3")
	route("fallback-4", "host.docker.internal")
	writeFile(t, m, "broken-5.conf", "location /broken-5/ {\n")
	writeFile(t, m, "test.conf", "anything")

	report, err := m.ValidateAndCleanup(context.Background())
	require.NoError(t, err)

	reasons := map[string]string{}
	for _, r := range report.Removed {
		reasons[r.File] = r.Reason
	}
	assert.Equal(t, domain.ReasonUpstreamStopped, reasons["stopped-2.conf"])
	assert.Equal(t, domain.ReasonUpstreamMissing, reasons["gone-3.conf"])
	assert.Contains(t, reasons["broken-5.conf"], "invalid config:")
	assert.ElementsMatch(t, []string{"healthy-1.conf", "fallback-4.conf"}, report.Remaining)
	assert.True(t, report.Reloaded)
	assert.Equal(t, 1, ctl.reloads)
	assert.FileExists(t, filepath.Join(m.dir, "test.conf"))
}

func TestList(t *testing.T) {
	m, _, _ := newManager(t)
	writeFile(t, m, "default.conf", "")
	writeFile(t, m, "upstreams.conf", "")
	writeFile(t, m, "foo-abc123.conf", "")
	writeFile(t, m, "README", "")

	l, err := m.List()
	require.NoError(t, err)
	assert.Len(t, l.AllFiles, 3)
	assert.Equal(t, []string{"foo-abc123.conf"}, l.AppConfigs)
	assert.ElementsMatch(t, []string{"default.conf", "upstreams.conf"}, l.SystemFiles)
}

func TestControllerClassifiesExitCodes(t *testing.T) {
	rt := dockertest.New()
	rt.ExecFn = func(container string, cmd []string) (string, int, error) {
		if cmd[1] == "-t" {
			return "nginx: [emerg] host not found in upstream", 1, nil
		}
		return "", 0, nil
	}
	c := NewController(rt, "streamlit_platform_nginx", time.Second, zerolog.Nop())

	out, err := c.Test(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindProxy))
	assert.Contains(t, out, "host not found")
	assert.Contains(t, domain.OutputOf(err), "host not found")
	assert.NoError(t, c.Reload(context.Background()))
	assert.Contains(t, rt.CallsSnapshot()[0], "exec streamlit_platform_nginx")
}

func TestControllerBreakerOpens(t *testing.T) {
	rt := dockertest.New()
	calls := 0
	rt.ExecFn = func(string, []string) (string, int, error) {
		calls++
		return "", 0, errors.New("connection refused")
	}
	c := NewController(rt, "nginx", time.Second, zerolog.Nop())

	for i := 0; i < 7; i++ {
		_ = c.Reload(context.Background())
	}
	assert.Equal(t, 5, calls)
}
