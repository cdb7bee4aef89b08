package docker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
)

type call struct {
	args []string
}

type reply struct {
	stdout, stderr string
	code           int
	err            error
}

// scriptedRunner answers by the first argument prefix that matches.
type scriptedRunner struct {
	calls   []call
	replies map[string]reply
}

func (s *scriptedRunner) run(_ context.Context, args ...string) (string, string, int, error) {
	s.calls = append(s.calls, call{args: args})
	joined := strings.Join(args, " ")
	best := ""
	for prefix := range s.replies {
		if strings.HasPrefix(joined, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	r := s.replies[best]
	return r.stdout, r.stderr, r.code, r.err
}

func (s *scriptedRunner) joined(i int) string {
	return strings.Join(s.calls[i].args, " ")
}

func newCLI(replies map[string]reply) (*CLIAdapter, *scriptedRunner) {
	s := &scriptedRunner{replies: replies}
	return NewCLIAdapter(s.run, 10*time.Second), s
}

func TestCLIRunArgs(t *testing.T) {
	a, s := newCLI(map[string]reply{"run": {stdout: "abc123\n"}})

	id, err := a.Run(context.Background(), domain.RunSpec{
		Image:   "streamlit-app-42",
		Name:    "streamlit-app-42",
		Network: "platform_net",
		Env:     map[string]string{"B": "2", "A": "1"},
		Labels:  map[string]string{"app.id": "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
	assert.Equal(t,
		"run -d --name streamlit-app-42 --network platform_net --restart unless-stopped --expose 8501 -e A=1 -e B=2 --label app.id=42 streamlit-app-42",
		s.joined(0))
}

func TestCLIRunNetworkFailure(t *testing.T) {
	a, s := newCLI(map[string]reply{
		"run": {stderr: "docker: Error response from daemon: network custom_net not found.", code: 125},
		"rm":  {},
	})

	_, err := a.Run(context.Background(), domain.RunSpec{Image: "img", Name: "c1", Network: "custom_net"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNetworkJoin)
	assert.Equal(t, "rm -f c1", s.joined(1))
}

func TestCLIRunPublishPort(t *testing.T) {
	a, s := newCLI(map[string]reply{"run": {stdout: "id\n"}})

	_, err := a.Run(context.Background(), domain.RunSpec{Image: "img", Name: "c1", PublishPort: true, HostPort: 8501})
	require.NoError(t, err)
	assert.Contains(t, s.joined(0), "-p 8501:8501")
	assert.NotContains(t, s.joined(0), "--network")
}

func TestCLIStopRemoveIdempotent(t *testing.T) {
	a, _ := newCLI(map[string]reply{
		"stop": {stderr: "Error response from daemon: No such container: gone", code: 1},
		"rm":   {stderr: "Error: No such container: gone", code: 1},
	})

	assert.NoError(t, a.Stop(context.Background(), "gone"))
	assert.NoError(t, a.Remove(context.Background(), "gone"))
}

func TestCLIStopOtherError(t *testing.T) {
	a, _ := newCLI(map[string]reply{"stop": {stderr: "permission denied", code: 1}})
	assert.Error(t, a.Stop(context.Background(), "x"))
}

func TestCLIInspect(t *testing.T) {
	a, _ := newCLI(map[string]reply{
		"inspect --type container": {stdout: `{"Id":"abc","Name":"/streamlit-app-1","Created":"2024-05-01T10:00:00.123456789Z","State":{"Status":"running"},"Config":{"Image":"streamlit-app-1","Labels":{"app.id":"1"}}}`},
	})

	c, err := a.Inspect(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "streamlit-app-1", c.Name)
	assert.True(t, c.Running())
	assert.Equal(t, int64(1), c.AppID())
	assert.Equal(t, 2024, c.CreatedAt.Year())
}

func TestCLIInspectNotFound(t *testing.T) {
	a, _ := newCLI(map[string]reply{
		"inspect": {stderr: "Error: No such container: x", code: 1},
	})
	_, err := a.Inspect(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCLIList(t *testing.T) {
	out := `{"ID":"a1","Names":"streamlit-app-1","Image":"streamlit-app-1","State":"running","Status":"Up 2 hours","Labels":"app.platform=p,app.id=1","CreatedAt":"2024-05-01 10:00:00 +0000 UTC"}
{"ID":"b2","Names":"stray","Image":"img","State":"exited","Status":"Exited (0)","Labels":"app.platform=p","CreatedAt":"2024-05-01 10:00:00 +0000 UTC"}
`
	a, s := newCLI(map[string]reply{"ps": {stdout: out}})

	list, err := a.List(context.Background(), map[string]string{"app.platform": "p"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(1), list[0].AppID())
	assert.Equal(t, "p", list[1].Labels["app.platform"])
	assert.False(t, list[1].Running())
	assert.Contains(t, s.joined(0), "--filter label=app.platform=p")
}

func TestCLIBuildFailure(t *testing.T) {
	a, _ := newCLI(map[string]reply{
		"build": {stdout: "Step 1/5 : FROM python\n", stderr: "ERROR: pip failed\n", code: 1},
	})

	out, err := a.Build(context.Background(), domain.BuildSpec{ContextDir: "/tmp/src", Dockerfile: "Dockerfile.lighthouse", Image: "img"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBuild))
	assert.Contains(t, out, "pip failed")
	assert.Contains(t, domain.OutputOf(err), "Step 1/5")
}

func TestCLIBuildArgs(t *testing.T) {
	a, s := newCLI(map[string]reply{"build": {stdout: "ok"}})

	_, err := a.Build(context.Background(), domain.BuildSpec{ContextDir: "/tmp/src", Dockerfile: "Dockerfile.lighthouse", Image: "img"})
	require.NoError(t, err)
	assert.Equal(t, "build -t img -f /tmp/src/Dockerfile.lighthouse --rm --force-rm /tmp/src", s.joined(0))
}

func TestCLIExec(t *testing.T) {
	a, _ := newCLI(map[string]reply{
		"exec nginx nginx -t": {stderr: "nginx: configuration file /etc/nginx/nginx.conf test failed", code: 1},
	})
	out, code, err := a.Exec(context.Background(), "nginx", []string{"nginx", "-t"})
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "test failed")
}

func TestCLIPing(t *testing.T) {
	a, _ := newCLI(map[string]reply{"version": {err: errors.New("exec: \"docker\": executable file not found")}})
	assert.Error(t, a.Ping(context.Background()))
}

func TestCLIPrune(t *testing.T) {
	a, _ := newCLI(map[string]reply{
		"container prune": {stdout: "Deleted Containers:\nabc\ndef\n\nTotal reclaimed space: 1MB\n"},
		"image prune":     {stderr: "daemon busy", code: 1},
	})
	r, err := a.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "def"}, r.Containers.Deleted)
	assert.False(t, r.Images.Success)
	assert.Equal(t, "daemon busy", r.Images.Error)
}

func TestPickNetwork(t *testing.T) {
	nets := []domain.Network{{Name: "bridge"}, {Name: "other_default"}, {Name: "open-streamlit-gallery_net"}}
	assert.Equal(t, "open-streamlit-gallery_net", pickNetwork(nets, "streamlit"))
	assert.Equal(t, "other_default", pickNetwork(nets[:2], "streamlit"))
	assert.Equal(t, "bridge", pickNetwork(nets[:1], "streamlit"))
}

func TestDetectNetworkConfigured(t *testing.T) {
	a, _ := newCLI(map[string]reply{
		"network inspect": {stdout: `{"Id":"n1","Name":"custom_net","Driver":"bridge"}`},
	})
	assert.Equal(t, "custom_net", DetectNetwork(context.Background(), a, "custom_net", "streamlit", zerolog.Nop()))
}

func TestDetectNetworkMissingConfigured(t *testing.T) {
	a, _ := newCLI(map[string]reply{
		"network inspect": {stderr: "Error: No such network: custom_net", code: 1},
		"network ls":      {stdout: `{"ID":"1","Name":"bridge","Driver":"bridge"}` + "\n" + `{"ID":"2","Name":"proj_default","Driver":"bridge"}`},
	})
	assert.Equal(t, "proj_default", DetectNetwork(context.Background(), a, "custom_net", "streamlit", zerolog.Nop()))
}

func TestSelectReportsNoRuntime(t *testing.T) {
	_, err := Select(context.Background(), Options{
		Backend:      "cli",
		DockerBinary: "/nonexistent/docker",
		ProbeTimeout: time.Second,
	}, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRuntimeDisabled)
	assert.Contains(t, err.Error(), "cli")
}
