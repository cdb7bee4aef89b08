package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSlug(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
	}{
		{"My Cool App", "my-cool-app-"},
		{"  __weird__name!! ", "weird-name-"},
		{"!!!", "app-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slug := NewSlug(tt.name)
			assert.True(t, strings.HasPrefix(slug, tt.prefix), slug)
			assert.Len(t, slug, len(tt.prefix)+8)
			assert.True(t, ValidSlug(slug))
		})
	}
	assert.NotEqual(t, NewSlug("x"), NewSlug("x"))
}

func TestValidSlug(t *testing.T) {
	assert.True(t, ValidSlug("foo-abc123"))
	assert.False(t, ValidSlug("-foo"))
	assert.False(t, ValidSlug("Foo"))
	assert.False(t, ValidSlug("foo/../bar"))
	assert.False(t, ValidSlug(""))
}

func TestProtectedConfigs(t *testing.T) {
	for _, f := range []string{"default.conf", "test.conf", "upstreams.conf"} {
		assert.True(t, IsProtected(f), f)
	}
	assert.False(t, IsProtected("foo-abc123.conf"))
	assert.Equal(t, "foo", SlugFromFile("foo.conf"))
	assert.Equal(t, "", SlugFromFile("foo.txt"))
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("exit status 1")
	err := fmt.Errorf("deploy: %w", E(KindRun, "run", int64(7), "both network attempts failed", base))

	assert.Equal(t, KindRun, KindOf(err))
	assert.True(t, IsKind(err, KindRun))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "run error in run (app 7): both network attempts failed")

	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("app %w", ErrNotFound)))
	assert.Equal(t, KindConflict, KindOf(ErrJobConflict))
	assert.Equal(t, KindUnknown, KindOf(base))

	assert.True(t, KindBuild.Fatal())
	assert.False(t, KindTransport.Fatal())
}

func TestOwnershipLabels(t *testing.T) {
	now := time.Unix(1700000000, 0)
	labels := OwnershipLabels("lighthouse", 42, "Sales", ContainerName(42), ImageName(42), now)

	assert.Equal(t, "streamlit", labels[LabelType])
	assert.Equal(t, "42", labels[LabelAppID])
	assert.Equal(t, "1700000000", labels[LabelCreatedAt])
	assert.Equal(t, "streamlit-app-42", labels[LabelContainerName])
	assert.Equal(t, "Sales", labels[LabelAppName])

	c := Container{Labels: labels, State: StateRunning}
	assert.Equal(t, int64(42), c.AppID())
	assert.True(t, c.Running())

	noID := OwnershipLabels("lighthouse", 0, "", "x", "y", now)
	_, ok := noID[LabelAppID]
	require.False(t, ok)
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobProgress.Terminal())
	assert.True(t, JobSuccess.Terminal())
	assert.True(t, JobFailure.Terminal())
	assert.True(t, JobRevoked.Terminal())
}

func TestClearJobRef(t *testing.T) {
	a := &App{BuildJobID: "b", DeployJobID: "d", ActiveJobID: "d"}
	a.ClearJobRef("d")
	assert.Equal(t, "b", a.BuildJobID)
	assert.Empty(t, a.DeployJobID)
	assert.Empty(t, a.ActiveJobID)
}
