package persona

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danielpatrickdp/duet/go-controller/internal/prompt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const sampleYAML = `
system: be brief
world_rules: no magic
agents:
  - name: Ren
    persona: curious
    examples: ["what's that?"]
  - name: Sora
    persona: patient
knowledge:
  - id: k1
    text: The lab has a red door.
    keywords: [door, lab]
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, []string{"Aki", "Mio"}, c.AgentNames())
	assert.Equal(t, "Mio", c.Partner("Aki"))
}

func TestParseFillsDefaultSlots(t *testing.T) {
	c, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Len(t, c.Slots, len(prompt.DefaultSlots()))
	a, ok := c.Agent("Ren")
	require.True(t, ok)
	assert.Equal(t, "curious", a.Persona)
	_, ok = c.Agent("nobody")
	assert.False(t, ok)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"one agent", "agents: [{name: A, persona: x}]"},
		{"blank name", "agents: [{name: ' ', persona: x}, {name: B, persona: y}]"},
		{"no persona", "agents: [{name: A}, {name: B, persona: y}]"},
		{"duplicate", "agents: [{name: A, persona: x}, {name: a, persona: y}]"},
		{"bad slot", "agents: [{name: A, persona: x}, {name: B, persona: y}]\nslots: [{name: s}]"},
		{"not yaml", "agents: [oops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidContent)
		})
	}
}

func TestCurrentReturnsCopy(t *testing.T) {
	lib, err := NewLibrary("", nil)
	require.NoError(t, err)
	c := lib.Current()
	c.Agents[0].Name = "changed"
	c.Knowledge[0].Keywords[0] = "changed"
	again := lib.Current()
	assert.Equal(t, "Aki", again.Agents[0].Name)
	assert.NotEqual(t, "changed", again.Knowledge[0].Keywords[0])
	assert.Error(t, lib.Reload())
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	writeFile(t, path, sampleYAML)
	lib, err := NewLibrary(path, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lib.Generation())

	writeFile(t, path, "agents: []")
	require.Error(t, lib.Reload())
	assert.Equal(t, "Ren", lib.Current().Agents[0].Name)
	assert.Equal(t, int64(1), lib.Generation())
}

func TestWatchMarksPendingWithoutReloading(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	writeFile(t, path, sampleYAML)
	lib, err := NewLibrary(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lib.Watch(ctx, 20*time.Millisecond) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-done)
		})
	}
	t.Cleanup(stop)

	// The watcher registers asynchronously; keep touching the file until seen.
	updated := []byte(sampleYAML + "\n# edited\n")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, updated, 0o600)
		return lib.Pending()
	}, 5*time.Second, 50*time.Millisecond)

	stop()
	assert.Equal(t, int64(1), lib.Generation(), "watch never reloads")
	require.NoError(t, lib.Reload())
	assert.False(t, lib.Pending())
	assert.Equal(t, int64(2), lib.Generation())
}
