package oncecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

func TestEffectiveScope(t *testing.T) {
	assert.Equal(t, flow.OnceSession, EffectiveScope(flow.OnceSession, "s1"))
	assert.Equal(t, flow.OnceProfile, EffectiveScope(flow.OnceSession, ""))
	assert.Equal(t, flow.OnceProfile, EffectiveScope(flow.OnceProfile, "s1"))
}

func TestMarkAndClear(t *testing.T) {
	c := New()
	out := core.StepOutput{Vars: map[string]interface{}{"token": "abc"}}
	c.MarkExecuted("login", flow.OnceProfile, out)
	c.MarkExecuted("login", flow.OnceProfile, core.StepOutput{Vars: map[string]interface{}{"token": "def"}})

	assert.True(t, c.IsExecuted("login", flow.OnceProfile))
	assert.False(t, c.IsExecuted("login", flow.OnceSession))
	got, ok := c.Outputs("login", flow.OnceProfile)
	require.True(t, ok)
	assert.Equal(t, "def", got.Vars["token"], "re-marking overwrites")
	assert.Equal(t, 1, c.Len(flow.OnceProfile))

	c.MarkExecuted("warmup", flow.OnceSession, core.StepOutput{})
	c.Clear(flow.OnceProfile)
	assert.False(t, c.IsExecuted("login", flow.OnceProfile))
	assert.True(t, c.IsExecuted("warmup", flow.OnceSession))

	c.ClearAll()
	assert.Zero(t, c.Len(flow.OnceSession))
}

func TestCloneIsIndependent(t *testing.T) {
	c := New()
	c.MarkExecuted("a", flow.OnceProfile, core.StepOutput{})
	clone := c.Clone()
	clone.MarkExecuted("b", flow.OnceProfile, core.StepOutput{})

	assert.False(t, c.IsExecuted("b", flow.OnceProfile))
	c.Adopt(clone)
	assert.True(t, c.IsExecuted("b", flow.OnceProfile))
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	packDir := t.TempDir()
	loc := Location{SessionID: "sess-" + uuid.NewString(), ProfileID: "alice", ProfileDir: packDir}
	t.Cleanup(func() { os.Remove(SessionPath(loc.SessionID)) })

	c := New()
	c.MarkExecuted("login", flow.OnceProfile, core.StepOutput{
		Vars:         map[string]interface{}{"req": flow.RequestRef{RequestID: "req-1-1"}, "user": "alice"},
		Collectibles: map[string]interface{}{"greeting": "hi"},
		NetworkEntries: []core.NetworkEntry{
			{ID: "req-1-1", Method: "POST", URL: "https://example.com/api/login", Status: 200},
		},
	})
	c.MarkExecuted("cookies", flow.OnceSession, core.StepOutput{})
	require.NoError(t, c.Persist(loc))

	assert.FileExists(t, filepath.Join(packDir, ".cache", "once-alice.json"))
	assert.FileExists(t, SessionPath(loc.SessionID))

	loaded := New()
	require.NoError(t, loaded.LoadFromDisk(loc))
	out, ok := loaded.Outputs("login", flow.OnceProfile)
	require.True(t, ok)
	assert.Equal(t, flow.RequestRef{RequestID: "req-1-1"}, out.Vars["req"])
	assert.Equal(t, "alice", out.Vars["user"])
	assert.Equal(t, "hi", out.Collectibles["greeting"])
	require.Len(t, out.NetworkEntries, 1)
	assert.Equal(t, "https://example.com/api/login", out.NetworkEntries[0].URL)
	assert.True(t, loaded.IsExecuted("cookies", flow.OnceSession))
}

func TestPersistSkipsPartitionsWithoutID(t *testing.T) {
	packDir := t.TempDir()
	c := New()
	c.MarkExecuted("login", flow.OnceProfile, core.StepOutput{})
	require.NoError(t, c.Persist(Location{ProfileDir: packDir}))

	_, err := os.Stat(filepath.Join(packDir, ".cache"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadLegacyIDList(t *testing.T) {
	packDir := t.TempDir()
	path := ProfilePath("bob", packDir)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`  ["login", "accept_terms"]`), 0644))

	c := New()
	require.NoError(t, c.LoadFromDisk(Location{ProfileID: "bob", ProfileDir: packDir}))
	assert.True(t, c.IsExecuted("login", flow.OnceProfile))
	out, _ := c.Outputs("accept_terms", flow.OnceProfile)
	assert.True(t, out.IsEmpty())
}

func TestLoadCorruptFileIsEmpty(t *testing.T) {
	packDir := t.TempDir()
	path := ProfilePath("carol", packDir)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{"login": [`), 0644))

	c := New()
	c.MarkExecuted("stale", flow.OnceProfile, core.StepOutput{})
	err := c.LoadFromDisk(Location{ProfileID: "carol", ProfileDir: packDir})
	assert.Error(t, err)
	assert.Zero(t, c.Len(flow.OnceProfile))
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	c := New()
	require.NoError(t, c.LoadFromDisk(Location{ProfileID: "nobody", ProfileDir: t.TempDir()}))
	assert.Zero(t, c.Len(flow.OnceProfile))
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatIDList, DetectFormat([]byte("\n [\"a\"]")))
	assert.Equal(t, FormatOutputs, DetectFormat([]byte(`{}`)))
	assert.Equal(t, FormatUnknown, DetectFormat([]byte(``)))
	assert.Equal(t, FormatUnknown, DetectFormat([]byte(`"x"`)))
	assert.Equal(t, "id-list", FormatIDList.String())
}

func TestRestoreNestedRefs(t *testing.T) {
	out, err := Migrate([]byte(`{"s":{"vars":{"list":[{"$requestRef":"r1"}],"obj":{"$requestRef":"r2","extra":1}}}}`))
	require.NoError(t, err)
	vars := out["s"].Vars
	assert.Equal(t, []interface{}{flow.RequestRef{RequestID: "r1"}}, vars["list"])
	assert.IsType(t, map[string]interface{}{}, vars["obj"], "objects with extra keys are not refs")
}
