package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totalorder/synod/internal/synod"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfigFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
self: n0
listen: 0.0.0.0:5000
group_id: 1
servers:
  - uid: n0
    address: 10.0.0.1
    port: 5000
  - uid: n1
    address: 10.0.0.2
    port: 5000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, synod.DefaultEventHorizon, cfg.EventHorizon)
	assert.EqualValues(t, 256, cfg.CacheLimitMB)
}

func TestLoadRejectsMissingSelf(t *testing.T) {
	path := writeConfig(t, `
servers:
  - uid: n0
    address: 10.0.0.1
`)
	_, err := Load(path)
	assert.Error(t, err, "expected an error when self is missing")
}

func TestLoadRejectsEmptyServers(t *testing.T) {
	path := writeConfig(t, `
self: n0
`)
	_, err := Load(path)
	assert.Error(t, err, "expected an error when servers is empty")
}

func TestLoadRejectsSelfNotInServers(t *testing.T) {
	path := writeConfig(t, `
self: n9
servers:
  - uid: n0
    address: 10.0.0.1
`)
	_, err := Load(path)
	assert.Error(t, err, "expected an error when self is not a member of servers")
}

func TestLoadRejectsOutOfRangeEventHorizon(t *testing.T) {
	path := writeConfig(t, `
self: n0
event_horizon: 99999
servers:
  - uid: n0
    address: 10.0.0.1
`)
	_, err := Load(path)
	assert.Error(t, err, "expected an error for an out-of-range event horizon")
}

func TestSiteBuildsUnifiedBootSite(t *testing.T) {
	path := writeConfig(t, `
self: n0
servers:
  - uid: n0
    address: 10.0.0.1
    port: 5000
  - uid: n1
    address: 10.0.0.2
    port: 5001
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	site := cfg.Site()
	require.Len(t, site.Nodes, 2)
	assert.Equal(t, "n0", site.Nodes[0].UID)
	assert.EqualValues(t, 0, cfg.NodeNo())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err, "expected an error for a missing config file")
}
