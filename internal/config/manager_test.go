// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquifercache/aquifer/internal/log"
	"github.com/aquifercache/aquifer/router"
)

// stubBuild registers a no-op resolver per declared procedure so manager
// tests stay free of HTTP machinery.
func stubBuild(cfg *Config) (*router.Router, error) {
	r := router.New()
	for _, p := range cfg.Procedures {
		resolver := func(ctx context.Context, input json.RawMessage) (any, error) {
			return nil, nil
		}
		if p.Kind == "mutation" {
			r.Mutation(p.Path, resolver)
		} else {
			r.Query(p.Path, resolver)
		}
	}
	return r, nil
}

const managerConfigA = `
listen: ":9090"
procedures:
  - path: post.byId
    kind: query
    url: http://origin.example/posts
`

const managerConfigB = `
listen: ":9091"
procedures:
  - path: post.byId
    kind: query
    url: http://origin.example/posts
  - path: user.byId
    kind: query
    url: http://origin.example/users
`

func TestManagerInitialSnapshot(t *testing.T) {
	path := writeConfig(t, managerConfigA)

	m, err := NewManager(path, "test", stubBuild)
	require.NoError(t, err)

	snap := m.Current()
	require.NotNil(t, snap)
	assert.Equal(t, ":9090", snap.Config.Listen)
	assert.Equal(t, 1, snap.Router.Len())
	assert.Equal(t, "test", snap.Config.Version)
}

func TestManagerRejectsInvalidInitialConfig(t *testing.T) {
	path := writeConfig(t, "listen: \"\"\n")
	_, err := NewManager(path, "test", stubBuild)
	assert.Error(t, err)
}

func TestManagerReloadSwapsSnapshot(t *testing.T) {
	path := writeConfig(t, managerConfigA)

	m, err := NewManager(path, "test", stubBuild)
	require.NoError(t, err)

	var notified *Snapshot
	m.Subscribe(func(s *Snapshot) { notified = s })

	require.NoError(t, os.WriteFile(path, []byte(managerConfigB), 0600))
	require.NoError(t, m.Reload(context.Background()))

	snap := m.Current()
	assert.Equal(t, ":9091", snap.Config.Listen)
	assert.Equal(t, 2, snap.Router.Len())
	require.NotNil(t, notified)
	assert.Same(t, snap, notified)
}

func TestManagerInvalidReloadKeepsOldSnapshot(t *testing.T) {
	path := writeConfig(t, managerConfigA)

	m, err := NewManager(path, "test", stubBuild)
	require.NoError(t, err)
	before := m.Current()

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  backend: etcd\n"), 0600))
	require.Error(t, m.Reload(context.Background()))

	assert.Same(t, before, m.Current(), "failed reload must not swap")
}

func TestManagerWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aquifer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(managerConfigA), 0600))

	m, err := NewManager(path, "test", stubBuild)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte(managerConfigB), 0600))

	require.Eventually(t, func() bool {
		return m.Current().Config.Listen == ":9091"
	}, 5*time.Second, 50*time.Millisecond, "watcher should pick up the write")

	cancel()
}

func TestManagerWatchWithoutPathIsNoop(t *testing.T) {
	m := &Manager{logger: log.WithComponent("config")}
	assert.NoError(t, m.Watch(context.Background()))
}
