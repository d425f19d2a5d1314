package appconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/runtimeconfig"
)

type fakeSink struct{ events []*event.Event }

func (s *fakeSink) Emit(evt *event.Event) { s.events = append(s.events, evt) }

const sampleTopology = `{
  "engines": {
    "eng1": {
      "tenants": {
        "t1": {
          "modules": [
            {"name": "sshd_logins", "module": ["correlator.module.sshd", "Module"],
             "config": {"login_failure_limit": 10}}
          ]
        }
      }
    }
  },
  "reactors": {
    "r1": {
      "tenants": {
        "t1": {
          "handlers": [
            {"name": "audit", "module": ["correlator.handler.log", "Handler"],
             "config": {"content_type": "text/plain"}, "default_action": true}
          ]
        }
      }
    }
  }
}`

func writeTopology(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadParsesJSONTopology(t *testing.T) {
	path := writeTopology(t, sampleTopology)
	topo, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, topo.Engines, "eng1")
	require.Contains(t, topo.Reactors, "r1")
}

func TestBuildEngineTenantsWiresStagedConfig(t *testing.T) {
	path := writeTopology(t, sampleTopology)
	topo, err := Load(path)
	require.NoError(t, err)

	cfg := runtimeconfig.New()
	sink := &fakeSink{}
	tenants, err := BuildEngineTenants(cfg, topo.Engines["eng1"], sink)
	require.NoError(t, err)

	tenant, ok := tenants["t1"]
	require.True(t, ok)
	require.Len(t, tenant.Modules, 1)
	require.Equal(t, "t1.sshd_logins", tenant.Modules[0].Name())

	require.NoError(t, tenant.Modules[0].Initialize(cfg))
	v, err := cfg.GetInt("module.t1.sshd_logins.login_failure_limit")
	require.NoError(t, err)
	require.Equal(t, int64(10), v)
}

func TestBuildReactorTenantsWiresHandlers(t *testing.T) {
	path := writeTopology(t, sampleTopology)
	topo, err := Load(path)
	require.NoError(t, err)

	tenants, err := BuildReactorTenants(context.Background(), topo.Reactors["r1"], nil)
	require.NoError(t, err)

	tenant, ok := tenants["t1"]
	require.True(t, ok)
	require.Len(t, tenant.Handlers, 1)
	require.Equal(t, "t1.audit", tenant.Handlers[0].Handler.HandlerName())
	require.True(t, tenant.Handlers[0].DefaultAction)
	require.Nil(t, tenant.Handlers[0].Filter)
}

func TestApplyOverrideStagesUnknownKeyThenBinds(t *testing.T) {
	cfg := runtimeconfig.New()
	require.NoError(t, ApplyOverride(cfg, "module.t1.sshd_logins.login_failure_limit=25"))

	require.NoError(t, cfg.Register([]runtimeconfig.Item{
		{Key: "login_failure_limit", Type: runtimeconfig.Integer, Default: int64(5)},
	}, "module", "t1.sshd_logins"))

	v, err := cfg.GetInt("module.t1.sshd_logins.login_failure_limit")
	require.NoError(t, err)
	require.Equal(t, int64(25), v)
}

func TestApplyOverrideSetsAlreadyRegisteredKey(t *testing.T) {
	cfg := runtimeconfig.New()
	require.NoError(t, cfg.Register([]runtimeconfig.Item{
		{Key: "enabled", Type: runtimeconfig.Boolean, Default: false},
	}, "handler", "csv1"))

	require.NoError(t, ApplyOverride(cfg, "option.handler.csv1.enabled=true"))
	b, err := cfg.GetBool("handler.csv1.enabled")
	require.NoError(t, err)
	require.True(t, b)
}

func TestApplyOverrideRejectsMissingEquals(t *testing.T) {
	cfg := runtimeconfig.New()
	require.Error(t, ApplyOverride(cfg, "no-equals-sign"))
}
