package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvOverridesBeatFile(t *testing.T) {
	path := writeConfig(t, `
hub:
  bind: "127.0.0.1:1111"
  data_dir: /from/file
`)
	t.Setenv("BASTION_BIND", "127.0.0.1:2222")
	t.Setenv("BASTION_DATA_DIR", "/from/env")
	t.Setenv("BASTION_ENROLL_TOKEN", "tok")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:2222", cfg.Hub.Bind)
	require.Equal(t, "/from/env", cfg.Hub.DataDir)
	require.Equal(t, "tok", cfg.Hub.EnrollToken)
}

func TestEnvOverridesAgentSection(t *testing.T) {
	t.Setenv("BASTION_HUB_URL", "https://hub.example")
	t.Setenv("BASTION_AGENT_ID", "a1")
	t.Setenv("BASTION_AGENT_KEY", "k1")
	t.Setenv("BASTION_LOG_LEVEL", "debug")

	cfg, err := Load("absent.yaml")
	require.NoError(t, err)
	require.Equal(t, "https://hub.example", cfg.Agent.HubURL)
	require.Equal(t, "a1", cfg.Agent.AgentID)
	require.Equal(t, "k1", cfg.Agent.AgentKey)
	require.Equal(t, "debug", cfg.Hub.LogLevel)
	require.Equal(t, "debug", cfg.Agent.LogLevel)
}

func TestEmptyEnvVarIsIgnored(t *testing.T) {
	t.Setenv("BASTION_BIND", "")
	cfg, err := Load("absent.yaml")
	require.NoError(t, err)
	require.Equal(t, DefaultBind, cfg.Hub.Bind)
}
