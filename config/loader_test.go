package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskflow/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestLoader_NoLayers(t *testing.T) {
	cfg, err := newTestLoader(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeFile(t, "taskflow.json", `{
		"engine": {"queue_depth": 5, "submit_timeout": "500ms", "config_policy": "strict"},
		"bus": {"kind": "nats", "subject_prefix": "cam1"},
		"nats": {"urls": ["nats://broker:4222"], "reconnect_wait": "3s"},
		"store": {"kind": "kv", "bucket": "flows"},
		"flow_file": "/etc/taskflow/boot.json"
	}`)

	cfg, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.QueueDepth)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.SubmitTimeout.Std())
	assert.Equal(t, "strict", cfg.Engine.ConfigPolicy)
	assert.Equal(t, BusNATS, cfg.Bus.Kind)
	assert.Equal(t, "cam1", cfg.Bus.SubjectPrefix)
	assert.Equal(t, 16, cfg.Bus.MailboxSize, "unset fields keep defaults")
	assert.Equal(t, []string{"nats://broker:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 3*time.Second, cfg.NATS.ReconnectWait.Std())
	assert.Equal(t, "taskflowd", cfg.NATS.Name)
	assert.Equal(t, StoreKV, cfg.Store.Kind)
	assert.Equal(t, "flows", cfg.Store.Bucket)
	assert.Equal(t, "/etc/taskflow/boot.json", cfg.FlowFile)
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "taskflow.yaml", `
engine:
  queue_depth: 7
  submit_timeout: 1s
bus:
  mailbox_size: 64
store:
  kind: none
metrics:
  addr: "127.0.0.1:9100"
`)

	cfg, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.QueueDepth)
	assert.Equal(t, time.Second, cfg.Engine.SubmitTimeout.Std())
	assert.Equal(t, 64, cfg.Bus.MailboxSize)
	assert.Equal(t, StoreNone, cfg.Store.Kind)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)
	assert.Equal(t, "best_effort", cfg.Engine.ConfigPolicy)
}

func TestLoader_LayersOverride(t *testing.T) {
	base := writeFile(t, "base.yml", "engine:\n  queue_depth: 4\nbus:\n  mailbox_size: 8\n")
	site := writeFile(t, "site.json", `{"engine": {"queue_depth": 6}, "bus": null}`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(site)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Engine.QueueDepth)
	assert.Equal(t, 8, cfg.Bus.MailboxSize, "null keeps the lower layer")
}

func TestLoader_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"TASKFLOW_ENGINE_QUEUE_DEPTH":    "9",
		"TASKFLOW_ENGINE_SUBMIT_TIMEOUT": "250ms",
		"TASKFLOW_BUS_KIND":              "nats",
		"TASKFLOW_NATS_URLS":             "nats://a:4222, nats://b:4222,",
		"TASKFLOW_NATS_TOKEN":            "tok",
		"TASKFLOW_NATS_PING_INTERVAL":    "5s",
		"TASKFLOW_NATS_DRAIN_TIMEOUT":    "1500ms",
		"TASKFLOW_STORE_KIND":            "kv",
		"TASKFLOW_METRICS_ADDR":          ":9200",
		"TASKFLOW_FLOW_FILE":             "boot.json",
		"TASKFLOW_BUS_SUBJECT_PREFIX":    "",
	}

	cfg, err := newTestLoader(env).Load()
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Engine.QueueDepth)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.SubmitTimeout.Std())
	assert.Equal(t, BusNATS, cfg.Bus.Kind)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "tok", cfg.NATS.Token)
	assert.Equal(t, 5*time.Second, cfg.NATS.PingInterval.Std())
	assert.Equal(t, 1500*time.Millisecond, cfg.NATS.DrainTimeout.Std())
	assert.Equal(t, StoreKV, cfg.Store.Kind)
	assert.Equal(t, ":9200", cfg.Metrics.Addr)
	assert.Equal(t, "boot.json", cfg.FlowFile)
	assert.Equal(t, "taskflow", cfg.Bus.SubjectPrefix, "empty values are ignored")
}

func TestLoader_EnvPrefix(t *testing.T) {
	l := newTestLoader(map[string]string{"CAM_ENGINE_QUEUE_DEPTH": "2"})
	l.SetEnvPrefix("CAM_")
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.QueueDepth)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) *Loader
	}{
		{"missing file", func(t *testing.T) *Loader {
			l := newTestLoader(nil)
			l.AddLayer(filepath.Join(t.TempDir(), "absent.json"))
			return l
		}},
		{"unsupported extension", func(t *testing.T) *Loader {
			l := newTestLoader(nil)
			l.AddLayer(writeFile(t, "taskflow.toml", "x = 1"))
			return l
		}},
		{"malformed json", func(t *testing.T) *Loader {
			l := newTestLoader(nil)
			l.AddLayer(writeFile(t, "bad.json", `{"engine": `))
			return l
		}},
		{"malformed yaml", func(t *testing.T) *Loader {
			l := newTestLoader(nil)
			l.AddLayer(writeFile(t, "bad.yaml", "engine: [1,"))
			return l
		}},
		{"unknown key", func(t *testing.T) *Loader {
			l := newTestLoader(nil)
			l.AddLayer(writeFile(t, "typo.json", `{"engnie": {"queue_depth": 2}}`))
			return l
		}},
		{"wrong type", func(t *testing.T) *Loader {
			l := newTestLoader(nil)
			l.AddLayer(writeFile(t, "type.json", `{"engine": {"queue_depth": "many"}}`))
			return l
		}},
		{"bad env number", func(*testing.T) *Loader {
			return newTestLoader(map[string]string{"TASKFLOW_BUS_MAILBOX_SIZE": "lots"})
		}},
		{"bad env duration", func(*testing.T) *Loader {
			return newTestLoader(map[string]string{"TASKFLOW_ENGINE_SUBMIT_TIMEOUT": "later"})
		}},
		{"env with nul", func(*testing.T) *Loader {
			return newTestLoader(map[string]string{"TASKFLOW_NATS_NAME": "a\x00b"})
		}},
		{"fails validation", func(*testing.T) *Loader {
			return newTestLoader(map[string]string{"TASKFLOW_STORE_KIND": "disk"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.setup(t).Load()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "got %v", err)
		})
	}
}

func TestLoader_ValidationDisabled(t *testing.T) {
	l := newTestLoader(map[string]string{"TASKFLOW_STORE_KIND": "disk"})
	l.EnableValidation(false)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "disk", cfg.Store.Kind)
}

func TestReadFlowFile(t *testing.T) {
	path := writeFile(t, "boot.json", `{"type":0,"tlid":1,"ctd":1,"tn":"t","task_flow":[]}`)
	data, err := ReadFlowFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tlid":1`)

	_, err = ReadFlowFile(writeFile(t, "boot.yaml", "type: 0"))
	assert.Error(t, err)

	deep := strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1)
	_, err = ReadFlowFile(writeFile(t, "deep.json", deep))
	assert.Error(t, err)
}

func TestValidateJSONDepth(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"flat", `{"a":1}`, false},
		{"brackets in strings", `{"a":"[[[{{{\"]"}`, false},
		{"unbalanced close", `{"a":1}}`, true},
		{"unclosed", `{"a":[1,2}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateJSONDepth([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateConfigPath(t *testing.T) {
	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath("../outside.json"))
	assert.Error(t, validateConfigPath("/etc/taskflow/../passwd.json"))
	assert.Error(t, validateConfigPath("/etc/taskflow/config.ini"))
	assert.NoError(t, validateConfigPath("/etc/taskflow/config.yaml"))
	assert.NoError(t, validateConfigPath("configs/taskflow.json"))
}
