package state

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/flowbridge/bridge"
	"github.com/temoto/flowbridge/hardware/transport"
	"github.com/temoto/flowbridge/log2"
)

const testConfigMinimal = `
mqtt { host = "broker.lan" root_path = "Omega" }
instrument { host = "moxa.lan" }
`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		sources   map[string]string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"defaults", map[string]string{"main.hcl": testConfigMinimal}, func(t testing.TB, c *Config) {
			assert.Equal(t, DefaultMqttPort, c.Mqtt.Port)
			assert.Equal(t, DefaultInstrumentPort, c.Instrument.Port)
			assert.Equal(t, time.Second, c.ScanInterval())
			assert.Equal(t, 0, c.Settings.PollCount)
			assert.Equal(t, transport.Config{Host: "moxa.lan", Port: 4001}, c.InstrumentTransport())
			assert.Equal(t, "Omega/Data/All", c.Topics().DataAll())
			opt := c.MqttOptions(nil)
			assert.Equal(t, bridge.DefaultKeepalive, opt.Keepalive)
			assert.Equal(t, "tcp://broker.lan:1883", opt.BrokerURL())
		}, ""},

		{"full-hcl", map[string]string{"main.hcl": `
mqtt {
	host = "10.0.0.5"
	port = 8883
	user = "omega"
	password = "secret"
	keepalive_sec = 20
	root_path = "Lab/Omega"
	client_id = "bench1"
	tare_policy = "one"
	log_debug = true
}
instrument {
	host = "192.168.20.119"
	port = 4002
	connect_timeout_sec = 5
	read_timeout_ms = 1500
}
settings { scan_rate = 0.5 poll_count = -1 }
metrics { listen = ":9100" }
broker {
	listen = ["tcp://127.0.0.1:1883"]
	users = { omega = "secret" }
}`}, func(t testing.TB, c *Config) {
			assert.Equal(t, "bench1", c.Mqtt.ClientId)
			assert.Equal(t, "one", c.Mqtt.TarePolicy)
			assert.True(t, c.Mqtt.LogDebug)
			assert.Equal(t, transport.Config{
				Host:           "192.168.20.119",
				Port:           4002,
				ConnectTimeout: 5 * time.Second,
				ReadTimeout:    1500 * time.Millisecond,
			}, c.InstrumentTransport())
			assert.Equal(t, 500*time.Millisecond, c.ScanInterval())
			assert.Equal(t, -1, c.Settings.PollCount)
			assert.Equal(t, ":9100", c.Metrics.Listen)
			assert.Equal(t, []string{"tcp://127.0.0.1:1883"}, c.Broker.Listen)
			assert.Equal(t, map[string]string{"omega": "secret"}, c.Broker.Users)
			opt := c.MqttOptions(nil)
			assert.Equal(t, 20*time.Second, opt.Keepalive)
			assert.Equal(t, "omega", opt.Username)
			assert.Equal(t, "secret", opt.Password)
		}, ""},

		{"yaml-legacy", map[string]string{"config.yml": `
MQTT:
  IP: 192.168.20.10
  Port: 1883
  User: omega
  Password: secret
  KeepAlive: 60
  rootPath: Omega
Moxa:
  IP: 192.168.20.119
  Port: 4001
Settings:
  ScanRate: 3
`}, func(t testing.TB, c *Config) {
			assert.Equal(t, "192.168.20.10", c.Mqtt.Host)
			assert.Equal(t, "omega", c.Mqtt.User)
			assert.Equal(t, "secret", c.Mqtt.Password)
			assert.Equal(t, 60, c.Mqtt.KeepaliveSec)
			assert.Equal(t, "Omega", c.Mqtt.RootPath)
			assert.Equal(t, "192.168.20.119", c.Instrument.Host)
			assert.Equal(t, 3*time.Second, c.ScanInterval())
		}, ""},

		{"include-override", map[string]string{
			"main.hcl":  testConfigMinimal + `include "local.hcl" {} include "absent.hcl" { optional = true }`,
			"local.hcl": `mqtt { root_path = "Bench" }`,
		}, func(t testing.TB, c *Config) {
			assert.Equal(t, "Bench", c.Mqtt.RootPath)
			assert.Equal(t, "broker.lan", c.Mqtt.Host)
		}, ""},

		{"include-missing", map[string]string{
			"main.hcl": testConfigMinimal + `include "local.hcl" {}`,
		}, nil, "config required name=local.hcl"},

		{"include-loop", map[string]string{
			"main.hcl":  testConfigMinimal + `include "other.hcl" {}`,
			"other.hcl": `include "main.hcl" {}`,
		}, nil, "config include loop"},

		{"syntax", map[string]string{"main.hcl": `mqtt {`}, nil, "config unmarshal source=main.hcl"},

		{"invalid-all-reported", map[string]string{"main.hcl": `
mqtt { port = 70000 root_path = "Omega/#" tare_policy = "sometimes" }
settings { scan_rate = -1 }
`}, nil, "mqtt.host=empty"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(c.sources)
			name := "main.hcl"
			if _, ok := c.sources["config.yml"]; ok {
				name = "config.yml"
			}
			cfg, err := ReadConfig(log, fs, name)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			c.check(t, cfg)
		})
	}
}

func TestConfigValidateReportsAll(t *testing.T) {
	t.Parallel()
	c := &Config{}
	c.Mqtt.Port = 70000
	c.Mqtt.RootPath = "Omega/"
	c.Mqtt.TarePolicy = "sometimes"
	c.Settings.ScanRate = -1
	err := c.Validate()
	require.Error(t, err)
	for _, s := range []string{"mqtt.host", "mqtt.root_path", "mqtt.tare_policy", "instrument.host", "mqtt.port=70000", "settings.scan_rate"} {
		assert.Contains(t, err.Error(), s)
	}
}

func TestConfigValidateSingle(t *testing.T) {
	t.Parallel()
	c := &Config{}
	c.Mqtt.Host = "h"
	c.Mqtt.RootPath = "Omega"
	err := c.Validate()
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
}

func TestReadConfigOs(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "flowbridge-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "main.hcl"), []byte(testConfigMinimal+`include "site.hcl" {}`), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "site.hcl"), []byte(`settings { scan_rate = 2 }`), 0644))

	log := log2.NewTest(t, log2.LDebug)
	c, err := ReadConfig(log, NewOsFullReader(), filepath.Join(dir, "main.hcl"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.ScanInterval())
}
