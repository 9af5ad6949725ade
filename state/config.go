package state

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/flowbridge/bridge"
	"github.com/temoto/flowbridge/hardware/transport"
	"github.com/temoto/flowbridge/helpers"
	"github.com/temoto/flowbridge/log2"
	yaml "gopkg.in/yaml.v2"
)

const (
	DefaultMqttPort       = 1883
	DefaultInstrumentPort = 4001
	DefaultScanRate       = 1.0
)

// Config yaml tags follow config.yml of earlier deployments, hcl is native format.
type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include" yaml:"-"`

	Mqtt struct { //nolint:maligned
		Host              string `hcl:"host" yaml:"IP"`
		Port              int    `hcl:"port" yaml:"Port"`
		User              string `hcl:"user" yaml:"User"`
		Password          string `hcl:"password" yaml:"Password"`
		KeepaliveSec      int    `hcl:"keepalive_sec" yaml:"KeepAlive"`
		RootPath          string `hcl:"root_path" yaml:"rootPath"`
		ClientId          string `hcl:"client_id" yaml:"ClientId"`
		TarePolicy        string `hcl:"tare_policy" yaml:"TarePolicy"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec" yaml:"NetworkTimeout"`
		LogDebug          bool   `hcl:"log_debug" yaml:"LogDebug"`
	} `hcl:"mqtt" yaml:"MQTT"`

	Instrument struct {
		Host              string `hcl:"host" yaml:"IP"`
		Port              int    `hcl:"port" yaml:"Port"`
		ConnectTimeoutSec int    `hcl:"connect_timeout_sec" yaml:"ConnectTimeout"`
		ReadTimeoutMs     int    `hcl:"read_timeout_ms" yaml:"ReadTimeoutMs"`
		LogDebug          bool   `hcl:"log_debug" yaml:"LogDebug"`
	} `hcl:"instrument" yaml:"Moxa"`

	Settings struct {
		// seconds between polls, fractional allowed
		ScanRate float64 `hcl:"scan_rate" yaml:"ScanRate"`
		// 0 is bridge.DefaultPollCount, negative runs until stopped
		PollCount int `hcl:"poll_count" yaml:"PollCount"`
	} `hcl:"settings" yaml:"Settings"`

	Broker struct {
		Listen []string          `hcl:"listen" yaml:"Listen"`
		Users  map[string]string `hcl:"users" yaml:"Users"`
	} `hcl:"broker" yaml:"Broker"`

	Metrics struct {
		Listen string `hcl:"listen" yaml:"Listen"`
	} `hcl:"metrics" yaml:"Metrics"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) InstrumentTransport() transport.Config {
	return transport.Config{
		Host:           c.Instrument.Host,
		Port:           c.Instrument.Port,
		ConnectTimeout: helpers.IntSecondDefault(c.Instrument.ConnectTimeoutSec, 0),
		ReadTimeout:    helpers.IntMillisecondDefault(c.Instrument.ReadTimeoutMs, 0),
	}
}

func (c *Config) Topics() bridge.Topics { return bridge.NewTopics(c.Mqtt.RootPath) }

func (c *Config) ScanInterval() time.Duration { return helpers.FloatSecond(c.Settings.ScanRate) }

func (c *Config) MqttOptions(log *log2.Log) bridge.MqttOptions {
	return bridge.MqttOptions{
		Log:            log,
		Topics:         c.Topics(),
		Host:           c.Mqtt.Host,
		Port:           c.Mqtt.Port,
		ClientId:       c.Mqtt.ClientId,
		Username:       c.Mqtt.User,
		Password:       c.Mqtt.Password,
		Keepalive:      helpers.IntSecondDefault(c.Mqtt.KeepaliveSec, bridge.DefaultKeepalive),
		NetworkTimeout: helpers.IntSecondDefault(c.Mqtt.NetworkTimeoutSec, bridge.DefaultNetworkTimeout),
	}
}

// Validate fills defaults and reports all problems at once.
func (c *Config) Validate() error {
	errs := make([]error, 0)
	if c.Mqtt.Port == 0 {
		c.Mqtt.Port = DefaultMqttPort
	}
	if c.Instrument.Port == 0 {
		c.Instrument.Port = DefaultInstrumentPort
	}
	if c.Settings.ScanRate == 0 {
		c.Settings.ScanRate = DefaultScanRate
	}

	if c.Mqtt.Host == "" {
		errs = append(errs, errors.NotValidf("mqtt.host=empty"))
	}
	if c.Mqtt.RootPath == "" {
		errs = append(errs, errors.NotValidf("mqtt.root_path=empty"))
	} else if strings.ContainsAny(c.Mqtt.RootPath, "#+") || strings.HasSuffix(c.Mqtt.RootPath, "/") {
		errs = append(errs, errors.NotValidf("mqtt.root_path=%q wildcard or trailing slash", c.Mqtt.RootPath))
	}
	if c.Mqtt.KeepaliveSec < 0 {
		errs = append(errs, errors.NotValidf("mqtt.keepalive_sec=%d", c.Mqtt.KeepaliveSec))
	}
	if _, err := bridge.ParseTarePolicy(c.Mqtt.TarePolicy); err != nil {
		errs = append(errs, errors.Annotate(err, "mqtt.tare_policy"))
	}
	if c.Instrument.Host == "" {
		errs = append(errs, errors.NotValidf("instrument.host=empty"))
	}
	for _, x := range []struct {
		name string
		port int
	}{{"mqtt.port", c.Mqtt.Port}, {"instrument.port", c.Instrument.Port}} {
		if x.port <= 0 || x.port > 65535 {
			errs = append(errs, errors.NotValidf("%s=%d", x.name, x.port))
		}
	}
	if c.Instrument.ConnectTimeoutSec < 0 || c.Instrument.ReadTimeoutMs < 0 {
		errs = append(errs, errors.NotValidf("instrument timeouts must be >= 0"))
	}
	if c.Settings.ScanRate < 0 {
		errs = append(errs, errors.NotValidf("settings.scan_rate=%v", c.Settings.ScanRate))
	}
	return helpers.FoldErrors(errs)
}

func isYaml(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if isYaml(norm) {
		err = yaml.Unmarshal(bs, c)
	} else {
		err = hcl.Unmarshal(bs, c)
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig merges sources in order, later values override, then validates.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		errs = append(errs, c.Validate())
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
