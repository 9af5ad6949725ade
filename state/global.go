package state

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/alive/v2"
	"github.com/temoto/flowbridge/bridge"
	"github.com/temoto/flowbridge/broker"
	"github.com/temoto/flowbridge/hardware/fma1600"
	"github.com/temoto/flowbridge/hardware/transport"
	"github.com/temoto/flowbridge/helpers"
	"github.com/temoto/flowbridge/log2"
)

// Global is process context built once at startup and passed explicitly.
type Global struct {
	Alive    *alive.Alive
	Config   *Config
	Log      *log2.Log
	Registry *prometheus.Registry
	Stat     *bridge.Stat

	// Transport may be preset before Init, otherwise TCP.
	Transport  transport.Transporter
	Device     *fma1600.Device
	Bus        *bridge.MqttBus
	Broker     *broker.Server
	Dispatcher *bridge.Dispatcher

	// NewMqttClient may be preset before Init, otherwise paho.
	NewMqttClient func(*mqtt.ClientOptions) mqtt.Client

	initOnce   sync.Once
	metricsSrv *http.Server
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive:    alive.NewAlive(),
		Log:      log,
		Registry: prometheus.NewRegistry(),
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init wires components from config without touching network, except embedded broker listen.
// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	err := errors.Errorf("code error Global.Init called twice")
	g.initOnce.Do(func() { err = g.init(ctx, cfg) })
	return err
}

func (g *Global) init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	g.Stat = bridge.NewStat(g.Registry)
	g.Log.SetErrorFunc(g.Stat.OnError)

	policy, err := bridge.ParseTarePolicy(cfg.Mqtt.TarePolicy)
	if err != nil {
		return errors.Annotate(err, "config")
	}

	devLog := g.Log.Clone(levelFor(cfg.Instrument.LogDebug))
	if g.Transport == nil {
		g.Transport = transport.NewTcp(devLog, g.Stat.BytesRead, g.Stat.BytesWritten)
	}
	g.Device = fma1600.NewDevice(g.Transport, cfg.InstrumentTransport(), devLog)

	if len(cfg.Broker.Listen) != 0 {
		g.Broker = broker.NewServer(broker.Options{
			Log:   g.Log.Clone(levelFor(cfg.Mqtt.LogDebug)),
			Users: cfg.Broker.Users,
		})
		if err := g.Broker.Listen(ctx, cfg.Broker.Listen); err != nil {
			_ = g.Broker.Close()
			return errors.Annotate(err, "embedded broker")
		}
	}

	busLog := g.Log.Clone(levelFor(cfg.Mqtt.LogDebug))
	bridge.SetPahoLog(busLog, cfg.Mqtt.LogDebug)
	mopt := cfg.MqttOptions(busLog)
	mopt.NewClient = g.NewMqttClient
	g.Bus = bridge.NewMqttBus(mopt)

	g.Dispatcher = &bridge.Dispatcher{
		Log:        g.Log,
		Topics:     cfg.Topics(),
		Instrument: g.Device,
		Bus:        g.Bus,
		Policy:     policy,
		Stat:       g.Stat,
	}
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

// Run starts instrument session, connects bus and runs poll loop until count, stop or error.
// Instrument is stopped and bus disconnected on every return path.
func (g *Global) Run(ctx context.Context) error {
	if err := g.Device.Start(ctx); err != nil {
		return errors.Annotate(err, "run")
	}
	if err := g.Bus.Connect(ctx, g.Dispatcher.Dispatch); err != nil {
		g.Bus.Disconnect()
		if errStop := g.Device.Stop(); errStop != nil {
			g.Error(errStop)
		}
		return errors.Annotate(err, "run")
	}

	loop := &bridge.PollLoop{
		Log:        g.Log,
		Topics:     g.Config.Topics(),
		Instrument: g.Device,
		Bus:        g.Bus,
		Stat:       g.Stat,
		Count:      g.Config.Settings.PollCount,
		Interval:   g.Config.ScanInterval(),
		StopCh:     g.Alive.StopChan(),
	}
	return loop.Run()
}

// Close releases what Run does not own.
func (g *Global) Close() error {
	errs := make([]error, 0, 2)
	if g.metricsSrv != nil {
		errs = append(errs, g.metricsSrv.Close())
	}
	if g.Broker != nil {
		errs = append(errs, g.Broker.Close())
	}
	return helpers.FoldErrors(errs)
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(errors.ErrorStack(err))
	}
}

func levelFor(debug bool) log2.Level {
	if debug {
		return log2.LDebug
	}
	return log2.LInfo
}
