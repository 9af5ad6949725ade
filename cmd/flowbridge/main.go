package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/flowbridge/cmd/flowbridge/subcmd"
	"github.com/temoto/flowbridge/log2"
	"github.com/temoto/flowbridge/state"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	{Name: "run", Desc: "poll instrument, publish readings, serve commands", Main: Main},
	{Name: "broker", Desc: "only embedded MQTT broker", Main: BrokerMain},
}

func main() {
	flagConfig := flag.String("config", "flowbridge.hcl", "config file, .yml/.yaml is read as legacy YAML")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [command]\ncommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(flag.CommandLine.Output(), "  %-8s %s\n", m.Name, m.Desc)
		}
		flag.PrintDefaults()
	}
	flag.Parse()

	if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	command := strings.TrimSpace(flag.Arg(0))
	if command == "" {
		command = "run"
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Fatal(err)
	}

	ctx, g := state.NewContext(log)
	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	log.Debugf("command=%s config=%s", mod.Name, *flagConfig)

	go stopOnSignal(g)
	if err := mod.Main(ctx, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	defer g.Close()

	if _, err := g.ServeMetrics(); err != nil {
		return err
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("flowbridge running instrument=%s root=%s", config.InstrumentTransport().Addr(), config.Mqtt.RootPath)
	return g.Run(ctx)
}

func BrokerMain(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if len(config.Broker.Listen) == 0 {
		return errors.NotValidf("broker.listen empty")
	}
	g.MustInit(ctx, config)
	defer g.Close()

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("broker running listen=%v", g.Broker.Addrs())
	g.Alive.Wait()
	return nil
}

func stopOnSignal(g *state.Global) {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	s := <-sigch
	g.Log.Infof("signal=%v stopping", s)
	subcmd.SdNotify(daemon.SdNotifyStopping)
	g.Alive.Stop()
}
