package main

import (
	"context"
	"flag"
	"os"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/flowbridge/hardware/fma1600"
	"github.com/temoto/flowbridge/hardware/transport"
	"github.com/temoto/flowbridge/helpers/cli"
	"github.com/temoto/flowbridge/log2"
)

const usage = `syntax: commands separated by whitespace
(main)
- poll     query instrument, show pressure, temperature, flow
- raw      query instrument, show decoded reply fields
- tare     send tare command
- sN       pause N milliseconds

(meta)
- log=yes  enable debug logging
- log=no   disable debug logging
- loop=N   repeat N times all commands on this line
`

const dryRunReply = "A +014.70 +021.50 +000012 +000011     Air\r"

var log = log2.NewStderr(log2.LDebug)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	host := cmdline.String("host", "192.168.20.119", "serial server address")
	port := cmdline.Int("port", 4001, "serial server TCP port")
	timeout := cmdline.Duration("timeout", 0, "connect and read timeout, 0 waits forever")
	dryRun := cmdline.Bool("dry-run", false, "talk to simulated instrument")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	var io transport.Transporter = transport.NewTcp(log, nil, nil)
	if *dryRun {
		io = transport.NewMockResponder(fma1600.QueryCommand, []byte(dryRunReply))
	}
	config := transport.Config{Host: *host, Port: *port, ConnectTimeout: *timeout, ReadTimeout: *timeout}
	dev := fma1600.NewDevice(io, config, log.Clone(log2.LInfo))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := dev.Start(ctx); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer dev.Stop()

	c := &console{dev: dev, log: log}
	err := cli.MainLoop("flowmeter-cli", c.executor(ctx), c.completer(), func(os.Signal) {
		cancel()
		_ = dev.Stop()
		os.Exit(1)
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

type console struct {
	dev *fma1600.Device
	log *log2.Log
}

func (self *console) completer() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "poll", Description: "query instrument"},
		{Text: "raw", Description: "query instrument, show reply fields"},
		{Text: "tare", Description: "zero flow reading"},
		{Text: "sN", Description: "pause for N ms"},
		{Text: "loop=N", Description: "repeat line N times"},
		{Text: "log=yes", Description: "debug logging"},
		{Text: "log=no", Description: "quiet logging"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

func (self *console) executor(ctx context.Context) func(string) {
	return func(line string) {
		d, err := cli.ParseLine(line, self.doUsage(), self.parseWord)
		if err != nil {
			self.log.Error(errors.ErrorStack(err))
			return
		}
		if err = d.Do(ctx); err != nil {
			self.log.Error(errors.ErrorStack(err))
		}
	}
}

func (self *console) doUsage() cli.Doer {
	return cli.Func{Name: "help", F: func(context.Context) error {
		self.log.Infof(usage)
		return nil
	}}
}

func (self *console) parseWord(word string) (cli.Doer, error) {
	switch word {
	case "poll":
		return cli.Func{Name: word, F: func(context.Context) error {
			r, err := self.dev.Poll()
			if err != nil {
				return err
			}
			self.log.Infof("pressure=%.4f%s temperature=%.2f%s flow=%.3f%s",
				r.Pressure, fma1600.UnitPressure, r.Temperature, fma1600.UnitTemperature, r.Flow, fma1600.UnitFlow)
			return nil
		}}, nil
	case "raw":
		return cli.Func{Name: word, F: func(context.Context) error {
			r, err := self.dev.PollReply()
			if err != nil {
				return err
			}
			self.log.Infof("%+v", r)
			return nil
		}}, nil
	case "tare":
		return cli.Func{Name: word, F: func(context.Context) error {
			if err := self.dev.Tare(); err != nil {
				return err
			}
			self.log.Infof("tare sent")
			return nil
		}}, nil
	case "log=yes":
		return cli.Func{Name: word, F: func(context.Context) error {
			self.dev.Log.SetLevel(log2.LDebug)
			return nil
		}}, nil
	case "log=no":
		return cli.Func{Name: word, F: func(context.Context) error {
			self.dev.Log.SetLevel(log2.LInfo)
			return nil
		}}, nil
	}
	return nil, nil
}
