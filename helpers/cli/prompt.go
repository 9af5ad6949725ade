package cli

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

// MainLoop feeds console lines to exec until input ends.
// Terminal input gets go-prompt with completion, otherwise stdin is read as batch script.
// onSignal runs once on HUP/INT/TERM/QUIT, nil means exit(1).
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest, onSignal func(os.Signal)) error {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer signal.Stop(signalCh)
	go func() {
		s, ok := <-signalCh
		if !ok {
			return
		}
		if onSignal == nil {
			os.Exit(1)
		}
		onSignal(s)
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return nil
	}
	return RunBatch(os.Stdin, exec)
}

// RunBatch executes every line of r, whitespace trimmed.
func RunBatch(r io.Reader, exec func(line string)) error {
	all, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.Annotate(err, "cli read input")
	}
	for _, lineb := range bytes.Split(all, []byte{'\n'}) {
		line := string(bytes.TrimSpace(lineb))
		if line == "" {
			continue
		}
		exec(line)
	}
	return nil
}
