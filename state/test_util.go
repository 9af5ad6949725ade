package state

import (
	"context"
	"testing"

	"github.com/temoto/flowbridge/hardware/fma1600"
	"github.com/temoto/flowbridge/hardware/transport"
	"github.com/temoto/flowbridge/log2"
)

const TestReply = "A +042.81 +022.70 +000000 +000000     CH4\r"

// NewTestContext builds Global over inline HCL config and scripted instrument transport.
func NewTestContext(t testing.TB, confString string) (context.Context, *Global, *transport.Mock) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	log := log2.NewTest(t, log2.LDebug)
	// log := log2.NewStderr(log2.LDebug) // useful with panics
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	mock := transport.NewMockResponder(fma1600.QueryCommand, []byte(TestReply))
	g.Transport = mock
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"))
	t.Cleanup(func() { _ = g.Close() })
	return ctx, g, mock
}
