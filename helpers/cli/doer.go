package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Doer is one console action.
type Doer interface {
	Do(context.Context) error
	String() string // for logs
}

type Nothing struct{ Name string }

func (self Nothing) Do(ctx context.Context) error { return nil }
func (self Nothing) String() string               { return self.Name }

type Func struct {
	Name string
	F    func(context.Context) error
}

func (self Func) Do(ctx context.Context) error { return self.F(ctx) }
func (self Func) String() string               { return self.Name }

type Sleep struct{ time.Duration }

func (self Sleep) Do(ctx context.Context) error {
	t := time.NewTimer(self.Duration)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (self Sleep) String() string { return fmt.Sprintf("Sleep(%v)", self.Duration) }

// Seq runs items in order, first error aborts.
type Seq struct {
	name  string
	items []Doer
}

func NewSeq(name string) *Seq {
	return &Seq{name: name, items: make([]Doer, 0, 8)}
}

func (self *Seq) Append(d Doer) *Seq {
	self.items = append(self.items, d)
	return self
}

func (self *Seq) Len() int { return len(self.items) }

func (self *Seq) Do(ctx context.Context) error {
	for _, d := range self.items {
		if err := d.Do(ctx); err != nil {
			return errors.Annotate(err, self.name)
		}
	}
	return nil
}

func (self *Seq) String() string {
	names := make([]string, len(self.items))
	for i, d := range self.items {
		names[i] = d.String()
	}
	return self.name + "[" + strings.Join(names, " ") + "]"
}

type RepeatN struct {
	N uint
	D Doer
}

func (self RepeatN) Do(ctx context.Context) error {
	for i := uint(1); i <= self.N; i++ {
		if err := self.D.Do(ctx); err != nil {
			return errors.Annotatef(err, "loop=%d", i)
		}
	}
	return nil
}
func (self RepeatN) String() string { return fmt.Sprintf("RepeatN(%d, %s)", self.N, self.D.String()) }
