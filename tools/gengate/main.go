// Command gengate generates the IDT entry stubs used by the gate package.
//
// Each stub pushes a zero error code when the CPU does not push one for its
// vector, pushes the vector number and jumps to the common entry code. A
// read-only table with the stub addresses is emitted after the stubs.
//
// Usage:
//
//	gengate generate -out gate_entries_amd64.s
//	gengate check -in gate_entries_amd64.s
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"nucleos/kernel/gate"
)

const numVectors = 256

// writeEntries emits the assembly for all entry stubs and the address table.
func writeEntries(w io.Writer) {
	fmt.Fprintf(w, "// Code generated by gengate; DO NOT EDIT.\n\n")
	fmt.Fprintf(w, "#include \"textflag.h\"\n")

	for vector := 0; vector < numVectors; vector++ {
		fmt.Fprintf(w, "\n")
		if gate.HasErrorCode(gate.InterruptNumber(vector)) {
			fmt.Fprintf(w, "// vector %d: error code pushed by the CPU\n", vector)
		} else {
			fmt.Fprintf(w, "// vector %d\n", vector)
		}
		fmt.Fprintf(w, "TEXT ·gateEntry%d(SB),NOSPLIT|NOFRAME,$0-0\n", vector)
		if !gate.HasErrorCode(gate.InterruptNumber(vector)) {
			fmt.Fprintf(w, "\tPUSHQ $0\n")
		}
		fmt.Fprintf(w, "\tPUSHQ $%d\n", vector)
		fmt.Fprintf(w, "\tJMP ·commonEntry(SB)\n")
	}

	fmt.Fprintf(w, "\n")
	for vector := 0; vector < numVectors; vector++ {
		fmt.Fprintf(w, "DATA ·entryTable+%d(SB)/8, $·gateEntry%d(SB)\n", vector*8, vector)
	}
	fmt.Fprintf(w, "GLOBL ·entryTable(SB), RODATA, $%d\n", numVectors*8)
}

type generateCmd struct {
	out string
}

// Name implements subcommands.Command.Name.
func (*generateCmd) Name() string { return "generate" }

// Synopsis implements subcommands.Command.Synopsis.
func (*generateCmd) Synopsis() string { return "write the IDT entry stubs" }

// Usage implements subcommands.Command.Usage.
func (*generateCmd) Usage() string { return "generate [-out file]\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (c *generateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.out, "out", "gate_entries_amd64.s", "output file")
}

// Execute implements subcommands.Command.Execute.
func (c *generateCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var buf bytes.Buffer
	writeEntries(&buf)

	if err := os.WriteFile(c.out, buf.Bytes(), 0644); err != nil {
		logrus.WithError(err).WithField("file", c.out).Error("unable to write entry stubs")
		return subcommands.ExitFailure
	}

	logrus.WithField("file", c.out).Infof("wrote %d entry stubs", numVectors)
	return subcommands.ExitSuccess
}

type checkCmd struct {
	in string
}

// Name implements subcommands.Command.Name.
func (*checkCmd) Name() string { return "check" }

// Synopsis implements subcommands.Command.Synopsis.
func (*checkCmd) Synopsis() string { return "verify that the entry stubs are up to date" }

// Usage implements subcommands.Command.Usage.
func (*checkCmd) Usage() string { return "check [-in file]\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (c *checkCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.in, "in", "gate_entries_amd64.s", "file to verify")
}

// Execute implements subcommands.Command.Execute.
func (c *checkCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	got, err := os.ReadFile(c.in)
	if err != nil {
		logrus.WithError(err).WithField("file", c.in).Error("unable to read entry stubs")
		return subcommands.ExitFailure
	}

	var exp bytes.Buffer
	writeEntries(&exp)
	if !bytes.Equal(exp.Bytes(), got) {
		logrus.WithField("file", c.in).Error("entry stubs are stale; run go generate")
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&generateCmd{}, "")
	subcommands.Register(&checkCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
