// Command rv32cc loads a flat binary image into a simulated RV32 hart and
// runs it for a bounded number of cycles.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/kaiomagalhaes/rv32cc/internal/rv32"
)

type binSpec struct {
	path string
	addr uint32
}

type binList []binSpec

func (l *binList) String() string { return "" }

func (l *binList) Set(s string) error {
	path, addrStr, hasAddr := strings.Cut(s, "@")
	addr := uint32(rv32.RAMBase)
	if hasAddr {
		v, err := strconv.ParseUint(addrStr, 0, 32)
		if err != nil {
			return fmt.Errorf("bad --bin address %q: %w", addrStr, err)
		}
		addr = uint32(v)
	}
	*l = append(*l, binSpec{path: path, addr: addr})
	return nil
}

type dumpRange struct{ start, end uint32 }

type dumpList []dumpRange

func (l *dumpList) String() string { return "" }

func (l *dumpList) Set(s string) error {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return fmt.Errorf("--dump wants \"start,end\", got %q", s)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 0, 32)
	if err != nil {
		return fmt.Errorf("bad --dump start %q: %w", parts[0], err)
	}
	end, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 32)
	if err != nil {
		return fmt.Errorf("bad --dump end %q: %w", parts[1], err)
	}
	*l = append(*l, dumpRange{start: uint32(start), end: uint32(end)})
	return nil
}

type pcList []uint32

func (l *pcList) String() string { return "" }

func (l *pcList) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return err
	}
	*l = append(*l, uint32(v))
	return nil
}

// config is the optional --config YAML shape; every field mirrors a flag
// and is overridden by that flag when both are given.
type config struct {
	Bins    []string `yaml:"bins"`
	Cycles  *uint64  `yaml:"cycles"`
	MemKiB  *uint64  `yaml:"memsize_kib"`
	Trace   *bool    `yaml:"trace"`
	TonPC   []uint32 `yaml:"ton_pc"`
	ToffPC  []uint32 `yaml:"toff_pc"`
	CPURet  *bool    `yaml:"cpuret"`
	Dumps   []string `yaml:"dumps"`
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func main() {
	log.SetFlags(0)

	var bins binList
	var dumps dumpList
	var tonPC, toffPC pcList

	flag.Var(&bins, "bin", `flat binary "path" or "path@addr" (repeatable)`)
	flag.Var(&dumps, "dump", `memory range "start,end" to print after the run (repeatable)`)
	flag.Var(&tonPC, "ton-pc", "enable tracing when pc reaches this address (repeatable)")
	flag.Var(&toffPC, "toff-pc", "disable tracing when pc reaches this address (repeatable)")
	cycles := flag.Uint64("cycles", 100000, "maximum cycles to run (0 = unlimited)")
	memKiB := flag.Uint64("memsize", rv32.DefaultRAMSize/1024, "memory size in KiB")
	trace := flag.Bool("trace", false, "print execution tracing info")
	cpuret := flag.Bool("cpuret", false, "exit code is the guest's requested exit code, or -1 on timeout")
	configPath := flag.String("config", "", "optional YAML file supplementing the flags above")
	progressFlag := flag.Bool("progress", false, "force a progress bar during untraced runs")
	noProgress := flag.Bool("no-progress", false, "force no progress bar")
	colorFlag := flag.Bool("color", false, "force ANSI-colored trace output")
	flag.Parse()

	if *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			log.Fatalf("reading --config: %v", err)
		}
		applyConfig(cfg, &bins, cycles, memKiB, trace, &tonPC, &toffPC, cpuret, &dumps)
	}

	if len(bins) == 0 {
		log.Fatal("at least one --bin (or config bins entry) is required")
	}

	guestOut := guestOutput(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
	m := rv32.NewMachine(
		uint32(*memKiB*1024),
		rv32.NewTestHarness(guestOut),
		rv32.NewUART(guestOut, nil),
		rv32.NewMTimer(),
	)

	for _, b := range bins {
		data, err := os.ReadFile(b.path)
		if err != nil {
			log.Fatalf("reading %s: %v", b.path, err)
		}
		if !m.Bus.LoadBytes(b.addr, data) {
			log.Fatalf("binary %s (%d bytes) loaded at 0x%08x does not fit in RAM", b.path, len(data), b.addr)
		}
	}

	useColor := *colorFlag || term.IsTerminal(int(os.Stdout.Fd()))
	tracer := newTracer(os.Stdout, *trace, tonPC, toffPC, useColor)

	showProgress := *progressFlag || (!*trace && *cycles > 0 && term.IsTerminal(int(os.Stdout.Fd())) && !*noProgress)
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.Default(int64(*cycles))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rc := runLoop(ctx, m, *cycles, tracer, bar, *cpuret)

	for _, d := range dumps {
		dumpMemory(os.Stdout, m, d.start, d.end)
	}

	os.Exit(rc)
}

func applyConfig(cfg *config, bins *binList, cycles, memKiB *uint64, trace *bool, tonPC, toffPC *pcList, cpuret *bool, dumps *dumpList) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if len(*bins) == 0 {
		for _, b := range cfg.Bins {
			_ = bins.Set(b)
		}
	}
	if cfg.Cycles != nil && !set["cycles"] {
		*cycles = *cfg.Cycles
	}
	if cfg.MemKiB != nil && !set["memsize"] {
		*memKiB = *cfg.MemKiB
	}
	if cfg.Trace != nil && !set["trace"] {
		*trace = *cfg.Trace
	}
	if len(*tonPC) == 0 {
		*tonPC = append(*tonPC, cfg.TonPC...)
	}
	if len(*toffPC) == 0 {
		*toffPC = append(*toffPC, cfg.ToffPC...)
	}
	if cfg.CPURet != nil && !set["cpuret"] {
		*cpuret = *cfg.CPURet
	}
	if len(*dumps) == 0 {
		for _, d := range cfg.Dumps {
			_ = dumps.Set(d)
		}
	}
}

// runLoop drives the machine one cycle at a time so that tracing and the
// ton-pc/toff-pc gates can observe every step, matching the granularity of
// the original cycle-stepped host loop.
func runLoop(ctx context.Context, m *rv32.Machine, maxCycles uint64, tr *tracer, bar *progressbar.ProgressBar, cpuret bool) int {
	var cyc uint64
	for maxCycles == 0 || cyc < maxCycles {
		if ctx.Err() != nil {
			fmt.Println("Interrupted.")
			if cpuret {
				return -1
			}
			return 0
		}

		tr.beforeStep(m.CPU.PC)

		if err := m.Step(); err != nil {
			var halt *rv32.HaltError
			if errors.As(err, &halt) {
				fmt.Printf("CPU requested halt. Exit code %d\n", halt.Code)
				fmt.Printf("Ran for %d cycles\n", cyc+1)
				if cpuret {
					return int(int32(halt.Code))
				}
				return 0
			}
			log.Fatalf("unexpected host error: %v", err)
		}

		tr.afterStep(m.CPU)

		cyc++
		if cyc%4096 == 0 {
			m.MTimer.StepTime()
			m.CPU.CSR.IrqTimer = m.MTimer.IRQStatus(0)
		}
		if bar != nil {
			bar.Add(1)
		}
	}

	fmt.Println("Timed out.")
	if cpuret {
		return -1
	}
	return 0
}

type tracer struct {
	out      io.Writer
	always   bool
	on       bool
	tonPC    pcList
	toffPC   pcList
	useColor bool
}

func newTracer(w io.Writer, always bool, tonPC, toffPC pcList, useColor bool) *tracer {
	return &tracer{out: w, always: always, on: always, tonPC: tonPC, toffPC: toffPC, useColor: useColor}
}

func (t *tracer) beforeStep(pc uint32) {
	if !t.always {
		for _, addr := range t.tonPC {
			if addr == pc && !t.on {
				fmt.Fprintf(t.out, "(Trace enabled at PC %08x)\n", addr)
				t.on = true
			}
		}
	}
}

const (
	ansiGreen = "\x1b[32m"
	ansiReset = "\x1b[0m"
)

func (t *tracer) afterStep(c *rv32.CPU) {
	if t.on {
		line := fmt.Sprintf("pc=%08x priv=%d", c.PC, c.Priv)
		if t.useColor {
			line = ansiGreen + line + ansiReset
		}
		fmt.Fprintln(t.out, line)
	}
	if t.on && !t.always {
		for _, addr := range t.toffPC {
			if addr == c.PC {
				fmt.Fprintf(t.out, "(Trace disabled at PC %08x)\n", addr)
				t.on = false
			}
		}
	}
}

// guestOutput wraps w so that guest-emitted ANSI escape sequences (the
// UART is a real terminal device as far as the guest is concerned) are
// stripped when the host's own stdout is not a terminal, e.g. when output
// is redirected to a log file.
func guestOutput(w io.Writer, isTerminal bool) io.Writer {
	if isTerminal {
		return w
	}
	return ansiStripWriter{w}
}

type ansiStripWriter struct{ w io.Writer }

func (a ansiStripWriter) Write(p []byte) (int, error) {
	if _, err := a.w.Write([]byte(ansi.Strip(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func dumpMemory(w io.Writer, m *rv32.Machine, start, end uint32) {
	fmt.Fprintf(w, "Dumping memory from %08x to %08x:\n", start, end)
	data, ok := m.Bus.ReadRange(start, end-start)
	if !ok {
		fmt.Fprintln(w, "(range not entirely resident in RAM)")
		return
	}
	perLine := dumpLineWidth()
	for i, b := range data {
		fmt.Fprintf(w, "%02x", b)
		if i%perLine == perLine-1 {
			fmt.Fprintln(w)
		} else {
			fmt.Fprint(w, " ")
		}
	}
	fmt.Fprintln(w)
}

// dumpLineWidth sizes --dump output to the terminal's width when one is
// attached, falling back to the original tool's fixed 16 bytes per line.
func dumpLineWidth() int {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil || ws.Col < 24 {
		return 16
	}
	cols := int(ws.Col) / 3
	cols -= cols % 8
	if cols < 8 {
		return 16
	}
	return cols
}
