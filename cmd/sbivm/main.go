// Command sbivm boots the modelled RISC-V platform: it stages a kernel
// image, generates (or loads) a device tree, brings the firmware up on every
// hart, and reports the supervisor hand-off over the console.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/sbivm/internal/firmware"
	"github.com/tinyrange/sbivm/internal/loader"
	"github.com/tinyrange/sbivm/internal/machine"
	"github.com/tinyrange/sbivm/internal/riscv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sbivm: %v\n", err)
		os.Exit(1)
	}
}

// fixCrlf restores carriage returns on a raw-mode terminal.
type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

// config is the on-disk machine description.
type config struct {
	Harts    int      `yaml:"harts"`
	MemoryMB uint64   `yaml:"memory_mb"`
	ISA      []string `yaml:"isa"`
	Kernel   string   `yaml:"kernel"`
	DTB      string   `yaml:"dtb"`
	Bootargs string   `yaml:"bootargs"`
	LoadAddr uint64   `yaml:"load_addr"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{
		Harts:    1,
		MemoryMB: 64,
		LoadAddr: 0x8020_0000,
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func run() error {
	configPath := flag.String("config", "", "machine config (yaml)")
	kernelPath := flag.String("kernel", "", "kernel image (ELF or flat binary)")
	dtbPath := flag.String("dtb", "", "external device tree blob (default: generated)")
	harts := flag.Int("harts", 0, "number of harts (overrides config)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	timeout := flag.Duration("timeout", 0, "abort the run after this long")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *kernelPath != "" {
		cfg.Kernel = *kernelPath
	}
	if *dtbPath != "" {
		cfg.DTB = *dtbPath
	}
	if *harts > 0 {
		cfg.Harts = *harts
	}
	if cfg.Kernel == "" {
		return fmt.Errorf("no kernel image (use -kernel or the config file)")
	}

	// Put the console into raw mode when stdin is a terminal, restoring
	// newline handling on the writer side.
	var consoleOut io.Writer = os.Stdout
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
			consoleOut = &fixCrlf{w: os.Stdout}
		}
	}

	m, err := machine.New(machine.Config{
		NumHarts:   cfg.Harts,
		MemorySize: cfg.MemoryMB << 20,
		ISA:        cfg.ISA,
		ConsoleOut: consoleOut,
	})
	if err != nil {
		return err
	}

	kernelData, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("read kernel: %w", err)
	}
	img, err := loader.Load(m.Bus, kernelData, cfg.LoadAddr)
	if err != nil {
		return fmt.Errorf("stage kernel: %w", err)
	}
	slog.Info("kernel staged", "entry", fmt.Sprintf("%#x", img.Entry), "size", img.Size)

	var dtb []byte
	if cfg.DTB != "" {
		dtb, err = os.ReadFile(cfg.DTB)
		if err != nil {
			return fmt.Errorf("read dtb: %w", err)
		}
	} else {
		dtb = m.BuildDTB(cfg.Bootargs)
	}
	dtbAddr := machine.DefaultMemoryBase + (cfg.MemoryMB << 20) - uint64(len(dtb)) - 0x1000
	dtbAddr &^= 0xfff
	if err := m.Bus.LoadBytes(dtbAddr, dtb); err != nil {
		return fmt.Errorf("stage dtb: %w", err)
	}

	// Without an instruction stream to run, the next stage reports the
	// hand-off state the supervisor would see and powers off.
	m.SetPayload(img.Entry, func(env *machine.Env) error {
		h := env.Hart()
		slog.Info("supervisor hand-off",
			"hart", env.HartID(),
			"pc", fmt.Sprintf("%#x", h.PC),
			"priv", h.Priv,
			"a0", h.ReadReg(riscv.RegA0),
			"a1", fmt.Sprintf("%#x", h.ReadReg(riscv.RegA1)))
		if env.HartID() == 0 {
			env.ECall(firmware.SBIExtSRST, firmware.SBISRSTSystemReset, firmware.SBIResetShutdown, 0)
			return nil
		}
		env.WFI()
		return nil
	})

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	start := time.Now()
	err = m.Run(ctx, img.Entry, dtbAddr)
	slog.Info("machine finished", "elapsed", time.Since(start))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, machine.ErrReboot):
		slog.Info("guest requested reboot")
		return nil
	default:
		return err
	}
}
