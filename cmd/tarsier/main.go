// Command tarsier runs a raw ARM64 image under the thread shim and
// prints a trace of intercepted services, lock activity, and fault
// recoveries.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/tarsier/internal/config"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/shim"
	"github.com/zboralski/tarsier/internal/tls"
	"github.com/zboralski/tarsier/internal/trace"
	"github.com/zboralski/tarsier/internal/ui/colorize"

	// Self-registering stub packages.
	_ "github.com/zboralski/tarsier/internal/shim/libc"
	_ "github.com/zboralski/tarsier/internal/shim/pthread"
)

var (
	flagConfig  string
	flagVerbose bool
	flagQuiet   bool
	flagMaxInsn uint64
	flagNoColor bool
)

var rootCmd = &cobra.Command{
	Use:   "tarsier",
	Short: "ARM64 thread shim tracer",
	Long: `Tarsier emulates raw ARM64 code behind a library-OS style shim:
every admitted guest thread gets a control block carrying its preemption
state, deferred signals, lock audit trail, and unsafe-region descriptor.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <image>",
	Short: "Run a raw ARM64 image under the shim",
	Args:  cobra.ExactArgs(1),
	RunE:  runImage,
}

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print the guest thread-block layout contract",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("thread pointer (TPIDR_EL0)\n")
		fmt.Printf("  +0x00..+0x%02x  guest runtime reserved\n", tls.ShimTCBOffset-1)
		fmt.Printf("  +0x%02x         stack guard word\n", tls.StackGuardOffset)
		fmt.Printf("  +0x%02x         shim image (%d bytes)\n", tls.ShimTCBOffset, tls.ShimTCBSize)
		fmt.Printf("    +0x%02x canary\n", tls.CanaryOffset)
		fmt.Printf("    +0x%02x self\n", tls.SelfOffset)
		fmt.Printf("    +0x%02x tid\n", tls.TidOffset)
		fmt.Printf("    +0x%02x flags\n", tls.FlagsOffset)
	},
}

func init() {
	runCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "YAML run configuration")
	runCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output with disassembly")
	runCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress the event trace")
	runCmd.Flags().Uint64VarP(&flagMaxInsn, "max-instructions", "n", 0, "stop after N instructions (0 = unlimited)")
	runCmd.Flags().BoolVar(&flagNoColor, "no-color", false, "disable ANSI colors")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(layoutCmd)
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
	}
	if flagVerbose {
		cfg.Debug = true
	}
	if flagMaxInsn != 0 {
		cfg.MaxInstructions = flagMaxInsn
	}
	if flagNoColor {
		cfg.NoColor = true
	}
	return cfg, nil
}

func runImage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.NoColor {
		os.Setenv("TARSIER_NO_COLOR", "1")
	}

	log.Init(cfg.Debug)

	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	emu, err := emulator.New()
	if err != nil {
		return err
	}
	defer emu.Close()

	if err := emu.LoadCode(image); err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	layer := tls.New(emu)
	shim.Debug = cfg.Debug
	shim.InstallFallbacks = cfg.InstallFallbacks

	reg := shim.DefaultRegistry
	if !flagQuiet {
		reg.OnCall = func(category, name, detail string) {
			printEvent(trace.NewEvent(emu.LR(), category, name, detail))
		}
	}

	installed := reg.Install(emu, layer, cfg.Imports)
	if _, err := reg.AdmitCurrent("main"); err != nil {
		return fmt.Errorf("admit main thread: %w", err)
	}

	var executed uint64
	emu.HookCode(func(e *emulator.Emulator, addr uint64, size uint32) {
		executed++
		if cfg.MaxInstructions != 0 && executed > cfg.MaxInstructions {
			e.Stop()
			return
		}
		if flagVerbose {
			printInsn(e, addr, size)
		}
	})

	fmt.Printf("%s %d stubs installed, image %d bytes\n",
		colorize.Border("::"), installed, len(image))

	runErr := emu.RunFrom(emulator.CodeBase)

	if cfg.Debug {
		for _, t := range layer.Threads() {
			log.L.DumpTrail(t)
		}
	}
	printSummary(layer, executed)
	if runErr != nil {
		return fmt.Errorf("emulation stopped: %w", runErr)
	}
	return nil
}

// printEvent renders one trace line: address, primary tag, function
// name, detail.
func printEvent(e *trace.Event) {
	trace.DefaultEnricher(e)
	fmt.Printf("%s %s %s %s\n",
		colorize.Address(e.PC),
		colorize.Tag(e.PrimaryTag()),
		colorize.FuncName(e.Name),
		colorize.Detail(e.Detail),
	)
}

// printInsn disassembles and prints the instruction at addr.
func printInsn(e *emulator.Emulator, addr uint64, size uint32) {
	raw, err := e.MemRead(addr, 4)
	if err != nil {
		return
	}
	text := fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(raw))
	if insn, err := arm64asm.Decode(raw); err == nil {
		text = strings.ToLower(insn.String())
	}
	fmt.Printf("%s  %s  %s\n",
		colorize.Address(addr),
		colorize.HexBytes(fmt.Sprintf("%02x %02x %02x %02x", raw[0], raw[1], raw[2], raw[3])),
		colorize.Instruction(text),
	)
}

// printSummary reports per-thread state after the run: preemption
// balance, pending signals, and the recent lock audit trail.
func printSummary(layer *tls.Layer, executed uint64) {
	fmt.Printf("%s %d instructions executed, %d threads admitted\n",
		colorize.Border("::"), executed, len(layer.Threads()))

	for _, t := range layer.Threads() {
		name, handle := "", ""
		if t.Thread != nil {
			name = t.Thread.Name
			handle = t.Thread.Handle.String()[:8]
		}
		fmt.Printf("%s tid=%d %s [%s] preempt=%d pending=%d errno=%d\n",
			colorize.Border("--"),
			t.Tid,
			colorize.FuncName(name),
			handle,
			t.PreemptCount(),
			t.PendingSignal(),
			t.LastErrno,
		)
		for _, rec := range t.Trail().Recent() {
			fmt.Printf("     %s\n", colorize.Detail(rec.String()))
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}
