package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tangzhangming/regvm/internal/bytecode"
	"github.com/tangzhangming/regvm/internal/config"
	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/metadata"
	"github.com/tangzhangming/regvm/internal/vm"
)

var (
	configPath = flag.String("config", "", "Config file (.toml or .yaml)")
	showDisasm = flag.Bool("disasm", false, "Show compiled register code")
	jsonOut    = flag.Bool("json", false, "Print register code and errors as JSON")
	noInline   = flag.Bool("no-inline", false, "Disable inlining")
	noOpt      = flag.Bool("no-opt", false, "Disable optimization passes")
	background = flag.Bool("background", false, "Compile on the background worker")
	arg        = flag.Int("n", 10, "Argument passed to the demo")
)

// demo 构造演示方法
type demo struct {
	about string
	build func(d *metadata.Domain, demo *metadata.Type) *metadata.Method
}

var demos = map[string]demo{
	"factorial": {"recursive factorial of n", buildFactorial},
	"exception": {"try/catch/finally around 100 / n, finally logs the result", buildSafeDivide},
	"divzero":   {"100 / n without a handler", buildDivide},
}

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("regvm - register VM demo runner")
		fmt.Println()
		fmt.Println("Usage: regvm [options] <demo>")
		fmt.Println()
		fmt.Println("Demos:")
		for _, name := range []string{"factorial", "exception", "divzero"} {
			fmt.Printf("  %-10s %s\n", name, demos[name].about)
		}
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	os.Exit(run(flag.Arg(0), cfg, logger))
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadEnv(".env"); err != nil {
		return nil, err
	}
	if *noInline {
		cfg.JIT.Inline = false
	}
	if *noOpt {
		cfg.JIT.Optimize = false
	}
	if *background {
		cfg.Worker.Background = true
		cfg.Worker.BlockUntilCompiled = true
	}
	return cfg, nil
}

func run(name string, cfg *config.Config, logger *zap.Logger) int {
	dm, ok := demos[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown demo %q\n", name)
		return 2
	}

	d := metadata.NewDomain()
	typ := metadata.NewType("Demo", d.Core.Object, false)
	m := dm.build(d, typ)
	d.RegisterType(typ)

	machine := vm.New(d, vm.WithConfig(cfg), vm.WithLogger(logger))
	defer func() {
		if err := machine.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	result, err := machine.Invoke(m, nil, int32(*arg))
	if *showDisasm {
		printCode(m)
	}
	if err != nil {
		var ue *errors.UncaughtException
		if *jsonOut && errors.As(err, &ue) {
			data, jerr := ue.JSON()
			if jerr == nil {
				fmt.Println(string(data))
				return 1
			}
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("%s(%d) = %v\n", m.Name, *arg, result)

	s := machine.Stats()
	logger.Info("done",
		zap.Int64("invocations", s.Invocations),
		zap.Int64("compiled", s.Compiled),
		zap.Int64("native_calls", s.NativeCalls),
	)
	return 0
}

func printCode(m *metadata.Method) {
	code := m.Code()
	if code == nil {
		code = m.Reference()
	}
	if code == nil {
		fmt.Println("(not compiled)")
		return
	}
	if *jsonOut {
		data, err := code.JSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		fmt.Println(string(data))
		return
	}
	fmt.Print(code.Disassemble())
	fmt.Printf("; %d instructions, %d registers\n", code.Len(), code.RegisterCount)
}

// ============================================================================
// 演示方法
// ============================================================================

func buildFactorial(d *metadata.Domain, typ *metadata.Type) *metadata.Method {
	fact := typ.AddMethod(metadata.NewMethod("Fact", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32, false))
	b := bytecode.NewBuilder()
	b.Ldarg(0).LdcI4(1).EmitBranch(bytecode.OpBgt, "rec")
	b.LdcI4(1).Ret()
	b.Label("rec").Ldarg(0).Ldarg(0).LdcI4(1).Emit(bytecode.OpSub).Call(fact.Token()).Emit(bytecode.OpMul).Ret()
	fact.Body = b.MustBuild()
	return fact
}

func buildDivide(d *metadata.Domain, typ *metadata.Type) *metadata.Method {
	div := typ.AddMethod(metadata.NewMethod("Divide", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32, false))
	div.Body = bytecode.NewBuilder().LdcI4(100).Ldarg(0).Emit(bytecode.OpDiv).Ret().MustBuild()
	return div
}

func buildSafeDivide(d *metadata.Domain, typ *metadata.Type) *metadata.Method {
	log := typ.AddMethod(metadata.NewMethod("Log", []metadata.TypeDesc{d.Core.Int32}, nil, false))
	log.Native = func(_ interface{}, args []interface{}) (interface{}, error) {
		fmt.Printf("finally: a = %v\n", args[0])
		return nil, nil
	}

	m := typ.AddMethod(metadata.NewMethod("SafeDivide", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32, false))
	b := bytecode.NewBuilder()
	a := b.Local(d.Core.Int32.Token())
	b.Label("try").LdcI4(100).Ldarg(0).Emit(bytecode.OpDiv).Stloc(a).EmitBranch(bytecode.OpLeave, "end")
	b.Label("catch").Emit(bytecode.OpPop).LdcI4(-1).Stloc(a).EmitBranch(bytecode.OpLeave, "end")
	b.Label("finally").Ldloc(a).Call(log.Token()).Emit(bytecode.OpEndfinally)
	b.Label("end").Ldloc(a).Ret()
	b.Clause(bytecode.ClauseCatch, "try", "catch", "catch", "finally", d.Core.DivideByZeroException.Token())
	b.Clause(bytecode.ClauseFinally, "try", "finally", "finally", "end", bytecode.NoToken)
	m.Body = b.MustBuild()
	return m
}
