//go:build linux

package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xmapst/bussun"
)

// GuestRAMBase is where the console's main RAM starts in guest memory.
const GuestRAMBase = 0x80000000

const usage = `usage: bussun <command> [flags]

commands:
  probe    print the image size a binary needs
  dump     list the header and relocation commands of a binary
  link     load and link a binary into a local heap
  inject   load and link a binary into a running emulator
  symbols  normalize symbol maps
`

var logger *zap.Logger

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	logger, err = bussun.NewLogger(bussun.LogConfig{
		Level: envOr("BUSSUN_LOG_LEVEL", "info"),
		File:  os.Getenv("BUSSUN_LOG_FILE"),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "probe":
		err = probe(args)
	case "dump":
		err = dump(args)
	case "link":
		err = link(args)
	case "inject":
		err = inject(args)
	case "symbols":
		err = symbols(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal(cmd+" failed", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// addrFlag accepts decimal or 0x-prefixed hex.
type addrFlag uint32

func (a *addrFlag) String() string { return fmt.Sprintf("%#08x", uint32(*a)) }

func (a *addrFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return err
	}
	*a = addrFlag(v)
	return nil
}

// loaderFlags holds the settings shared by link and inject.
type loaderFlags struct {
	base   addrFlag
	size   addrFlag
	strict bool
}

func newLoaderFlags(fs *flag.FlagSet) *loaderFlags {
	lf := &loaderFlags{
		base: bussun.DefaultHeapBase,
		size: bussun.DefaultHeapSize,
	}
	fs.Var(&lf.base, "heap-base", "guest address of the heap the image is allocated from")
	fs.Var(&lf.size, "heap-size", "heap size in bytes")
	fs.BoolVar(&lf.strict, "strict", false, "reject unknown versions and opcodes")
	return lf
}

func (lf *loaderFlags) config() (*bussun.Config, error) {
	cfg := bussun.NewConfig()
	cfg.HeapBase = uint32(lf.base)
	cfg.HeapSize = uint32(lf.size)
	cfg.Strict = lf.strict
	cfg.Logger = logger
	return cfg, cfg.Validate()
}

func probe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	in := fs.String("in", "CustomCode.bin", "binary to read")
	_ = fs.Parse(args)

	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size, err := bussun.ProbeSize(f, info.Size())
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d bytes (%#x)\n", *in, size, size)
	if size > bussun.DefaultHeapSize {
		fmt.Printf("exceeds the default heap by %d bytes\n", size-bussun.DefaultHeapSize)
	}
	return nil
}

func dump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	in := fs.String("in", "CustomCode.bin", "binary to read")
	var base addrFlag
	fs.Var(&base, "base", "image address used to resolve relative commands")
	_ = fs.Parse(args)

	source, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	return bussun.DumpContainer(os.Stdout, source, uint32(base))
}

func link(args []string) error {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	lf := newLoaderFlags(fs)
	in := fs.String("in", "CustomCode.bin", "binary to load")
	out := fs.String("out", "", "write the linked image here")
	ram := fs.String("ram", "", "guest RAM dump mapped at 0x80000000 for absolute patches")
	ramOut := fs.String("ram-out", "", "write the patched RAM dump here")
	trace := fs.Bool("trace", false, "print the cache maintenance sequence")
	_ = fs.Parse(args)

	cfg, err := lf.config()
	if err != nil {
		return err
	}

	var host []bussun.Mapping
	var ramRegion *bussun.Region
	if *ram != "" {
		data, err := os.ReadFile(*ram)
		if err != nil {
			return err
		}
		ramRegion = bussun.NewRegionFrom("ram", GuestRAMBase, data)
		host = append(host, ramRegion)
	}

	recorder := bussun.NewRecordingCache()
	if *trace {
		cfg.Cache = recorder
	}

	img, err := bussun.NewLoader(cfg, nil, host...).Boot(*in)
	if err != nil || img == nil {
		return err
	}
	if err := reportImage(img); err != nil {
		return err
	}

	if *trace {
		for _, op := range recorder.Ops {
			fmt.Println(op)
		}
	}
	if *out != "" {
		if err := os.WriteFile(*out, img.Bytes(), 0o644); err != nil {
			return err
		}
	}
	if *ramOut != "" && ramRegion != nil {
		return os.WriteFile(*ramOut, ramRegion.Bytes(), 0o644)
	}
	return nil
}

func inject(args []string) (err error) {
	fs := flag.NewFlagSet("inject", flag.ExitOnError)
	lf := newLoaderFlags(fs)
	in := fs.String("in", "CustomCode.bin", "binary to load")
	pid := fs.Int("pid", 0, "pid of the emulator")
	process := fs.String("process", "dolphin-emu*", "emulator executable name, used when -pid is not set")
	match := fs.String("match", "dolphin-emu", "substring of the guest RAM mapping path")
	ramSize := addrFlag(0x1800000)
	fs.Var(&ramSize, "ram-size", "size of guest main RAM")
	_ = fs.Parse(args)

	cfg, err := lf.config()
	if err != nil {
		return err
	}

	if *pid == 0 {
		*pid, err = bussun.FindProcess(*process)
		if err != nil {
			return err
		}
	}
	logger.Info("injecting", zap.Int("pid", *pid), zap.String("binary", *in))

	program, err := bussun.Trace(*pid, logger)
	if err != nil {
		return fmt.Errorf("%v ptrace on target process, pid: %d", err, *pid)
	}
	defer func() {
		err = multierr.Append(err, program.Detach())
	}()

	guest, err := bussun.RemoteGuestRAM(program, *match, GuestRAMBase, uint32(ramSize))
	if err != nil {
		return err
	}

	// Link against a snapshot of guest RAM so a failed link leaves the
	// emulator untouched.
	overlay, err := bussun.NewOverlay(guest)
	if err != nil {
		return err
	}
	img, err := bussun.NewLoader(cfg, nil, overlay).LoadFile(*in)
	if err != nil || img == nil {
		return err
	}
	installed, err := img.Installed(guest)
	if err != nil {
		return err
	}
	if installed {
		logger.Info("image already present, skipping install", zap.String("addr", fmt.Sprintf("%#08x", img.Base)))
		return reportImage(img)
	}
	if err = img.Install(guest); err != nil {
		return err
	}
	patched, err := overlay.Commit()
	if err != nil {
		return err
	}
	logger.Info("injected",
		zap.String("addr", fmt.Sprintf("%#08x", img.Base)),
		zap.Uint32("size", img.Size),
		zap.Int("patched", patched))
	return reportImage(img)
}

func reportImage(img *bussun.Image) error {
	fmt.Printf("image %#08x size %#x (code %#x, data %#x)\n", img.Base, img.Size, img.Header.CodeSize, img.Header.DataSize)
	ctors, err := img.Ctors()
	if err != nil {
		return err
	}
	for _, ctor := range ctors {
		if img.Contains(ctor) {
			fmt.Printf("ctor %#08x\n", ctor)
		} else {
			fmt.Printf("ctor %#08x (outside image)\n", ctor)
		}
	}
	return nil
}

// symbols rewrites every *.txt map under -in into -out, with filtered aliases
// added and entries sorted by address.
func symbols(args []string) error {
	flags := flag.NewFlagSet("symbols", flag.ExitOnError)
	in := flags.String("in", "symbols/base", "directory of raw symbol maps")
	out := flags.String("out", "symbols", "directory for normalized maps")
	_ = flags.Parse(args)

	return filepath.WalkDir(*in, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".txt") {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		syms, err := bussun.ReadSymbolMap(src)
		if err != nil {
			return fmt.Errorf("%v %s", err, path)
		}

		dst, err := os.Create(filepath.Join(*out, d.Name()))
		if err != nil {
			return err
		}
		if err := bussun.WriteSymbolMap(dst, syms); err != nil {
			dst.Close()
			return err
		}
		logger.Info("symbols written", zap.String("file", dst.Name()), zap.Int("count", len(syms)))
		return dst.Close()
	})
}
