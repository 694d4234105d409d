// Command packcli is a manual-operation tool for a single pack file,
// mirroring main.go's own startup shape (banner, -configPath, logger init)
// but dispatching to a subcommand instead of starting a server, since pack
// is an embedded engine with no listener of its own (§1 Non-goals).
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/zhukovaskychina/xpack"
	"github.com/zhukovaskychina/xpack/conf"
	"github.com/zhukovaskychina/xpack/export"
	"github.com/zhukovaskychina/xpack/internal/addrspace"
	"github.com/zhukovaskychina/xpack/logger"
)

const help = `
******************************************************************************
 packcli - manual operations against a single pack file
******************************************************************************
Usage: packcli -configPath <pack.ini> <command> [args]

Commands:
  open                      open (bootstrapping if needed) and report stats
  alloc <size>              allocate a zero-filled block, print its address
  write <address> <data>    overwrite address's block with data
  read <address>            print address's current payload
  free <address>            free address
  vacuum                    run one compaction pass with no page hints
  stats                     print cache and table occupancy counters
  dump <path>               write a snappy-compressed snapshot to path
  load <path>               restore a snapshot from path into this pack file
******************************************************************************
`

func main() {
	var configPath, tuningPath string
	flag.StringVar(&configPath, "configPath", "", "path to pack.ini")
	flag.StringVar(&tuningPath, "tuningPath", "", "path to tuning.toml")
	flag.Usage = func() { fmt.Print(help) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		fatalf("packcli: load config: %v", err)
	}
	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: cfg.LogErrorPath,
		InfoLogPath:  cfg.LogInfoPath,
		LogLevel:     cfg.LogLevel,
	}); err != nil {
		fatalf("packcli: init logger: %v", err)
	}

	tuning, err := conf.LoadTuning(tuningPath)
	if err != nil {
		fatalf("packcli: load tuning: %v", err)
	}

	cmd, rest := args[0], args[1:]

	// load creates its own destination pack via export.Load; opening cfg's
	// pack file here first would race two file handles against it.
	if cmd == "load" {
		if err := cmdLoad(cfg, tuning, rest); err != nil {
			fatalf("packcli: load: %v", err)
		}
		return
	}

	pack, err := xpack.Open(cfg, tuning)
	if err != nil {
		fatalf("packcli: open %q: %v", cfg.PackPath(), err)
	}
	defer pack.Close()

	if err := dispatch(pack, cmd, rest); err != nil {
		fatalf("packcli: %s: %v", cmd, err)
	}
}

func dispatch(pack *xpack.Pack, cmd string, args []string) error {
	switch cmd {
	case "open":
		printStats(pack)
		return nil
	case "alloc":
		return cmdAlloc(pack, args)
	case "write":
		return cmdWrite(pack, args)
	case "read":
		return cmdRead(pack, args)
	case "free":
		return cmdFree(pack, args)
	case "vacuum":
		return pack.Vacuum(nil, nil)
	case "stats":
		printStats(pack)
		return nil
	case "dump":
		return cmdDump(pack, args)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdAlloc(pack *xpack.Pack, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: alloc <size>")
	}
	size, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", args[0], err)
	}

	m, err := pack.Mutate()
	if err != nil {
		return err
	}
	addr, err := m.Allocate(size)
	if err != nil {
		m.Rollback()
		return err
	}
	if err := m.Commit(); err != nil {
		return err
	}
	fmt.Printf("allocated address %d\n", addr)
	return nil
}

func cmdWrite(pack *xpack.Pack, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: write <address> <data>")
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}

	m, err := pack.Mutate()
	if err != nil {
		return err
	}
	if err := m.Write(addr, []byte(args[1])); err != nil {
		m.Rollback()
		return err
	}
	return m.Commit()
}

func cmdRead(pack *xpack.Pack, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: read <address>")
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	data, err := pack.ReadLive(addr)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", data)
	return nil
}

func cmdFree(pack *xpack.Pack, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: free <address>")
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}

	m, err := pack.Mutate()
	if err != nil {
		return err
	}
	if err := m.Free(addr); err != nil {
		m.Rollback()
		return err
	}
	return m.Commit()
}

func cmdLoad(cfg *conf.Cfg, tuning *conf.Tuning, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: load <path>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	pack, err := export.Load(f, cfg, tuning)
	if err != nil {
		return err
	}
	return pack.Close()
}

func cmdDump(pack *xpack.Pack, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dump <path>")
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return export.Dump(pack, f)
}

func parseAddress(s string) (addrspace.Address, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addrspace.Address(v), nil
}

func printStats(pack *xpack.Pack) {
	s := pack.Stats()
	fmt.Printf("cache: %d hits, %d misses\n", s.CacheHits, s.CacheMisses)
	fmt.Printf("by-remaining buckets: %d\n", s.BlockBuckets)
	fmt.Printf("address-page buckets: %d\n", s.AddressBuckets)
	fmt.Printf("static blocks: %d\n", s.StaticBlocks)
}

func fatalf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
