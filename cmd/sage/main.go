// Command sage is SAGE-go's CLI entry point: flag parsing, orchestration
// wiring, and exit codes (spec.md §6, §7), in the teacher's flag-package
// style (args.go's flag.NewFlagSet usage) rather than a subcommand
// framework, since SAGE-go exposes exactly one command.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/config"
	"github.com/jefgrailet/sage/internal/emit"
	"github.com/jefgrailet/sage/internal/env"
	"github.com/jefgrailet/sage/internal/prober"
	"github.com/jefgrailet/sage/internal/store"
	"github.com/jefgrailet/sage/internal/target"
	"github.com/jefgrailet/sage/internal/voyager"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("sage", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	confPath := fs.String("c", "", "configuration file")
	iface := fs.String("e", "", "outbound interface (default: first non-loopback IPv4)")
	protoFlag := fs.String("p", "ICMP", "base probing protocol: ICMP|UDP|TCP")
	label := fs.String("l", "", "output-file stem (default: start-time dd-mm-yyyy hh:mm:ss)")
	verbosity := fs.Int("v", 1, "verbosity: 0-3 (3 = debug)")
	info := fs.Bool("i", false, "print an info summary and exit")
	sqlitePath := fs.String("sqlite", "", "optional sqlite debug export path")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *info {
		printInfo()
		return 0
	}

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "[sage]: missing target list")
		fs.Usage()
		return 1
	}

	cfg, err := loadConfig(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[sage]: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "[sage]: %v\n", err)
		return 1
	}

	proto, err := parseProtocol(*protoFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[sage]: %v\n", err)
		return 1
	}
	if proto == prober.TCP {
		fmt.Fprintln(os.Stderr, "[sage] warning: TCP SYN probing may trip SYN-flood regulation along the path")
	}

	resolvedIface := *iface
	if resolvedIface == "" {
		resolvedIface = firstNonLoopbackIPv4()
	}

	stem := *label
	if stem == "" {
		stem = time.Now().Format("02-01-2006 15:04:05")
	}

	targets, err := target.Expand(strings.Join(fs.Args(), ","))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[sage]: %v\n", err)
		return 1
	}
	if cfg.PrescanningExpansion {
		targets = target.ExpandPrescanning(targets)
	}

	logger, err := env.DefaultLogger(*verbosity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[sage]: %v\n", err)
		return 1
	}
	defer logger.Sync()

	e := env.New(cfg, resolvedIface, proto, logger)

	if err := e.CheckPrivileges(); err != nil {
		fmt.Fprintf(os.Stderr, "[sage]: %v\n", err)
		return 1
	}

	if err := e.Run(targets); err != nil {
		fmt.Fprintf(os.Stderr, "[sage]: %v\n", err)
		return 1
	}

	if err := writeOutputs(e, stem); err != nil {
		fmt.Fprintf(os.Stderr, "[sage]: %v\n", err)
		return 1
	}

	if *sqlitePath != "" {
		if err := dumpSqlite(e, *sqlitePath); err != nil {
			fmt.Fprintf(os.Stderr, "[sage]: %v\n", err)
			return 1
		}
	}

	if e.Graph != nil {
		voyager.Shutdown(e.Graph)
	}
	return e.ExitCode()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, warnings, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("[sage]: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "[sage] warning: %s\n", w)
	}
	return cfg, nil
}

func parseProtocol(s string) (prober.Protocol, error) {
	switch strings.ToUpper(s) {
	case "ICMP":
		return prober.ICMP, nil
	case "UDP":
		return prober.UDP, nil
	case "TCP":
		return prober.TCP, nil
	default:
		return prober.ICMP, fmt.Errorf("unrecognized protocol %q", s)
	}
}

func firstNonLoopbackIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			return ifc.Name
		}
	}
	return ""
}

func writeOutputs(e *env.Environment, stem string) error {
	if err := emit.IPs(stem+".ips", e.Dict); err != nil {
		return err
	}
	if err := emit.Subnets(stem+".subnets", e.Subnets); err != nil {
		return err
	}
	if err := emit.Hints(stem+".hints", e.Dict); err != nil {
		return err
	}
	if err := emit.Fingerprints(stem+".fingerprints", e.Dict); err != nil {
		return err
	}
	if err := emit.Aliases(stem+".aliases-1", e.DiscoverySet); err != nil {
		return err
	}
	if err := emit.Aliases(stem+".aliases-2", e.GraphBuildingSet); err != nil {
		return err
	}
	if e.Graph != nil {
		fullSet := collectVertexAliases(e)
		if err := emit.Aliases(stem+".aliases-f", fullSet); err != nil {
			return err
		}
	}
	if err := emit.Peers(stem+".peers", e.Subnets); err != nil {
		return err
	}
	if e.Graph == nil {
		return nil
	}
	if err := emit.Neighborhoods(stem+".neighborhoods", e.Graph); err != nil {
		return err
	}
	if err := emit.Graph(stem+".graph", e.Graph); err != nil {
		return err
	}
	if e.Metrics != nil {
		if err := emit.Metrics(stem+".metrics", e.Metrics); err != nil {
			return err
		}
	}
	return nil
}

// collectVertexAliases merges every vertex's full-resolution alias set
// (filled in by Galileo) into one set for the .aliases-f output file.
func collectVertexAliases(e *env.Environment) *alias.Set {
	full := alias.NewSet()
	for _, v := range voyager.Mariner(e.Graph) {
		if v.Aliases != nil {
			full.Merge(v.Aliases)
		}
	}
	return full
}

func dumpSqlite(e *env.Environment, path string) error {
	w, err := store.Open(path)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.DumpDictionary(e.Dict); err != nil {
		return err
	}
	if err := w.DumpSubnets(e.Subnets); err != nil {
		return err
	}
	if e.Graph != nil {
		if err := w.DumpGraph(e.Graph); err != nil {
			return err
		}
	}
	if e.Metrics != nil {
		if err := w.DumpMetrics(e.Metrics); err != nil {
			return err
		}
	}
	return nil
}

func printInfo() {
	fmt.Println("sage -- active network topology discovery")
	fmt.Println("usage: sage [-c config] [-e interface] [-p ICMP|UDP|TCP] [-l label] [-v 0-3] targets")
	fmt.Println("targets: comma-separated IPv4 addresses, CIDR blocks, or filenames")
}
