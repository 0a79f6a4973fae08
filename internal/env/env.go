// Package env implements the Environment: the process-wide owner of the
// dictionary, subnets, alias sets and graph spec.md §9 describes, and the
// orchestrator that drives every phase through its join barrier in order
// (spec.md §5 "No two phases run concurrently").
package env

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/config"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/graph"
	"github.com/jefgrailet/sage/internal/ipaddr"
	"github.com/jefgrailet/sage/internal/peer"
	"github.com/jefgrailet/sage/internal/prober"
	"github.com/jefgrailet/sage/internal/scan"
	"github.com/jefgrailet/sage/internal/subnet"
	"github.com/jefgrailet/sage/internal/voyager"
	"github.com/jefgrailet/sage/internal/workerpool"
)

// Environment owns every artifact the pipeline produces, from the
// dictionary through the finished, numbered graph (spec.md §9).
type Environment struct {
	Cfg       *config.Config
	Interface string
	Protocol  prober.Protocol
	Logger    *zap.Logger

	Dict             *dictionary.Dictionary
	Subnets          []*subnet.Subnet
	DiscoverySet     *alias.Set // subnet-discovery stage (rule 4/5 feed)
	GraphBuildingSet *alias.Set // peer-disambiguation stage
	Graph            *graph.Graph
	Metrics          *voyager.Metrics

	// Stopped is set once a phase raises the stop condition (spec.md §5
	// "Cancellation"); Run checks it between phases so no further work is
	// scheduled and exit code 1 is warranted.
	Stopped bool
}

// New builds an Environment from a resolved configuration.
func New(cfg *config.Config, iface string, proto prober.Protocol, logger *zap.Logger) *Environment {
	return &Environment{
		Cfg:       cfg,
		Interface: iface,
		Protocol:  proto,
		Logger:    logger,
		Dict:      dictionary.New(uint32(cfg.ScanningMaximumFlickeringDelta)),
	}
}

// CheckPrivileges opens and immediately releases one sentinel socket, per
// spec.md §5 "One sentinel socket is opened at startup ... to detect
// insufficient privileges before scheduling any work."
func (env *Environment) CheckPrivileges() error {
	pr, err := prober.New(env.Protocol, 0, env.proberConfig())
	if err != nil {
		return fmt.Errorf("[env.CheckPrivileges]: try with elevated privileges: %w", err)
	}
	return pr.Close()
}

func (env *Environment) proberConfig() prober.Config {
	return prober.Config{
		Interface:            env.Interface,
		PayloadMessage:       env.Cfg.ProbingPayloadMessage,
		ProbeRegulatingDelay: env.Cfg.ProbingRegulatingDelay,
	}
}

// newPool opens a worker pool of Cfg.ConcurrencyMaxThreads probers of
// the configured base protocol, each with its own socket(s)
// (spec.md §4.2, §5).
func (env *Environment) newPool() (*workerpool.ProberPool, error) {
	cfg := env.proberConfig()
	proto := env.Protocol
	pool, err := workerpool.NewProberPool(env.Cfg.ConcurrencyMaxThreads, func(id int) (prober.Prober, error) {
		return prober.New(proto, id, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("[env.newPool]: %w", err)
	}
	pool.ThreadDelay = env.Cfg.ConcurrencyThreadDelay
	return pool, nil
}

func (env *Environment) raiseStop(pool *workerpool.ProberPool, phase string) bool {
	if pool.Stopped() {
		env.Stopped = true
		env.Logger.Error("phase aborted by stop condition", zap.String("phase", phase))
		return true
	}
	return false
}

// Run drives the whole pipeline over targets: Prescanner, Scanner, subnet
// alias discovery, Subnet Inference, Subnet Post-Processor, Peer Scanner,
// Aggregation & Graph Construction (including peer disambiguation),
// Pioneer numbering, and the Cassini metrics pass. Each phase opens its
// own worker pool and joins before the next begins (spec.md §5).
func (env *Environment) Run(targets []ipaddr.Addr) error {
	if err := env.runPrescan(targets); err != nil {
		return err
	}
	if env.Stopped {
		return nil
	}

	if err := env.runScan(); err != nil {
		return err
	}
	if env.Stopped {
		return nil
	}

	env.runSubnetInference()
	env.runPostProcess()

	if err := env.runPeerScan(); err != nil {
		return err
	}
	if env.Stopped {
		return nil
	}

	if err := env.runAggregation(); err != nil {
		return err
	}

	if err := env.runGalileo(); err != nil {
		return err
	}
	if env.Stopped {
		return nil
	}

	voyager.Pioneer(env.Graph)
	env.Metrics = voyager.Cassini(env.Graph)
	return nil
}

func (env *Environment) runPrescan(targets []ipaddr.Addr) error {
	pool, err := env.newPool()
	if err != nil {
		return err
	}
	defer pool.CloseAll()

	env.Logger.Info("prescan starting", zap.Int("targets", len(targets)))
	pr := &scan.Prescanner{
		Dict:         env.Dict,
		Pool:         pool,
		BaseTimeout:  env.Cfg.ProbingTimeoutPeriod,
		ThirdOpinion: env.Cfg.PrescanningThirdOpinion,
		FixedFlow:    env.Cfg.ProbingFixedFlowParis,
	}
	pr.Run(targets)
	env.raiseStop(pool, "prescan")
	env.Logger.Info("prescan done", zap.Int("responsive", env.responsiveCount()))
	return nil
}

func (env *Environment) responsiveCount() int {
	n := 0
	env.Dict.All(func(e *dictionary.Entry) {
		if e.Type == dictionary.ResponsiveTarget {
			n++
		}
	})
	return n
}

func (env *Environment) responsiveTargets() []ipaddr.Addr {
	var out []ipaddr.Addr
	env.Dict.All(func(e *dictionary.Entry) {
		if e.Type == dictionary.ResponsiveTarget {
			out = append(out, e.IP)
		}
	})
	return out
}

func (env *Environment) runScan() error {
	pool, err := env.newPool()
	if err != nil {
		return err
	}
	defer pool.CloseAll()

	targets := env.responsiveTargets()
	env.Logger.Info("scan starting", zap.Int("targets", len(targets)))
	sc := &scan.Scanner{
		Dict:                 env.Dict,
		Pool:                 pool,
		StartTTL:             env.Cfg.ScanningStartTTL,
		Timeout:              env.Cfg.ProbingTimeoutPeriod,
		FixedFlow:            env.Cfg.ProbingFixedFlowParis,
		NumberOfReprobing:    env.Cfg.ScanningNumberOfReprobing,
		MinimumTargetsPerThr: env.Cfg.ScanningMinimumTargetsPerThread,
		SplitThreshold:       env.Cfg.ScanningTargetListSplitThreshold,
	}
	sc.Run(targets)
	env.raiseStop(pool, "scan")

	collect, closeCollector, err := env.hintCollector(dictionary.DuringSubnetDiscovery)
	if err != nil {
		return err
	}
	defer closeCollector()
	env.DiscoverySet = scan.DiscoverSubnetAliases(env.Dict, collect, env.resolve(dictionary.DuringSubnetDiscovery))
	env.Logger.Info("scan done", zap.Int("aliases", len(env.DiscoverySet.Aliases)))
	return nil
}

// hintCollector opens one prober and returns a collect closure sharing its
// single alias.Collector (and thus its monotonic IP-ID token counter,
// spec.md §5 mutex (d)) across every connected component the caller feeds
// it serially, plus a close func to release the socket when the phase
// ends.
func (env *Environment) hintCollector(stage dictionary.CollectionStage) (func([]*dictionary.Entry), func(), error) {
	pr, err := prober.NewICMPProber(0, env.proberConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("[env.hintCollector]: %w", err)
	}
	c := &alias.Collector{Prober: pr, NbIPIDs: env.Cfg.AliasResolutionNbIPIDs, Timeout: env.Cfg.ProbingTimeoutPeriod}
	collect := func(entries []*dictionary.Entry) {
		c.Collect(entries, stage, env.Cfg.AliasResolutionVelocityMaxRollovers, env.Cfg.AliasResolutionVelocityMaxError)
	}
	return collect, func() { pr.Close() }, nil
}

// resolve builds the per-stage resolution closure. The subnet-discovery
// stage always runs strict (spec.md §4.4: flickering trios go through
// the engine "in strict mode"); elsewhere strictness follows the
// aliasResolutionStrictMode setting.
func (env *Environment) resolve(stage dictionary.CollectionStage) func([]*dictionary.Entry) *alias.Set {
	cfg := env.resolverConfig()
	if stage == dictionary.DuringSubnetDiscovery {
		cfg.StrictMode = true
	}
	return func(entries []*dictionary.Entry) *alias.Set {
		return alias.Resolve(entries, stage, cfg)
	}
}

func (env *Environment) resolverConfig() alias.ResolverConfig {
	return alias.ResolverConfig{
		MaxDifference:            env.Cfg.AliasResolutionAllyMaxDifference,
		MaxConsecutiveDifference: env.Cfg.AliasResolutionAllyMaxConsecutiveDifference,
		VelocityOverlapTolerance: env.Cfg.AliasResolutionVelocityOverlapTolerance,
		StrictMode:               env.Cfg.AliasResolutionStrictMode,
	}
}

func (env *Environment) runSubnetInference() {
	var worklist []*dictionary.Entry
	env.Dict.All(func(e *dictionary.Entry) {
		if e.Type == dictionary.SuccessfullyScanned {
			worklist = append(worklist, e)
		}
	})
	env.Subnets = subnet.Infer(worklist, env.DiscoverySet, subnet.InferenceConfig{
		OutliersRatioDivisor: env.Cfg.InferenceOutliersRatioDivisor,
		MaxContraPivots:      subnet.MaximumNbContraPivots,
	})
	env.Logger.Info("subnet inference done", zap.Int("subnets", len(env.Subnets)))
}

func (env *Environment) runPostProcess() {
	env.Subnets = subnet.PostProcess(env.Subnets, env.DiscoverySet, env.Cfg.InferenceOutliersRatioDivisor)
	env.Logger.Info("subnet post-processing done", zap.Int("subnets", len(env.Subnets)))
}

func (env *Environment) runPeerScan() error {
	pool, err := env.newPool()
	if err != nil {
		return err
	}
	defer pool.CloseAll()

	sc := &peer.Scanner{
		Dict:         env.Dict,
		Pool:         pool,
		DiscoverySet: env.DiscoverySet,
		Timeout:      env.Cfg.ProbingTimeoutPeriod,
		FixedFlow:    env.Cfg.ProbingFixedFlowParis,
		MaxPivots:    env.Cfg.PeerDiscoveryMaxPivots,
		PairDelay:    env.Cfg.ProbingRegulatingDelay,
	}
	env.Logger.Info("peer scan starting")
	sc.Run(env.Subnets)
	env.raiseStop(pool, "peer scan")
	return nil
}

func (env *Environment) runAggregation() error {
	aggregates := graph.AggregateSubnets(env.Subnets, env.DiscoverySet)
	graph.DiscoverPeers(aggregates, env.DiscoverySet)

	collect, closeCollector, err := env.hintCollector(dictionary.DuringGraphBuilding)
	if err != nil {
		return err
	}
	defer closeCollector()

	env.GraphBuildingSet = graph.DisambiguatePeers(env.Dict, aggregates, graph.DisambiguationConfig{
		Collect: collect,
		Resolve: env.resolve(dictionary.DuringGraphBuilding),
	})

	env.Graph = graph.Build(aggregates, env.GraphBuildingSet, env.DiscoverySet)
	env.Logger.Info("graph built", zap.Int("vertices", len(env.Graph.Vertices())), zap.Int("gates", len(env.Graph.Gates)))
	return nil
}

func (env *Environment) runGalileo() error {
	pool, err := env.newPool()
	if err != nil {
		return err
	}
	defer pool.CloseAll()

	voyager.Galileo(env.Graph, env.Dict, pool, voyager.CollectConfig{
		NbIPIDs:      env.Cfg.AliasResolutionNbIPIDs,
		Timeout:      env.Cfg.ProbingTimeoutPeriod,
		MaxRollovers: env.Cfg.AliasResolutionVelocityMaxRollovers,
		MaxError:     env.Cfg.AliasResolutionVelocityMaxError,
	}, env.resolverConfig())
	env.raiseStop(pool, "alias resolution")
	return nil
}

// ExitCode reports the process exit status spec.md §6/§7 define: 0 on
// success (including "nothing discovered"), 1 on a fatal stop condition.
func (env *Environment) ExitCode() int {
	if env.Stopped {
		return 1
	}
	return 0
}

// DefaultLogger builds a zap.Logger at the given verbosity (spec.md §6
// `-v`: 0 silences everything but fatal events, 3 is debug).
func DefaultLogger(verbosity int) (*zap.Logger, error) {
	var level zapcore.Level
	switch {
	case verbosity <= 0:
		level = zapcore.FatalLevel
	case verbosity == 1:
		level = zapcore.WarnLevel
	case verbosity == 2:
		level = zapcore.InfoLevel
	default:
		level = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
