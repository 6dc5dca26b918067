// Command bsim runs the discrete-event Byzantine peer-sampling and
// Avalanche-consensus simulator: a top-level flag set controlling run size
// and duration, and a subcommand selecting which protocol to simulate.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/basalt-rps/basalt-sim/internal/avalanche"
	"github.com/basalt-rps/basalt-sim/internal/config"
	"github.com/basalt-rps/basalt-sim/internal/obs"
	"github.com/basalt-rps/basalt-sim/internal/rps"
	"github.com/basalt-rps/basalt-sim/internal/simnet"
	"github.com/basalt-rps/basalt-sim/internal/sps"
)

func main() {
	app := buildApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// unimplementedRPS rejects a subcommand naming a protocol this build does
// not ship (Brahms, Basalt) cleanly at the argument-parsing layer, rather
// than silently mapping it onto a different protocol.
func unimplementedRPS(name string) error {
	return fmt.Errorf("bsim: %s RPS is not implemented by this build; use rps, sps, or oracle", name)
}

func buildApp() *cli.App {
	return &cli.App{
		Name:  "bsim",
		Usage: "discrete-event simulator for Byzantine-resilient peer sampling and gossip consensus",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "time", Aliases: []string{"T"}, Value: 100, Usage: "number of simulated steps"},
			&cli.IntFlag{Name: "nodes", Aliases: []string{"n"}, Value: 1000, Usage: "population size"},
			&cli.IntFlag{Name: "iteration", Aliases: []string{"i"}, Usage: "iteration number (recorded but otherwise ignored)"},
			&cli.Uint64Flag{Name: "random-samples", Aliases: []string{"R"}, Usage: "first round to start printing the last node's samples, one per line"},
			&cli.Uint64Flag{Name: "seed", Value: 1, Usage: "simulator-wide RNG seed"},
			&cli.StringFlag{Name: "config", Usage: "path to a YAML scenario file"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "if set, serve Prometheus metrics on this address while running"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
			&cli.StringFlag{Name: "log-format", Value: "json"},
		},
		Commands: []*cli.Command{
			rpsCommand(),
			spsCommand(),
			brahmsCommand(),
			basaltCommand("basalt-simple"),
			basaltCommand("basalt"),
			avalancheCommand(),
		},
	}
}

// scenarioFromCtx builds the top-level Scenario from -T/-n/-i/-R/--seed/
// --config/--metrics-addr, a YAML file (if given) losing to explicit
// flags.
func scenarioFromCtx(c *cli.Context) (*config.Scenario, error) {
	scenario := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		scenario = loaded
	}

	var randomSamples *uint64
	if c.IsSet("random-samples") {
		v := c.Uint64("random-samples")
		randomSamples = &v
	}
	scenario.ApplyFlagOverrides(
		c.IsSet("time"), c.Uint64("time"),
		c.IsSet("nodes"), c.Int("nodes"),
		c.IsSet("iteration"), c.Int("iteration"),
		c.IsSet("seed"), c.Uint64("seed"),
		randomSamples,
		c.String("metrics-addr"),
	)
	scenario.Logging = config.LoggingConfig{Level: c.String("log-level"), Format: c.String("log-format")}
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	return scenario, nil
}

func brahmsCommand() *cli.Command {
	return &cli.Command{
		Name:  "brahms",
		Usage: "Brahms RPS (not implemented by this build)",
		Action: func(*cli.Context) error {
			return unimplementedRPS("brahms")
		},
	}
}

func basaltCommand(name string) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: "Basalt RPS (not implemented by this build)",
		Action: func(*cli.Context) error {
			return unimplementedRPS(name)
		},
	}
}

func rpsCommand() *cli.Command {
	return &cli.Command{
		Name:  "rps",
		Usage: "run Basic RPS standalone",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "num-byzantines", Aliases: []string{"t"}, Required: true},
			&cli.IntFlag{Name: "view-size", Required: true},
			&cli.IntFlag{Name: "count", Required: true},
			&cli.IntFlag{Name: "period", Required: true},
		},
		Action: func(c *cli.Context) error {
			scenario, err := scenarioFromCtx(c)
			if err != nil {
				return err
			}
			init := rps.BasicInit{
				NByzantine: c.Int("num-byzantines"),
				ViewSize:   c.Int("view-size"),
				Count:      c.Int("count"),
				Period:     c.Int("period"),
			}
			sim := simnet.New[rps.BasicInit, rps.BasicMsg, rps.BasicMetrics](
				scenario.Nodes, scenario.Seed,
				func() simnet.App[rps.BasicInit, rps.BasicMsg, rps.BasicMetrics] { return rps.NewBasic() },
				init,
			)
			return runSimulation(c.Context, scenario, sim, os.Stdout, logFor(c))
		},
	}
}

func spsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sps",
		Usage: "run Secure Peer Sampling standalone",
		Flags: spsFlags(),
		Action: func(c *cli.Context) error {
			scenario, err := scenarioFromCtx(c)
			if err != nil {
				return err
			}
			init, err := spsInitFromCtx(c)
			if err != nil {
				return err
			}
			sim := simnet.New[sps.Init, sps.Msg, sps.Metrics](
				scenario.Nodes, scenario.Seed,
				func() simnet.App[sps.Init, sps.Msg, sps.Metrics] { return sps.New() },
				init,
			)
			return runSimulation(c.Context, scenario, sim, os.Stdout, logFor(c))
		},
	}
}

func spsFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "num-byzantines", Aliases: []string{"t"}, Required: true},
		&cli.IntFlag{Name: "byzantine-flood-factor", Value: 1},
		&cli.Uint64Flag{Name: "attack-start-time", Aliases: []string{"s"}},
		&cli.Uint64Flag{Name: "sampling-frequency"},
		&cli.IntFlag{Name: "sampling-count"},
		&cli.IntFlag{Name: "view-size", Required: true},
		&cli.IntFlag{Name: "num-exchanges", Value: 1},
		&cli.IntFlag{Name: "exchange-interval", Value: 1},
		&cli.Int64Flag{Name: "ttl0", Value: 5},
		&cli.IntFlag{Name: "wlist-max", Value: 100},
		&cli.BoolFlag{Name: "graph-stats", Aliases: []string{"G"}},
	}
}

func spsInitFromCtx(c *cli.Context) (sps.Init, error) {
	if c.Int("view-size") <= 0 {
		return sps.Init{}, fmt.Errorf("bsim: view-size must be positive, got %d", c.Int("view-size"))
	}
	if c.Int("exchange-interval") <= 0 {
		return sps.Init{}, fmt.Errorf("bsim: exchange-interval must be positive, got %d", c.Int("exchange-interval"))
	}
	if c.Int("num-exchanges") <= 0 {
		return sps.Init{}, fmt.Errorf("bsim: num-exchanges must be positive, got %d", c.Int("num-exchanges"))
	}
	var freq *uint64
	if c.IsSet("sampling-frequency") {
		v := c.Uint64("sampling-frequency")
		freq = &v
	}
	return sps.Init{
		NByzantine:           c.Int("num-byzantines"),
		ByzantineFloodFactor: c.Int("byzantine-flood-factor"),
		AttackStartTime:      c.Uint64("attack-start-time"),
		SamplingFrequency:    freq,
		SamplingCount:        c.Int("sampling-count"),
		ViewSize:             c.Int("view-size"),
		NumExchanges:         c.Int("num-exchanges"),
		ExchangeInterval:     c.Int("exchange-interval"),
		TTL0:                 c.Int64("ttl0"),
		WlistMax:             c.Int("wlist-max"),
		GraphStats:           c.Bool("graph-stats"),
	}, nil
}

func avalancheFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "num-byzantines", Aliases: []string{"t"}, Required: true},
		&cli.IntFlag{Name: "num-disagree", Aliases: []string{"d"}},
		&cli.StringFlag{Name: "scenario", Aliases: []string{"S"}, Required: true},
		&cli.IntFlag{Name: "sample-size", Aliases: []string{"k"}, Required: true},
		&cli.IntFlag{Name: "alpha-k", Aliases: []string{"a"}, Required: true},
		&cli.Float64Flag{Name: "beta", Aliases: []string{"b"}, Required: true},
		&cli.IntFlag{Name: "theta", Aliases: []string{"c"}, Required: true},
		&cli.Uint64Flag{Name: "start-time", Aliases: []string{"s"}},
	}
}

func avalancheArgsFromCtx(c *cli.Context) (avalanche.InitArgs, error) {
	scen, err := avalanche.ParseScenario(c.String("scenario"))
	if err != nil {
		return avalanche.InitArgs{}, err
	}
	if c.Int("sample-size") <= 0 {
		return avalanche.InitArgs{}, fmt.Errorf("bsim: sample-size must be positive, got %d", c.Int("sample-size"))
	}
	if c.Int("alpha-k") <= 0 || c.Int("alpha-k") > c.Int("sample-size") {
		return avalanche.InitArgs{}, fmt.Errorf("bsim: alpha-k must be in 1..sample-size, got %d", c.Int("alpha-k"))
	}
	if c.Int("theta") <= 0 {
		return avalanche.InitArgs{}, fmt.Errorf("bsim: theta must be positive, got %d", c.Int("theta"))
	}
	return avalanche.InitArgs{
		NByzantine:   c.Int("num-byzantines"),
		NDisagreeing: c.Int("num-disagree"),
		Scenario:     scen,
		K:            c.Int("sample-size"),
		AlphaK:       c.Int("alpha-k"),
		Beta:         c.Float64("beta"),
		Theta:        c.Int("theta"),
		StartTime:    c.Uint64("start-time"),
	}, nil
}

func avalancheCommand() *cli.Command {
	return &cli.Command{
		Name:  "avalanche",
		Usage: "run Avalanche binary consensus layered on a peer-sampling service",
		Flags: avalancheFlags(),
		Subcommands: []*cli.Command{
			avalancheOracleCommand(),
			avalancheSPSCommand(),
			avalancheUnimplementedCommand("brahms"),
			avalancheUnimplementedCommand("basalt-simple"),
			avalancheUnimplementedCommand("basalt"),
		},
	}
}

func avalancheUnimplementedCommand(name string) *cli.Command {
	return &cli.Command{
		Name: name,
		Action: func(*cli.Context) error {
			return unimplementedRPS(name)
		},
	}
}

func avalancheOracleCommand() *cli.Command {
	return &cli.Command{
		Name:  "oracle",
		Usage: "Avalanche layered on the ground-truth Oracle RPS",
		Flags: []cli.Flag{&cli.IntFlag{Name: "count", Required: true}},
		Action: func(c *cli.Context) error {
			scenario, err := scenarioFromCtx(c)
			if err != nil {
				return err
			}
			args, err := avalancheArgsFromCtx(c)
			if err != nil {
				return err
			}
			rpsInit := rps.OracleInit{NNodes: scenario.Nodes, Count: c.Int("count")}
			sc := avalanche.NewSharedCounter()
			type initT = avalanche.Init[rps.OracleInit]
			type msgT = avalanche.Msg[rps.OracleMsg]
			type metT = avalanche.Metrics[rps.OracleMetrics]
			sim := simnet.New[initT, msgT, metT](
				scenario.Nodes, scenario.Seed,
				func() simnet.App[initT, msgT, metT] {
					return avalanche.New[rps.OracleInit, rps.OracleMsg, rps.OracleMetrics, *rps.Oracle](rps.NewOracle)
				},
				initT{Args: args, RPSArgs: rpsInit, SharedCounter: sc},
			)
			return runAvalancheSimulation(c.Context, scenario, sim, sc, os.Stdout, logFor(c))
		},
	}
}

func avalancheSPSCommand() *cli.Command {
	return &cli.Command{
		Name:  "sps",
		Usage: "Avalanche layered on Secure Peer Sampling",
		Flags: spsFlags(),
		Action: func(c *cli.Context) error {
			scenario, err := scenarioFromCtx(c)
			if err != nil {
				return err
			}
			args, err := avalancheArgsFromCtx(c)
			if err != nil {
				return err
			}
			rpsInit, err := spsInitFromCtx(c)
			if err != nil {
				return err
			}
			sc := avalanche.NewSharedCounter()
			type initT = avalanche.Init[sps.Init]
			type msgT = avalanche.Msg[sps.Msg]
			type metT = avalanche.Metrics[sps.Metrics]
			sim := simnet.New[initT, msgT, metT](
				scenario.Nodes, scenario.Seed,
				func() simnet.App[initT, msgT, metT] {
					return avalanche.New[sps.Init, sps.Msg, sps.Metrics, *sps.SPS](sps.New)
				},
				initT{Args: args, RPSArgs: rpsInit, SharedCounter: sc},
			)
			return runAvalancheSimulation(c.Context, scenario, sim, sc, os.Stdout, logFor(c))
		},
	}
}

func logFor(c *cli.Context) zerolog.Logger {
	logger := obs.NewLogger(obs.LoggingConfig{Level: c.String("log-level"), Format: c.String("log-format")})
	return logger.With().Str("run_id", obs.NewRunID()).Logger()
}

// samplesSource is satisfied by any rps.RPS-implementing node; the
// -R/--random-samples mode reads directly off the last node, bypassing
// Metrics entirely.
type samplesSource interface {
	GetSamples() []simnet.PeerRef
}

// runSimulation drives a plain (non-Avalanche) protocol's simulator for
// scenario.Time steps, printing either a tab-separated metrics table or, in
// -R/--random-samples mode, one sample id per line from the last node.
func runSimulation[InitT any, MsgT any, MetT simnet.Metrics[MetT]](
	ctx context.Context,
	scenario *config.Scenario,
	sim *simnet.Simulator[InitT, MsgT, MetT],
	out io.Writer,
	logger zerolog.Logger,
) error {
	logger.Info().Int("nodes", sim.NumNodes()).Uint64("time", scenario.Time).Uint64("seed", scenario.Seed).Msg("simulator constructed")

	var promMetrics *obs.Metrics
	if scenario.MetricsAddr != "" {
		promMetrics = obs.NewMetrics()
		go func() {
			if err := promMetrics.Serve(ctx, scenario.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if scenario.RandomSamples != nil {
		return runRandomSamples(scenario, sim, out)
	}
	return runMetricsTable(scenario, sim, out, logger, promMetrics)
}

// runRandomSamples emits one peer id per line from the last node's sample
// buffer, no header. Each iteration steps the simulator first and only then
// checks the (0-indexed) loop counter against the first output round, so
// samples are never emitted for the just-initialized node before any step
// has run.
func runRandomSamples[InitT any, MsgT any, MetT simnet.Metrics[MetT]](
	scenario *config.Scenario,
	sim *simnet.Simulator[InitT, MsgT, MetT],
	out io.Writer,
) error {
	lastIdx := sim.NumNodes() - 1
	node, ok := sim.Node(lastIdx).(samplesSource)
	if !ok {
		return fmt.Errorf("bsim: protocol does not implement the RPS contract needed for --random-samples")
	}
	start := *scenario.RandomSamples
	for step := uint64(0); step < scenario.Time; step++ {
		if err := sim.Step(); err != nil {
			return err
		}
		if step >= start {
			for _, p := range node.GetSamples() {
				fmt.Fprintf(out, "%d\n", p)
			}
		}
	}
	return nil
}

func runMetricsTable[InitT any, MsgT any, MetT simnet.Metrics[MetT]](
	scenario *config.Scenario,
	sim *simnet.Simulator[InitT, MsgT, MetT],
	out io.Writer,
	logger zerolog.Logger,
	promMetrics *obs.Metrics,
) error {
	var headers []string
	{
		var zero MetT
		headers = zero.Empty().Headers()
	}
	simnet.PrintHeader(out, headers)

	for step := uint64(0); step <= scenario.Time; step++ {
		if step > 0 {
			if err := sim.Step(); err != nil {
				logger.Error().Err(err).Uint64("step", step).Msg("simulator invariant violation")
				if promMetrics != nil {
					promMetrics.InvariantErrorsTotal.Inc()
				}
				return err
			}
		}
		logger.Debug().Uint64("step", step).Int("pending", sim.PendingCount()).Msg("step boundary")
		if promMetrics != nil {
			if step > 0 {
				promMetrics.StepsCompletedTotal.Inc()
			}
			promMetrics.PendingMessages.Set(float64(sim.PendingCount()))
		}
		m := sim.CollectMetrics()
		simnet.PrintMetricsRow(out, step, m.Values())
	}
	return nil
}

// runAvalancheSimulation is runSimulation's counterpart for Avalanche
// instantiations: it additionally updates the shared (nFalse, nTrue)
// counter once per step, after metrics reduction and before the row is
// printed.
func runAvalancheSimulation[RInit any, RMsg any, RMet simnet.Metrics[RMet]](
	ctx context.Context,
	scenario *config.Scenario,
	sim *simnet.Simulator[avalanche.Init[RInit], avalanche.Msg[RMsg], avalanche.Metrics[RMet]],
	sc *avalanche.SharedCounter,
	out io.Writer,
	logger zerolog.Logger,
) error {
	logger.Info().Int("nodes", sim.NumNodes()).Uint64("time", scenario.Time).Uint64("seed", scenario.Seed).Msg("simulator constructed")

	var promMetrics *obs.Metrics
	if scenario.MetricsAddr != "" {
		promMetrics = obs.NewMetrics()
		go func() {
			if err := promMetrics.Serve(ctx, scenario.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if scenario.RandomSamples != nil {
		return runRandomSamples(scenario, sim, out)
	}

	var headers []string
	{
		var zero avalanche.Metrics[RMet]
		headers = zero.Empty().Headers()
	}
	simnet.PrintHeader(out, headers)

	for step := uint64(0); step <= scenario.Time; step++ {
		if step > 0 {
			if err := sim.Step(); err != nil {
				logger.Error().Err(err).Uint64("step", step).Msg("simulator invariant violation")
				if promMetrics != nil {
					promMetrics.InvariantErrorsTotal.Inc()
				}
				return err
			}
		}
		m := sim.CollectMetrics()
		avalanche.UpdateSharedCounter(m, sc)
		logger.Debug().Uint64("step", step).Int("pending", sim.PendingCount()).Int("decided", m.NDecidedTrue+m.NDecidedFalse).Msg("step boundary")
		if promMetrics != nil {
			if step > 0 {
				promMetrics.StepsCompletedTotal.Inc()
			}
			promMetrics.PendingMessages.Set(float64(sim.PendingCount()))
			promMetrics.NodesDecidedTotal.Set(float64(m.NDecidedTrue + m.NDecidedFalse))
		}
		simnet.PrintMetricsRow(out, step, m.Values())
	}
	return nil
}
