package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	gosync "sync"

	"github.com/hashicorp/go-multierror"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/xid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/testground/discovery-plan/pkg/discovery"
	"github.com/testground/discovery-plan/pkg/discovery/kad"
	"github.com/testground/discovery-plan/pkg/discovery/simnet"
	"github.com/testground/discovery-plan/pkg/logging"
	"github.com/testground/discovery-plan/pkg/runtime"
	"github.com/testground/discovery-plan/pkg/scenario"
	"github.com/testground/discovery-plan/pkg/sync"
)

// defaultLocalParams apply to local runs unless overridden. Without a
// bound, a coordinator that is never observed would wait for the engine
// to shut down.
var defaultLocalParams = map[string]string{
	"observe_timeout": "30s",
}

var LocalCommand = cli.Command{
	Name:      "local",
	Usage:     "run every instance of a scenario in this process",
	ArgsUsage: "[composition.toml]",
	Action:    localCommand,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "case",
			Usage: "scenario to run; overrides the composition",
		},
		&cli.IntFlag{
			Name:  "instances",
			Usage: "number of instances; overrides the composition",
		},
		&cli.GenericFlag{
			Name:  "engine",
			Usage: "discovery engine: simnet, or kad on the loopback interface",
			Value: &EnumValue{
				Allowed: []string{EngineSimnet, EngineKad},
				Default: EngineSimnet,
			},
		},
		&cli.StringSliceFlag{
			Name:  "test-param",
			Usage: "test param passed to every instance, as key=value; can be repeated",
		},
		&cli.DurationFlag{
			Name:  "sync-timeout",
			Usage: "bound every barrier and rendezvous; overrides the composition",
		},
		&cli.PathFlag{
			Name:  "outputs",
			Usage: "directory to write the run.out of each instance to",
		},
	},
}

func localCommand(c *cli.Context) error {
	ctx, cancel := context.WithCancel(ProcessContext())
	defer cancel()

	comp := new(Composition)
	if c.Args().Present() {
		var err error
		if comp, err = LoadComposition(c.Args().First()); err != nil {
			return err
		}
	}

	if c.IsSet("case") {
		comp.Global.Case = c.String("case")
	}
	if c.IsSet("instances") {
		comp.Global.TotalInstances = c.Int("instances")
	}
	if c.IsSet("engine") {
		comp.Global.Engine = enumValue(c, "engine")
	}
	if c.IsSet("sync-timeout") {
		comp.Global.SyncTimeout = c.Duration("sync-timeout")
	}

	overrides, err := runtime.ParseKeyValues(c.StringSlice("test-param"))
	if err != nil {
		return fmt.Errorf("invalid test param: %w", err)
	}
	if err := comp.MergeParams(overrides); err != nil {
		return err
	}

	comp.ApplyDefaults()
	if err := comp.Validate(); err != nil {
		return fmt.Errorf("invalid local run: %w", err)
	}

	id, err := runLocal(ctx, comp, localOptions{outputs: c.Path("outputs"), log: logging.S()})
	if err != nil {
		return fmt.Errorf("run %s failed: %w", id, err)
	}
	logging.S().Infow("run finished", "run_id", id, "case", comp.Global.Case, "instances", comp.Global.TotalInstances)
	return nil
}

type localOptions struct {
	// outputs is the root of the per-instance output directories.
	outputs string

	// core receives the output events of every instance in place of stdout.
	core zapcore.Core

	log *zap.SugaredLogger
}

// runLocal runs all instances of a validated composition against an
// in-memory sync service and returns the run ID. The first failing instance
// cancels the others; every instance error is reported.
func runLocal(ctx context.Context, comp *Composition, opts localOptions) (string, error) {
	runID := xid.New().String()
	log := opts.log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.With("run_id", runID)

	if err := comp.DefaultParams(defaultLocalParams); err != nil {
		return runID, err
	}

	starter, err := localStarter(comp, log)
	if err != nil {
		return runID, err
	}

	svc := sync.NewMemService(log)
	defer svc.Close()

	var (
		lk   gosync.Mutex
		merr *multierror.Error
	)

	grp, gctx := errgroup.WithContext(ctx)
	for i := 0; i < comp.Global.TotalInstances; i++ {
		runenv, err := localRunEnv(runID, i, comp, opts)
		if err != nil {
			return runID, err
		}

		i := i
		grp.Go(func() error {
			client := sync.NewBoundClient(svc, runenv, sync.WithTimeout(comp.Global.SyncTimeout))
			err := runtime.Invoke(runenv, func(re *runtime.RunEnv) error {
				return scenario.Run(gctx, re, client, starter)
			})
			if err != nil {
				log.Warnw("instance failed", "instance", i, "error", err)

				lk.Lock()
				merr = multierror.Append(merr, fmt.Errorf("instance %d: %w", i, err))
				lk.Unlock()
			}
			return err
		})
	}

	_ = grp.Wait()
	return runID, merr.ErrorOrNil()
}

func localStarter(comp *Composition, log *zap.SugaredLogger) (discovery.Starter, error) {
	switch comp.Global.Engine {
	case EngineSimnet:
		return simnet.New(simnet.WithLogger(log)), nil
	case EngineKad:
		// Every instance shares the loopback interface, so ports are picked
		// by the host unless the run asks for one.
		if port, ok := comp.Global.TestParams["port"]; ok && port != "0" {
			log.Warnw("fixed port on a local kad run; only one instance can bind it", "port", port)
		}
		if err := comp.DefaultParams(map[string]string{"port": "0"}); err != nil {
			return nil, err
		}
		return &kad.Starter{
			ListenAddrs: []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/0")},
			Log:         log,
		}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", comp.Global.Engine)
	}
}

func localRunEnv(runID string, i int, comp *Composition, opts localOptions) (*runtime.RunEnv, error) {
	params := make(map[string]string, len(comp.Global.TestParams))
	for k, v := range comp.Global.TestParams {
		params[k] = v
	}

	rp := runtime.RunParams{
		TestPlan:           comp.Global.Plan,
		TestCase:           comp.Global.Case,
		TestRun:            runID,
		TestGroupID:        "single",
		TestInstanceCount:  comp.Global.TotalInstances,
		TestInstanceParams: params,
	}

	if opts.outputs != "" {
		rp.TestOutputsPath = filepath.Join(opts.outputs, runID, strconv.Itoa(i))
		if err := os.MkdirAll(rp.TestOutputsPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create outputs directory: %w", err)
		}
	}

	var ropts []runtime.Option
	if opts.core != nil {
		ropts = append(ropts, runtime.WithCore(opts.core))
	}
	return runtime.NewRunEnv(rp, ropts...), nil
}
