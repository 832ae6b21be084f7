// Command run drives a phaseless AFQMC simulation of a Hubbard lattice
// or an FCIDUMP Hamiltonian and stores the estimator series in the run
// directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"afqmc"
	"afqmc/estimator"
	"afqmc/hamiltonian"
)

const (
	fnameEstimates = "estimates.db"
	fnameDone      = "done.txt"
)

var (
	runDir  = flag.String("d", filepath.Join("runs", "afqmc"), "run directory")
	fcidump = flag.String("fcidump", "", "FCIDUMP integral file; overrides the lattice flags")

	nx    = flag.Int("nx", 2, "lattice size x")
	ny    = flag.Int("ny", 1, "lattice size y")
	hopT  = flag.Float64("t", 1, "hopping amplitude")
	hubU  = flag.Float64("u", 4, "on-site interaction")
	nup   = flag.Int("nup", 1, "spin-up electrons")
	ndown = flag.Int("ndown", 1, "spin-down electrons")

	dt          = flag.Float64("dt", 0.01, "imaginary-time step")
	steps       = flag.Int("steps", 2000, "propagation steps")
	walkers     = flag.Int("walkers", 50, "walkers per stream")
	streams     = flag.Int("streams", 1, "concurrent walker streams")
	bpDepth     = flag.Int("bp", 0, "back-propagation depth in steps; 0 disables")
	itcfDepth   = flag.Int("itcf", 0, "time displacements of the imaginary-time Green's function; 0 disables")
	itcfRestore = flag.Bool("itcf-restore", false, "undo the constraint factors in the time-displaced weights")
	seed        = flag.Uint64("seed", 1, "random seed")
	discard     = flag.Int("discard", 50, "equilibration snapshots discarded from the average")
)

func main() {
	flag.Parse()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := mainWithErr(log); err != nil {
		log.Fatal().Msgf("%+v", err)
	}
}

func mainWithErr(log zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(*runDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}

	sys, err := buildSystem()
	if err != nil {
		return errors.Wrap(err, "")
	}

	cfg := afqmc.DefaultConfig()
	cfg.Dt = *dt
	cfg.Steps = *steps
	cfg.WalkersPerStream = *walkers
	cfg.Streams = *streams
	cfg.BackPropDepth = *bpDepth
	cfg.ITCFDepth = *itcfDepth
	cfg.ITCFRestore = *itcfRestore
	cfg.Seed = *seed

	sim, err := afqmc.New(sys, cfg, log)
	if err != nil {
		return errors.Wrap(err, "")
	}
	store, err := estimator.OpenStore(filepath.Join(*runDir, fnameEstimates))
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer store.Close()
	sim.SetStore(store)

	log.Info().Str("run", sim.RunID).Int("sites", sys.M).
		Int("fields", len(sim.Fields())).Msg("start")
	if err := sim.Run(ctx); err != nil {
		return errors.Wrap(err, "")
	}

	fmt.Printf("%10s %12s %14s %14s %14s\n", "step", "tau", "energy", "kinetic", "potential")
	for _, s := range sim.Series.Snapshots {
		fmt.Printf("%10d %12.4f %14.8f %14.8f %14.8f\n",
			s.Step, s.Tau, s.Energy, s.Kinetic, s.Potential)
	}
	mean, stderr := sim.Series.Energy(*discard)
	fmt.Printf("ground state energy %.8f +/- %.8f\n", mean, stderr)
	if *bpDepth > 0 {
		bpMean, bpErr := sim.BPSeries.Energy(*discard)
		fmt.Printf("back-propagated energy %.8f +/- %.8f\n", bpMean, bpErr)
	}
	if *itcfDepth > 0 {
		log.Info().Int("blocks", len(sim.ITCFSeries.Blocks)).
			Msg("time-displaced Green's function stored")
	}

	donePath := filepath.Join(*runDir, fnameDone)
	if err := os.WriteFile(donePath, []byte(sim.RunID), 0644); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func buildSystem() (*hamiltonian.System, error) {
	if *fcidump != "" {
		sys, err := hamiltonian.ReadFCIDUMP(*fcidump)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		return sys, nil
	}
	sys, err := hamiltonian.NewHubbard(hamiltonian.Lattice{
		Nx: *nx, Ny: *ny, T: *hopT, U: *hubU, Nup: *nup, Ndown: *ndown,
	})
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return sys, nil
}
