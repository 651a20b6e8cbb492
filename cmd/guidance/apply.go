package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-guidance/internal/arrowio"
	"github.com/23skdu/longbow-guidance/internal/config"
	"github.com/23skdu/longbow-guidance/internal/flight"
	"github.com/23skdu/longbow-guidance/internal/guidance"
	"github.com/23skdu/longbow-guidance/internal/logger"
	"github.com/23skdu/longbow-guidance/internal/patcher"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply <step.arrow>",
	Short: "Apply a guidance policy to a recorded sampler step",
	Long: `Reads a sampler step (cond, uncond, input, sigma and the sample schedule)
from an Arrow IPC stream, runs it through the configured policy and reports the
effective guidance weight. The guided output is written with --out.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		var observers []guidance.Observer
		if hm := startMonitor(cfg.MetricsAddr); hm != nil {
			observers = append(observers, hm)
		}

		var pub flight.Publisher
		if cfg.FlightAddr != "" {
			pub = flight.NewTraceClient(cfg.FlightAddr, cfg.FlightPath)
			if err := pub.Connect(cmd.Context()); err != nil {
				return err
			}
			defer pub.Close()
			observers = append(observers, pub)
		}
		return runApply(cmd.Context(), cfg, args[0], out, pub, observers, cmd.OutOrStdout())
	},
}

func init() {
	applyCmd.Flags().String("policy", config.PolicyPowerLaw, "Guidance policy (cfgpp, powerlaw)")
	applyCmd.Flags().Float64("alpha", guidance.DefaultAlpha, "Power-law exponent")
	applyCmd.Flags().String("space", "score", "Power-law parameterization space (score, x0, eps, v, flow)")
	applyCmd.Flags().String("bias", "right", "CFG++ bracket bias for exact schedule hits (right, left)")
	applyCmd.Flags().String("sampling", "", "Model sampling type, overrides the recorded one (eps, v_prediction, x0, edm, flow)")
	applyCmd.Flags().Bool("print-debug", false, "Print sigma, scale and effective CFG for the step")
	applyCmd.Flags().String("out", "", "Write the guided output as an Arrow IPC stream")
	applyCmd.Flags().String("flight", "", "Arrow Flight address to publish the step trace to")
	applyCmd.Flags().String("flight-path", "guidance_traces", "Flight descriptor path for published traces")
	rootCmd.AddCommand(applyCmd)
}

// lastResult keeps the most recent observed step and forwards every event
// to next.
type lastResult struct {
	policy string
	res    *guidance.Result
	next   []guidance.Observer
}

func (l *lastResult) Observe(policy string, res *guidance.Result) {
	l.policy, l.res = policy, res
	for _, o := range l.next {
		o.Observe(policy, res)
	}
}

func (l *lastResult) ObserveError(policy string, err error) {
	for _, o := range l.next {
		if eo, ok := o.(guidance.ErrorObserver); ok {
			eo.ObserveError(policy, err)
		}
	}
}

// runApply guides the step stored at in. Observers see the step; pub, when
// set, is flushed afterwards.
func runApply(ctx context.Context, cfg config.Config, in, out string, pub flight.Publisher, observers []guidance.Observer, stdout io.Writer) error {
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("failed to open step: %w", err)
	}
	defer f.Close()
	step, err := arrowio.ReadStep(f)
	if err != nil {
		return err
	}

	if cfg.Sampling == "" {
		cfg.Sampling = step.Sampling
	}
	sampling, err := cfg.SamplingType()
	if err != nil {
		return err
	}
	policy, err := cfg.BuildPolicy()
	if err != nil {
		return err
	}

	seen := &lastResult{next: observers}
	model := guidance.Apply(patcher.New(in, sampling), policy, guidance.CallbackOptions{
		PrintDebug: cfg.PrintDebug,
		Observer:   seen,
	}).(*patcher.ModelPatcher)

	if _, err := model.Denoise(step.Args); err != nil {
		return fmt.Errorf("guidance failed: %w", err)
	}
	if seen.res == nil {
		fmt.Fprintf(stdout, "policy %s skipped at cond_scale %g (cfg1 optimization)\n", policy.Name(), step.Args.CondScale)
		return nil
	}

	fmt.Fprintf(stdout, "policy %s regime %s cond_scale %g\n", policy.Name(), sampling.Regime(), step.Args.CondScale)
	for b := range seen.res.Phi {
		fmt.Fprintf(stdout, "  [%d] sigma %.6g scale %.6g effective_cfg %.6g\n", b, seen.res.Sigma[b], seen.res.Scale[b], seen.res.Phi[b])
	}

	if out != "" {
		w, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		if err := arrowio.WriteResult(w, seen.policy, seen.res); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		logger.Log.Info("wrote guided output", "path", out)
	}
	if pub != nil {
		if err := pub.Publish(ctx); err != nil {
			return err
		}
	}
	return nil
}
