package main

import (
	"fmt"
	"io"

	"github.com/23skdu/longbow-guidance/internal/guidance"
	"github.com/23skdu/longbow-guidance/internal/schedule"
	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print a sampling schedule and the CFG++ scale at each step",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		opts := scheduleOptions{}
		opts.kind, _ = f.GetString("kind")
		opts.steps, _ = f.GetInt("steps")
		opts.sigmaMin, _ = f.GetFloat64("sigma-min")
		opts.sigmaMax, _ = f.GetFloat64("sigma-max")
		opts.rho, _ = f.GetFloat64("rho")
		opts.shift, _ = f.GetFloat64("shift")
		opts.sigmas, _ = f.GetString("sigmas")
		if f.Changed("at") {
			at, _ := f.GetFloat64("at")
			opts.at = &at
		}
		left, _ := f.GetBool("left")
		if left {
			opts.bias = guidance.BiasLeft
		}
		return runSchedule(opts, cmd.OutOrStdout())
	},
}

func init() {
	scheduleCmd.Flags().String("kind", "karras", "Schedule kind (karras, flow, linear)")
	scheduleCmd.Flags().Int("steps", 20, "Number of sampling steps")
	scheduleCmd.Flags().Float64("sigma-min", 0.0292, "Smallest non-zero noise level")
	scheduleCmd.Flags().Float64("sigma-max", 14.6146, "Largest noise level")
	scheduleCmd.Flags().Float64("rho", 7, "Karras rho")
	scheduleCmd.Flags().Float64("shift", 1.15, "Flow time shift mu")
	scheduleCmd.Flags().String("sigmas", "", "Explicit comma separated schedule, overrides --kind")
	scheduleCmd.Flags().Float64("at", 0, "Only report the bracket containing this noise level")
	scheduleCmd.Flags().Bool("left", false, "Bracket exact hits by their predecessor")
	rootCmd.AddCommand(scheduleCmd)
}

type scheduleOptions struct {
	kind     string
	steps    int
	sigmaMin float64
	sigmaMax float64
	rho      float64
	shift    float64
	sigmas   string
	at       *float64
	bias     guidance.Bias
}

func buildSchedule(opts scheduleOptions) (schedule.Schedule, guidance.Regime, error) {
	if opts.sigmas != "" {
		s, err := schedule.Parse(opts.sigmas)
		if err != nil {
			return nil, 0, err
		}
		regime := guidance.RegimeVE
		if opts.kind == "flow" {
			regime = guidance.RegimeRF
		}
		return s, regime, s.Validate()
	}
	switch opts.kind {
	case "karras":
		s, err := schedule.Karras(opts.steps, opts.sigmaMin, opts.sigmaMax, opts.rho)
		return s, guidance.RegimeVE, err
	case "flow":
		s, err := schedule.FlowShift(opts.steps, opts.shift)
		return s, guidance.RegimeRF, err
	case "linear":
		s, err := schedule.Linear(opts.steps, opts.sigmaMax, opts.sigmaMin)
		return s, guidance.RegimeVE, err
	default:
		return nil, 0, fmt.Errorf("unknown schedule kind %q (want karras, flow or linear)", opts.kind)
	}
}

func runSchedule(opts scheduleOptions, out io.Writer) error {
	s, regime, err := buildSchedule(opts)
	if err != nil {
		return err
	}

	if opts.at != nil {
		sigma := float32(*opts.at)
		curr, next, err := s.Bracket(sigma)
		if opts.bias == guidance.BiasLeft {
			curr, next, err = s.BracketLeft(sigma)
		}
		if err != nil {
			return err
		}
		scale, err := guidance.RatioScale(float64(curr), float64(next), regime)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sigma %g -> bracket (%g, %g) %s scale %.6g\n", sigma, curr, next, regime, scale)
		return nil
	}

	fmt.Fprintf(out, "%s\n", s)
	for i := 0; i+1 < len(s); i++ {
		scale, err := guidance.RatioScale(float64(s[i]), float64(s[i+1]), regime)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%3d  sigma %-10.6g next %-10.6g %s scale %.6g\n", i, s[i], s[i+1], regime, scale)
	}
	return nil
}
