package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/turbit"
)

type runFlags struct {
	mode    string
	power   float64
	data    string
	args    string
	history string
	stats   bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run FUNCTION",
		Short: "Run a registered function and print its results as JSON",
		Example: `  turbit run pid --power 50
  turbit run square --type extended --data '[1,2,3,4]'
  turbit run repeat --type extended --data '["ab","cd"]' --args '[3]'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFunction(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.mode, "type", turbit.Simple, "execution mode: simple or extended")
	cmd.Flags().Float64Var(&f.power, "power", 0, "percentage of cores to use (default from TURBIT_DEFAULT_POWER)")
	cmd.Flags().StringVar(&f.data, "data", "", "JSON array of items for extended mode")
	cmd.Flags().StringVar(&f.args, "args", "", "JSON array of extra arguments for extended mode")
	cmd.Flags().StringVar(&f.history, "history", "", "record the run in this SQLite database")
	cmd.Flags().BoolVar(&f.stats, "stats", false, "print run statistics to stderr")
	return cmd
}

// options maps the flags onto run options. Power stays nil unless the flag
// was given, so the engine default applies.
func (f runFlags) options(powerSet bool) (turbit.Options, error) {
	opts := turbit.Options{Mode: f.mode}
	if powerSet {
		opts.Power = turbit.Power(f.power)
	}
	var err error
	if opts.Data, err = parseJSONArray("data", f.data); err != nil {
		return turbit.Options{}, err
	}
	if opts.Args, err = parseJSONArray("args", f.args); err != nil {
		return turbit.Options{}, err
	}
	return opts, nil
}

func runFunction(cmd *cobra.Command, fn string, f runFlags) error {
	opts, err := f.options(cmd.Flags().Changed("power"))
	if err != nil {
		return err
	}

	var engineOpts []turbit.Option
	if f.history != "" {
		engineOpts = append(engineOpts, turbit.WithHistory(f.history))
	}
	eng, err := turbit.New(engineOpts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.Run(cmd.Context(), fn, opts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if err := enc.Encode(res.Data); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	if f.stats {
		s := res.Stats
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s: %d items on %d processes in %.3fs, %s resident\n",
			res.RunID, s.DataProcessed, s.NumProcessesUsed, s.TimeTakenSeconds, s.MemoryUsed)
	}
	return nil
}

// parseJSONArray returns nil for an empty flag so extended mode can report
// missing data.
func parseJSONArray(name, raw string) ([]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON array: %w", name, err)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}
