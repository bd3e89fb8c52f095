// Package timewardencmd wires the daemon's command-line surface: run,
// reload, keygen, and check-config, built on cobra/pflag the way the
// teacher's own CLI layer is, with automaxprocs and automemlimit applied
// before anything else runs so GOMAXPROCS and GOMEMLIMIT match the
// container's real CPU/memory quota.
package timewardencmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap/exp/zapslog"

	timewarden "github.com/timewarden/timewardend"
	_ "github.com/timewarden/timewardend/refclock/drivers"
)

var configPath string

// Execute runs the root command, returning the process exit code.
func Execute() int {
	logger := timewarden.Log()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		fmt.Fprintf(os.Stderr, "timewardend: adjusting GOMAXPROCS: %v\n", err)
	}

	// Match the container's real memory quota (or system memory, absent
	// a cgroup limit) the same way GOMAXPROCS is matched above.
	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(logger.Core()))),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "timewardend",
		Short: "timewardend disciplines the system clock against remote and reference time sources",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/timewardend/timewardend.json", "path to the JSON configuration file")

	root.AddCommand(runCmd(), reloadCmd(), keygenCmd(), checkConfigCmd(), listModulesCmd())
	return root
}

func listModulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-modules",
		Short: "list the discipline back-ends and refclock drivers compiled into this binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, m := range timewarden.GetModules("discipline.backends") {
				fmt.Println(m)
			}
			for _, m := range timewarden.GetModules("refclock.drivers") {
				fmt.Println(m)
			}
			return nil
		},
	}
}

func loadConfig(path string) (*timewarden.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg timewarden.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return timewarden.Run(cfg)
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "stop the running daemon so a supervisor can restart it with a fresh config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return timewarden.Stop()
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "parse and validate the configuration file without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config OK: %s sources, %s pools, %s reference clocks\n",
				humanize.Comma(int64(len(cfg.Sources))),
				humanize.Comma(int64(len(cfg.Pools))),
				humanize.Comma(int64(len(cfg.RefClocks))))
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	var (
		id     uint32
		algo   string
		length int
		keyfile string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a new symmetric authentication key and append it to a keyfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(keyfile, id, algo, length)
		},
	}
	cmd.Flags().Uint32Var(&id, "id", 1, "key identifier")
	cmd.Flags().StringVar(&algo, "algo", "sha256", "MAC hash algorithm")
	cmd.Flags().IntVar(&length, "length", 20, "key length in bytes (16 or 20)")
	cmd.Flags().StringVar(&keyfile, "keyfile", "/etc/timewardend/timewardend.keys", "keyfile to append the generated key to")
	return cmd
}
