package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zboralski/hlego/internal/config"
	glog "github.com/zboralski/hlego/internal/log"
	"github.com/zboralski/hlego/internal/stubs"
	_ "github.com/zboralski/hlego/internal/stubs/all"
)

var (
	configPath string
	verbose    bool
)

// exitStatus carries the guest's exit status out of Execute.
type exitStatus int

func (s exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(s)) }

func main() {
	rootCmd := &cobra.Command{
		Use:   "hlego",
		Short: "Run iPhone OS ARM binaries against Go host frameworks",
		Long: `hlego runs unmodified 32-bit ARM iPhone OS executables by emulating the
guest CPU and answering every imported library call with a Go host function.

Examples:
  hlego run Hello                 # run, guest output on stdout
  hlego run Hello -t              # also trace host calls to stderr
  hlego run Hello -d -n 2000      # instruction trace with disassembly
  hlego info Hello                # segments and imports
  hlego exports --category objc   # host symbols the guest can link against`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")

	rootCmd.AddCommand(newRunCmd(), newInfoCmd(), newExportsCmd())

	if err := rootCmd.Execute(); err != nil {
		var status exitStatus
		if errors.As(err, &status) {
			os.Exit(int(status))
		}
		fmt.Fprintln(os.Stderr, "hlego:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and initializes logging.
func setup() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if verbose {
		cfg.Debug = true
	}
	glog.Init(cfg.Debug)
	stubs.Debug = verbose
	return cfg, nil
}
