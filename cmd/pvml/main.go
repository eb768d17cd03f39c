// Command pvml runs a processing job described by a PVML job configuration
// file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imagvfx/pvml"
	_ "github.com/imagvfx/pvml/eegs"
	_ "github.com/imagvfx/pvml/local"
	"github.com/imagvfx/pvml/log"
	_ "github.com/imagvfx/pvml/mmfi"
)

const copyright = "Copyright (C) 2009-2024 S[&]T, The Netherlands."

func main() {
	var (
		showVersion  bool
		jobOrderOnly bool
		debug        bool
	)
	cmd := &cobra.Command{
		Use:   "pvml [flags] [<PVML global config file>] <PVML job config file>",
		Short: "run the job described in the PVML job config file",
		Long: "Run the job as described in the PVML job config file. The PVML global config file " +
			"reference is optional. However, if you do not provide it you will have to set the " +
			"PVML_CONFIG environment variable. If you supply both, the one provided as parameter " +
			"takes precedence.",
		Args:          cobra.RangeArgs(0, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("Processor Verification Management Layer (PVML) v%s\n", pvml.Version)
				fmt.Println(copyright)
				fmt.Println()
				return nil
			}
			var globalConfig, jobConfig string
			switch len(args) {
			case 2:
				globalConfig, jobConfig = args[0], args[1]
			case 1:
				globalConfig, jobConfig = os.Getenv("PVML_CONFIG"), args[0]
				if globalConfig == "" {
					return pvml.Errorf("no PVML configuration file specified")
				}
			default:
				return pvml.Errorf("no PVML job configuration file specified")
			}
			return run(globalConfig, jobConfig, jobOrderOnly, debug)
		},
	}
	cmd.Flags().BoolVar(&showVersion, "version", false, "output version information and exit")
	cmd.Flags().BoolVar(&jobOrderOnly, "joborder", false, "only generate the joborder and print this to stdout")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	if err := cmd.Execute(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(globalConfig, jobConfig string, jobOrderOnly, debug bool) error {
	cfg := pvml.NewConfig()
	if err := cfg.ReadGlobalConfig(globalConfig); err != nil {
		return err
	}
	if err := cfg.ReadJobConfig(jobConfig); err != nil {
		return err
	}
	if debug {
		log.SetLevel("DEBUG")
	} else {
		log.SetLevel(cfg.LogLevel)
	}
	job, err := pvml.NewJob(cfg)
	if err != nil {
		return err
	}
	if jobOrderOnly {
		content, err := job.JobOrder()
		if err != nil {
			return err
		}
		fmt.Print(string(content))
		return nil
	}
	_, err = job.Run()
	return err
}
