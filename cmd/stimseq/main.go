// Command stimseq runs BCI stimulation sessions: serial lights, the
// stimulus screen, audio cues and response buttons, with synchronized
// event markers.
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/Zyko0/go-sdl3/bin/binimg"
	"github.com/Zyko0/go-sdl3/bin/binsdl"
	"github.com/Zyko0/go-sdl3/bin/binttf"
	"github.com/spf13/cobra"

	"go-stimulus/config"
	"go-stimulus/session"
)

func init() {
	// SDL windows and their events belong to the main thread.
	runtime.LockOSThread()
}

var (
	configPath string
	plain      bool
)

func main() {
	os.Exit(run())
}

func run() int {
	defer binsdl.Load().Unload()
	defer binimg.Load().Unload()
	defer binttf.Load().Unload()

	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, session.ErrAborted) {
			return 2
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "stimseq",
		Short:        "Stimulus sequencing for BCI recordings",
		SilenceUsage: true,
	}
	defaultPath, err := config.ConfigPath()
	if err != nil {
		defaultPath = "config.toml"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultPath, "config file")
	rootCmd.PersistentFlags().BoolVar(&plain, "plain", false, "line prompts instead of the console")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newFamiliarizeCmd())
	rootCmd.AddCommand(newSetupCmd())
	rootCmd.AddCommand(newRestingCmd())
	rootCmd.AddCommand(newOrdersCmd())
	rootCmd.AddCommand(newPortsCmd())
	rootCmd.AddCommand(newScreenTestCmd())
	rootCmd.AddCommand(newQCCmd())
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

func loadConfig() (*config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, "", err
	}
	return cfg, dir, nil
}
