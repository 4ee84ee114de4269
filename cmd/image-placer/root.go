package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/jgarman/image-placer/internal/config"
	"github.com/jgarman/image-placer/internal/logging"
	"github.com/jgarman/image-placer/internal/placer"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// rootOptions holds the command line flags of a placement run
type rootOptions struct {
	configPath string
	source     string
	target     string
	noClone    bool
	overwrite  bool
	logPath    string
	targetDir  string
	saveConfig string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "image-placer",
		Short: "Place packages into partitions of a disk image",
		Long: `image-placer copies a base disk image, installs zip packages into the
selected partitions, optionally enables one service unit per package and
writes the target image only if every step succeeds.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "configuration file (JSON or YAML)")
	f.StringVar(&opts.source, "source", "", "base image to copy")
	f.StringVar(&opts.target, "target", "", "image to write")
	f.BoolVar(&opts.noClone, "no-clone", false, "modify the target image in place instead of copying source")
	f.BoolVar(&opts.overwrite, "overwrite", false, "replace an existing target image")
	f.StringVar(&opts.logPath, "log-path", "", "directory for image_placer.log")
	f.StringVar(&opts.targetDir, "target-dir", "", "target directory for packages that do not set one")
	f.StringVar(&opts.saveConfig, "save-config", "", "write the resolved configuration to this file before running")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newPartitionsCmd())
	return cmd
}

// config merges the configuration file with the command line
func (o *rootOptions) config(flags *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	overrides := config.Overrides{TargetDirectory: o.targetDir}
	var err error
	if overrides.Source, err = absPath(o.source); err != nil {
		return nil, err
	}
	if overrides.Target, err = absPath(o.target); err != nil {
		return nil, err
	}
	if overrides.LogPath, err = absPath(o.logPath); err != nil {
		return nil, err
	}
	if flags.Changed("no-clone") {
		overrides.NoClone = &o.noClone
	}
	if flags.Changed("overwrite") {
		overrides.Overwrite = &o.overwrite
	}
	cfg.Apply(overrides)
	return cfg, nil
}

func (o *rootOptions) run(cmd *cobra.Command) error {
	cfg, err := o.config(cmd.Flags())
	if err != nil {
		return err
	}

	log, closer, err := logging.New(cmd.ErrOrStderr(), cfg.LogPath, o.verbose)
	if err != nil {
		return err
	}
	defer closer.Close()

	if o.saveConfig != "" {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(o.saveConfig); err != nil {
			return err
		}
		log.WithField("path", o.saveConfig).Info("Saved configuration")
	}

	return placer.Run(cmd.Context(), cfg, placer.Options{Log: log})
}

func absPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return abs, nil
}

// normalizeArgs accepts Go flag style single-dash long flags ("-config x",
// "-no-clone") by rewriting them to "--config x".
func normalizeArgs(args []string, flags *pflag.FlagSet) []string {
	out := make([]string, 0, len(args))
	for i, a := range args {
		if a == "--" {
			return append(out, args[i:]...)
		}
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && len(a) > 2 {
			name, _, _ := strings.Cut(a[1:], "=")
			if flags.Lookup(name) != nil {
				a = "-" + a
			}
		}
		out = append(out, a)
	}
	return out
}

// execute runs the command line and returns the error to report
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd()
	cmd.SetArgs(normalizeArgs(args, cmd.Flags()))
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}
