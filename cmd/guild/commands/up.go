package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/guild/internal/config"
	dockerpkg "github.com/dyluth/guild/internal/docker"
	"github.com/dyluth/guild/internal/environment"
	"github.com/dyluth/guild/internal/output"
	"github.com/dyluth/guild/internal/printer"
)

var (
	upName       string
	upConfigPath string
	downName     string
	envsJSON     bool
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start a local Redis environment for guildd",
	Long: `Start a local environment in Docker:
  • Isolated Docker network
  • Redis container, usable as guildd's store and as a guild messaging backend

The environment name is auto-generated (default-N) unless specified with --name.
The Redis image comes from services.redis.image in guild.yml.`,
	RunE: runUp,
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Remove a local environment",
	RunE:  runDown,
}

var envsCmd = &cobra.Command{
	Use:   "envs",
	Short: "List local environments",
	RunE:  runEnvs,
}

func init() {
	upCmd.Flags().StringVar(&upName, "name", "", "Environment name (auto-generated if omitted)")
	upCmd.Flags().StringVarP(&upConfigPath, "config", "c", "guild.yml", "Path to guild.yml")
	downCmd.Flags().StringVar(&downName, "name", "", "Environment name (required)")
	_ = downCmd.MarkFlagRequired("name")
	envsCmd.Flags().BoolVar(&envsJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(upCmd, downCmd, envsCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.LoadFromEnv(upConfigPath)
	if err != nil {
		return printer.Error("invalid configuration", err.Error(), []string{"Fix guild.yml and retry:\n  guild up"})
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return printer.Error("Docker is not available", err.Error(), []string{"Start the Docker daemon and retry."})
	}
	defer cli.Close()

	name := upName
	if name == "" {
		name, err = environment.GenerateDefaultName(ctx, cli)
		if err != nil {
			return fmt.Errorf("failed to generate environment name: %w", err)
		}
	}

	info, err := environment.Up(ctx, cli, environment.UpOptions{
		Name:     name,
		Image:    cfg.Services.Redis.Image,
		BasePort: cfg.Services.Redis.Port,
		Progress: func(format string, a ...any) {
			printer.Step(format+"\n", a...)
		},
	})
	if err != nil {
		return printer.ErrorWithContext(
			fmt.Sprintf("failed to start environment '%s'", name),
			err.Error(),
			map[string]string{"Image": cfg.Services.Redis.Image},
			[]string{"List existing environments:\n  guild envs", fmt.Sprintf("Remove a stale one:\n  guild down --name %s", name)},
		)
	}

	printer.Success("Environment '%s' started\n\n", info.Name)
	printer.Info("Run the daemon against it:\n  %s=%s guildd\n\n", config.EnvRedisURL, info.RedisURL)
	printer.Info("Use it as a guild messaging backend:\n  messaging:\n    backend: redis\n    config:\n      url: %s\n", info.RedisURL)
	return nil
}

func runDown(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return printer.Error("Docker is not available", err.Error(), []string{"Start the Docker daemon and retry."})
	}
	defer cli.Close()

	if err := environment.Down(ctx, cli, downName, func(format string, a ...any) {
		printer.Step(format+"\n", a...)
	}); err != nil {
		return printer.Error(
			fmt.Sprintf("failed to remove environment '%s'", downName),
			err.Error(),
			[]string{"List environments:\n  guild envs"},
		)
	}

	printer.Success("Environment '%s' removed\n", downName)
	return nil
}

func runEnvs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return printer.Error("Docker is not available", err.Error(), []string{"Start the Docker daemon and retry."})
	}
	defer cli.Close()

	infos, err := environment.List(ctx, cli)
	if err != nil {
		return err
	}
	if envsJSON {
		return output.SingleJSON(os.Stdout, infos)
	}
	return output.EnvironmentTable(os.Stdout, infos)
}
