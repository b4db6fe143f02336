package main

import (
	"fmt"
	"strings"

	"github.com/diskfs/go-ext4alloc"
	"github.com/diskfs/go-ext4alloc/filesystem/ext4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "EXT4ALLOC"

// app holds what every subcommand shares: its configuration and logger
type app struct {
	v   *viper.Viper
	log *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), log: logrus.New()}

	rootCmd := &cobra.Command{
		Use:   "ext4alloc",
		Short: "Allocate blocks and inodes on ext4 images",
		Long: `ext4alloc formats ext4 images and exercises the block group, block allocator,
inode and block mapping layers directly: allocate and free inodes, append and
truncate blocks, inspect and snapshot block maps, and verify free space counters.

Settings can come from flags, from EXT4ALLOC_* environment variables, or from a
config file given with --config.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.configure(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("log-level", "warn", "log level: trace, debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	_ = a.v.BindPFlag("log-level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("log-format", flags.Lookup("log-format"))

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	a.v.AutomaticEnv()

	rootCmd.AddCommand(
		a.mkfsCmd(),
		a.statCmd(),
		a.checkCmd(),
		a.bmapCmd(),
		a.appendCmd(),
		a.truncateCmd(),
		a.allocInodeCmd(),
		a.freeInodeCmd(),
		a.exportMapCmd(),
		a.restoreMapCmd(),
		a.usageMapCmd(),
	)
	return rootCmd
}

func (a *app) configure(cmd *cobra.Command) error {
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		a.v.SetConfigFile(cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("could not read config file %s: %w", cfgFile, err)
		}
	}
	level, err := logrus.ParseLevel(a.v.GetString("log-level"))
	if err != nil {
		return err
	}
	a.log.SetLevel(level)
	a.log.SetOutput(cmd.ErrOrStderr())
	switch format := a.v.GetString("log-format"); format {
	case "json":
		a.log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		a.log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// withFilesystem mounts the image, runs fn and unmounts again, read-only unless write is set
func (a *app) withFilesystem(image string, write bool, fn func(fs *ext4.FileSystem) error) (err error) {
	mode := diskfs.ReadOnly
	if write {
		mode = diskfs.ReadWriteExclusive
	}
	d, err := diskfs.Open(image, diskfs.WithOpenMode(mode), diskfs.WithLogger(a.log))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); err == nil {
			err = cerr
		}
	}()
	fs, err := d.GetFilesystem()
	if err != nil {
		return err
	}
	if err := fn(fs); err != nil {
		_ = fs.Close()
		return err
	}
	return fs.Close()
}

// withInode additionally pins inode number for the duration of fn
func (a *app) withInode(image string, number uint32, write bool, fn func(fs *ext4.FileSystem, ref *ext4.InodeRef) error) error {
	return a.withFilesystem(image, write, func(fs *ext4.FileSystem) error {
		ref, err := fs.AcquireInode(number)
		if err != nil {
			return err
		}
		if err := fn(fs, ref); err != nil {
			_ = ref.Release()
			return err
		}
		return ref.Release()
	})
}
