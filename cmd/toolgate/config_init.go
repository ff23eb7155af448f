package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quailyquaily/toolgate/internal/clifmt"
	"github.com/quailyquaily/toolgate/internal/pathutil"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Ledger struct {
		Backend string `yaml:"backend"`
		DSN     string `yaml:"dsn,omitempty"`
		Redis   struct {
			Addr     string `yaml:"addr,omitempty"`
			Password string `yaml:"password,omitempty"`
			DB       int    `yaml:"db,omitempty"`
			Prefix   string `yaml:"prefix,omitempty"`
		} `yaml:"redis,omitempty"`
	} `yaml:"ledger"`
	Confirm struct {
		PendingTTL    string `yaml:"pending_ttl"`
		ConsumeWindow string `yaml:"consume_window"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"confirm"`
	Audit struct {
		JSONLPath      string `yaml:"jsonl_path,omitempty"`
		RotateMaxBytes int64  `yaml:"rotate_max_bytes,omitempty"`
	} `yaml:"audit"`
	Server struct {
		Addr         string  `yaml:"addr"`
		ConfirmRate  float64 `yaml:"confirm_rate"`
		ConfirmBurst int     `yaml:"confirm_burst"`
	} `yaml:"server"`
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := strings.TrimSpace(cfgFile)
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path = filepath.Join(home, ".toolgate", "config.yaml")
		}
		path = pathutil.ExpandHomePath(path)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := pathutil.EnsureParentDir(path); err != nil {
			return err
		}

		var cfg fileConfig
		cfg.Ledger.Backend = "sqlite"
		cfg.Confirm.PendingTTL = "5m"
		cfg.Confirm.ConsumeWindow = "60s"
		cfg.Confirm.SweepInterval = "1m"
		cfg.Audit.JSONLPath = "~/.toolgate/confirm_audit.jsonl"
		cfg.Server.Addr = ":8787"
		cfg.Server.ConfirmRate = 5
		cfg.Server.ConfirmBurst = 10

		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, b, 0o600); err != nil {
			return err
		}
		fmt.Println(clifmt.Success("wrote " + path))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the toolgate config file",
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
