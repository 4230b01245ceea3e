// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftworks/relaymesh/config"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "relaynode",
		Short: "Run a relay mesh instance",
	}

	config.BindFlags(v, root.PersistentFlags())
	root.PersistentFlags().String("config", "", "path to a config file (json, yaml, toml)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return err
			}
		}
		return nil
	}

	root.AddCommand(newServeCmd(v))
	return root
}
