package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubeadapt/pve-agent/internal/action"
	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/internal/observability"
	"github.com/kubeadapt/pve-agent/pkg/model"
)

var actionTimeout time.Duration

var actionCmd = &cobra.Command{
	Use:   "action <vm|container> <host> <vmid> <start|stop|shutdown|reboot|reset|suspend|resume>",
	Short: "Send a lifecycle command to a guest and print the task id",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := model.ParseGuestKind(args[0])
		if !ok {
			return fmt.Errorf("unknown guest kind %q (want vm or container)", args[0])
		}
		vmid, err := strconv.Atoi(args[2])
		if err != nil || vmid <= 0 {
			return fmt.Errorf("invalid vmid %q", args[2])
		}
		act, ok := action.Parse(args[3])
		if !ok {
			return fmt.Errorf("unknown action %q", args[3])
		}
		if !action.Supports(kind, act) {
			return &agenterrors.UnsupportedActionError{Kind: string(kind), Action: string(act)}
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()

		metrics := observability.NewMetrics()
		client := newAPIClient(&cfg, metrics, nil)
		taskID, err := action.NewDispatcher(client, metrics, nil).Invoke(ctx, kind, args[1], vmid, act)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), taskID)
		return nil
	},
}

func init() {
	actionCmd.Flags().DurationVar(&actionTimeout, "timeout", 2*time.Minute, "overall deadline for the command")
}
