package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wfunc/candy-vending/internal/vending"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// options 全局参数
type options struct {
	server  string
	wsPath  string
	timeout time.Duration
	json    bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "vendctl",
		Short:         "糖果售货机命令行工具",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.server, "server", "s", envOr("VENDCTL_SERVER", "http://localhost:8000"), "服务地址")
	flags.StringVar(&opts.wsPath, "ws-path", "/ws", "WebSocket路径")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "请求超时")
	flags.BoolVar(&opts.json, "json", false, "以JSON输出")

	root.AddCommand(
		newStateCmd(opts),
		newDispenseCmd(opts),
		newDepositCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func (o *options) client() *client {
	return newClient(o.server, o.wsPath, o.timeout)
}

func newStateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "查看积分与货道",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := opts.client().State(cmd.Context())
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), state, opts.json)
		},
	}
}

func newDispenseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dispense <slot>",
		Short: "从指定货道出货",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slotID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid slot %q", args[0])
			}
			remaining, err := opts.client().Dispense(cmd.Context(), slotID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dispensed slot %d, %d credits left\n", slotID, remaining)
			return nil
		},
	}
}

func newDepositCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit",
		Short: "模拟投入一个信封",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			credits, err := opts.client().Deposit(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credits: %d\n", credits)
			return nil
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "持续输出状态推送",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var printErr error
			err := opts.client().Watch(cmd.Context(), count, func(state vending.State) {
				if printErr == nil {
					printErr = printState(out, state, opts.json)
				}
			})
			if err != nil {
				return err
			}
			return printErr
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "收到N条快照后退出，0表示一直运行")
	return cmd
}

func printState(w io.Writer, state vending.State, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(state)
	}
	fmt.Fprintf(w, "%s\n", state)
	for _, slot := range state.Slots {
		fmt.Fprintf(w, "  [%d] %-20s ch=%d spin=%dms\n", slot.ID, slot.Name, slot.Channel, slot.SpinMs)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
