package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"plexalign/internal/grpcserver"
	"plexalign/internal/server"
	"plexalign/internal/tasks"
)

type serveOptions struct {
	addr           string
	grpcAddr       string
	watch          []string
	expectedCycles int
	settle         time.Duration
}

// statusPollInterval is how often submit --wait asks for the job status.
var statusPollInterval = 500 * time.Millisecond

// defaultServe runs the HTTP API and, when grpcAddr is set, the gRPC job
// service until ctx ends or either listener fails.
func defaultServe(ctx context.Context, root *Root, opts serveOptions) error {
	if root.store == nil {
		return errors.New("serve requires the job store")
	}

	var watcher *tasks.Watcher
	if len(opts.watch) > 0 {
		w, err := tasks.NewWatcher(opts.watch, root.cfg.Alignment.FilenamePattern, root.cfg.Alignment.Channel, opts.expectedCycles, opts.settle, root.log)
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		watcher = w
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	running := 1
	go func() {
		errCh <- server.NewServer(opts.addr, root.store, root.pipeline, watcher, root.log).Start(ctx)
	}()
	if opts.grpcAddr != "" {
		running++
		go func() {
			errCh <- grpcserver.New(root.pipeline, root.store, root.log).Start(ctx, opts.grpcAddr)
		}()
	}

	var errs []error
	for ; running > 0; running-- {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
			cancel()
		}
	}
	return errors.Join(errs...)
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC job services",
		Long: `Serve the job API over HTTP (with SSE and websocket result streams) and gRPC.
With --watch, sites that receive all expected cycles are registered
automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.watch) > 0 && opts.expectedCycles < 1 {
				return errors.New("--expected-cycles must be at least 1 when watching")
			}
			return root.serveFn(cmd.Context(), root, opts)
		},
	}

	s := root.cfg.Server
	cmd.Flags().StringVar(&opts.addr, "addr", s.HTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", s.GRPCAddr, "gRPC listen address (empty disables gRPC)")
	cmd.Flags().StringSliceVar(&opts.watch, "watch", s.WatchPaths, "directories to watch for new acquisitions")
	cmd.Flags().IntVar(&opts.expectedCycles, "expected-cycles", s.ExpectedCycles, "cycles a watched site needs before registration")
	cmd.Flags().DurationVar(&opts.settle, "settle", time.Duration(s.SettleSeconds)*time.Second, "quiet period before a watched site is registered")
	return cmd
}

// dialAddr turns a listen address like ":9090" into something dialable.
func dialAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// parseOptions reads key=value pairs. Values are typed as int, float, bool
// or, when they contain a comma, a list of strings.
func parseOptions(pairs []string) (map[string]any, error) {
	opts := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("option %q is not key=value", pair)
		}
		opts[key] = parseValue(value)
	}
	return opts, nil
}

func parseValue(v string) any {
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if strings.Contains(v, ",") {
		parts := strings.Split(v, ",")
		list := make([]any, len(parts))
		for i, p := range parts {
			list[i] = strings.TrimSpace(p)
		}
		return list
	}
	return v
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		addr    string
		input   string
		output  string
		options []string
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "submit <scan|register|aggregate|apply|separate>",
		Short: "Queue a job on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			client, err := root.dialFn(dialAddr(addr))
			if err != nil {
				return fmt.Errorf("connect to %s: %w", addr, err)
			}
			defer client.Close()

			ctx := cmd.Context()
			id, err := client.Submit(ctx, args[0], input, output, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			if !wait {
				return nil
			}

			ticker := time.NewTicker(statusPollInterval)
			defer ticker.Stop()
			for {
				st, err := client.Status(ctx, id)
				if err != nil {
					return err
				}
				job, _ := st["job"].(map[string]any)
				switch job["status"] {
				case "completed":
					meta, _ := st["meta"].(map[string]any)
					printMeta(cmd.OutOrStdout(), meta)
					return nil
				case "failed":
					return fmt.Errorf("job %s failed: %v", id, job["error"])
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "server", root.cfg.Server.GRPCAddr, "gRPC address of the server")
	cmd.Flags().StringVarP(&input, "input", "i", "", "job input path")
	cmd.Flags().StringVarP(&output, "output", "o", "", "job output path")
	cmd.Flags().StringArrayVar(&options, "opt", nil, "job option as key=value (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish and print its result")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		addr  string
		plate string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print finished jobs of a running server as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.dialFn(dialAddr(addr))
			if err != nil {
				return fmt.Errorf("connect to %s: %w", addr, err)
			}
			defer client.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = client.Watch(cmd.Context(), func(ev map[string]any) error {
				if plate != "" && ev["plate"] != plate {
					return nil
				}
				return enc.Encode(ev)
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "server", root.cfg.Server.GRPCAddr, "gRPC address of the server")
	cmd.Flags().StringVar(&plate, "plate", "", "only show jobs of this plate")
	return cmd
}
