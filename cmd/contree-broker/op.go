package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/operation"
	"github.com/contree/broker/internal/schema"
)

var opCmd = &cobra.Command{
	Use:     "op",
	GroupID: "ops",
	Short:   "Submit, poll, wait for and cancel operations",
}

var opSubmitCmd = &cobra.Command{
	Use:   "submit [flags] -- command [args...]",
	Short: "Submit a command without waiting for it",
	Long: `Submit a command to run in an image and print the operation id.

The command starts remotely and this returns immediately unless --wait is
given. Mount a synced tree with --state.

Examples:
  contree-broker op submit --image golang:1.24 --state $STATE -- go test ./...
  contree-broker op submit --image alpine --shell -- 'echo $HOME > out'
  contree-broker op submit --image base --disposable --wait -- make lint`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := commandSpec(cmd, args)
		if err != nil {
			return err
		}
		return submit(cmd, schema.NewCommandRequest(spec))
	},
}

var opImportCmd = &cobra.Command{
	Use:   "import <registry-url>",
	Short: "Import an image from an OCI registry",
	Long: `Submit an image import and print the operation id.

Registry credentials are passed through to the service and never logged or
cached. The password is read from --password-stdin or the
CONTREE_REGISTRY_PASSWORD environment variable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, _ := cmd.Flags().GetString("tag")
		username, _ := cmd.Flags().GetString("username")
		fromStdin, _ := cmd.Flags().GetBool("password-stdin")

		spec := schema.ImportSpec{RegistryURL: args[0], Tag: tag, Username: username}
		if username != "" {
			spec.Password = os.Getenv("CONTREE_REGISTRY_PASSWORD")
			if fromStdin {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
				spec.Password = strings.TrimRight(string(data), "\r\n")
			}
		}
		return submit(cmd, schema.NewImportRequest(spec))
	},
}

var opPollCmd = &cobra.Command{
	Use:   "poll <id>...",
	Short: "Print the current state of operations",
	Long: `Print the current state of each operation.

Finished operations are answered from the local result cache without
contacting the backend.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		b, err := openBroker(ctx)
		if err != nil {
			return err
		}
		defer closeBroker(ctx, b)

		ops := make([]schema.Operation, 0, len(args))
		for _, id := range args {
			op, err := b.Tracker.Poll(ctx, id)
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
		if jsonOutput {
			return printJSON(ops)
		}
		for _, op := range ops {
			out.Operation(op)
		}
		return nil
	},
}

var opWaitCmd = &cobra.Command{
	Use:   "wait <id>...",
	Short: "Wait for operations to finish",
	Long: `Block until all (or, with --mode any, the first) of the operations finish.

Every operation is polled by a single shared poller with backoff. When the
timeout passes the still-pending operations are listed and the command
exits with status 2; the operations keep running remotely.

Examples:
  contree-broker op wait $A $B $C
  contree-broker op wait --mode any --timeout 30s $A $B`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modeStr, _ := cmd.Flags().GetString("mode")
		mode, err := operation.ParseMode(modeStr)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if !cmd.Flags().Changed("timeout") {
			timeout = cfg.Wait.Timeout
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		b, err := openBroker(ctx)
		if err != nil {
			return err
		}
		defer closeBroker(ctx, b)

		return wait(ctx, b.Tracker, args, mode, timeout)
	},
}

var opCancelCmd = &cobra.Command{
	Use:   "cancel <id>...",
	Short: "Request cancellation of operations",
	Long: `Request cancellation and print each operation's state afterwards.

Cancelling a finished operation does nothing. A cancelled operation is only
reported CANCELLED once the backend confirms it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		b, err := openBroker(ctx)
		if err != nil {
			return err
		}
		defer closeBroker(ctx, b)

		var failed []error
		ops := make([]schema.Operation, 0, len(args))
		for _, id := range args {
			op, err := b.Tracker.Cancel(ctx, id)
			if err != nil {
				failed = append(failed, fmt.Errorf("%s: %w", id, err))
				continue
			}
			ops = append(ops, op)
		}
		if jsonOutput {
			if err := printJSON(ops); err != nil {
				return err
			}
		} else {
			for _, op := range ops {
				out.Operation(op)
			}
		}
		return errors.Join(failed...)
	},
}

func init() {
	f := opSubmitCmd.Flags()
	f.String("image", "", "Image to run in (required)")
	f.String("state", "", "Directory state id to mount")
	f.Bool("shell", false, "Run the command through a shell")
	f.StringToString("env", nil, "Environment variables (KEY=VALUE, repeatable)")
	f.String("cwd", "", "Working directory inside the container")
	f.Duration("timeout", 0, "Command timeout enforced by the service")
	f.Bool("disposable", false, "Discard the resulting filesystem instead of producing an image")
	f.String("stdin", "", "File to feed to the command's stdin (- for this process's stdin)")
	f.StringToString("file", nil, "Extra blob to place in the container (PATH=SHA256, repeatable)")
	f.Int("truncate-output", 0, "Truncate stdout and stderr to this many bytes")
	_ = opSubmitCmd.MarkFlagRequired("image")

	opImportCmd.Flags().String("tag", "", "Tag to give the imported image")
	opImportCmd.Flags().String("username", "", "Registry username")
	opImportCmd.Flags().Bool("password-stdin", false, "Read the registry password from stdin")

	for _, c := range []*cobra.Command{opSubmitCmd, opImportCmd} {
		c.Flags().Bool("wait", false, "Wait for the operation to finish")
	}

	opWaitCmd.Flags().String("mode", "all", "Wait for all operations or any one: all, any")
	opWaitCmd.Flags().Duration("timeout", 0, "Give up after this long (default wait.timeout)")

	opCmd.AddCommand(opSubmitCmd, opImportCmd, opPollCmd, opWaitCmd, opCancelCmd)
	rootCmd.AddCommand(opCmd)
}

// commandSpec builds a command spec from submit flags.
func commandSpec(cmd *cobra.Command, args []string) (schema.CommandSpec, error) {
	f := cmd.Flags()
	image, _ := f.GetString("image")
	state, _ := f.GetString("state")
	shell, _ := f.GetBool("shell")
	env, _ := f.GetStringToString("env")
	cwd, _ := f.GetString("cwd")
	timeout, _ := f.GetDuration("timeout")
	disposable, _ := f.GetBool("disposable")
	stdinPath, _ := f.GetString("stdin")
	files, _ := f.GetStringToString("file")
	truncate, _ := f.GetInt("truncate-output")

	spec := schema.CommandSpec{
		Image:            image,
		Shell:            shell,
		Env:              env,
		Cwd:              cwd,
		Timeout:          timeout,
		Disposable:       disposable,
		DirectoryStateID: state,
		TruncateOutputAt: truncate,
	}
	if shell {
		spec.Command = strings.Join(args, " ")
	} else {
		spec.Command = args[0]
		spec.Args = args[1:]
	}

	if len(files) > 0 {
		spec.Files = make(map[string]schema.FileMapping, len(files))
		for path, hash := range files {
			spec.Files[path] = schema.FileMapping{Hash: strings.ToLower(hash)}
		}
	}

	switch stdinPath {
	case "":
	case "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return spec, fmt.Errorf("failed to read stdin: %w", err)
		}
		spec.Stdin = string(data)
	default:
		data, err := os.ReadFile(stdinPath)
		if err != nil {
			return spec, errs.IOError("read", stdinPath, err)
		}
		spec.Stdin = string(data)
	}
	return spec, nil
}

// submit sends req and prints its id, waiting for it with --wait.
func submit(cmd *cobra.Command, req schema.Request) error {
	waitFor, _ := cmd.Flags().GetBool("wait")

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	b, err := openBroker(ctx)
	if err != nil {
		return err
	}
	defer closeBroker(ctx, b)

	id, err := b.Tracker.Submit(ctx, req)
	if err != nil {
		return err
	}
	if !waitFor {
		if jsonOutput {
			return printJSON(map[string]string{"id": id})
		}
		fmt.Println(id)
		return nil
	}
	return wait(ctx, b.Tracker, []string{id}, operation.WaitAll, cfg.Wait.Timeout)
}

// wait waits for ids and prints the outcome. A timeout becomes exit
// status 2.
func wait(ctx context.Context, t *operation.Tracker, ids []string, mode operation.Mode, timeout time.Duration) error {
	res, err := t.Wait(ctx, ids, mode, timeout)
	if err != nil {
		return err
	}
	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		for _, op := range res.Completed {
			out.Operation(op)
		}
		for _, op := range res.Pending {
			out.Operation(op)
		}
	}
	if err := res.Err(); err != nil {
		if !jsonOutput {
			out.Warn("%d operation(s) still running after %v", len(res.Pending), timeout)
		}
		return &exitError{code: 2, err: err}
	}
	return nil
}
