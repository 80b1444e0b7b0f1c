package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	api "github.com/nixpig/buildworker/api/v1"
	"github.com/nixpig/buildworker/internal/logstore"
	"github.com/nixpig/buildworker/internal/tlsconfig"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// TODO: Inject version at build time.
const version = "0.1.0"

type config struct {
	serverHostname string
	serverPort     string
	caCertPath     string
	certPath       string
	keyPath        string
}

type cli struct {
	client     api.BuildServiceClient
	conn       *grpc.ClientConn
	httpClient *http.Client
}

func newCLI() *cli {
	return &cli{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &config{}

	command := &cobra.Command{
		Use:          "buildctl",
		Short:        "CLI for requesting staging builds from a build server",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
				CertPath:   cfg.certPath,
				KeyPath:    cfg.keyPath,
				CACertPath: cfg.caCertPath,
				ServerName: cfg.serverHostname,
			})
			if err != nil {
				return err
			}

			c.conn, err = grpc.NewClient(
				net.JoinHostPort(
					cfg.serverHostname,
					cfg.serverPort,
				),
				grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
			)
			if err != nil {
				return err
			}

			c.client = api.NewBuildServiceClient(c.conn)

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.conn == nil {
				return nil
			}

			// Connection needs to remain open for duration of any child commands.
			return c.conn.Close()
		},
	}

	command.AddCommand(
		c.sendCmd(),
		c.buildCmd(),
		c.menuCmd(),
		c.statusCmd(),
		c.logsCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&cfg.serverHostname,
		"server-hostname",
		"localhost",
		"Server hostname",
	)

	command.PersistentFlags().StringVar(
		&cfg.serverPort,
		"server-port",
		"8443",
		"Server port",
	)

	command.PersistentFlags().StringVar(
		&cfg.certPath,
		"cert-path",
		"certs/client-operator.crt",
		"Path to client TLS certificate",
	)

	command.PersistentFlags().StringVar(
		&cfg.keyPath,
		"key-path",
		"certs/client-operator.key",
		"Path to client TLS private key",
	)

	command.PersistentFlags().StringVar(
		&cfg.caCertPath,
		"ca-cert-path",
		"certs/ca.crt",
		"Path to CA certificate for mTLS",
	)

	return command
}

func (c *cli) sendCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "send [flags] MESSAGE",
		Short:   "Send a chat message to the server and print the replies",
		Example: "  buildctl send /build_hipmi_staging",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.dispatch(cmd, strings.Join(args, " "))
		},
	}

	return command
}

func (c *cli) buildCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "build [flags] PROJECT",
		Short:   "Build the staging environment of a project",
		Example: "  buildctl build hipmi",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.dispatch(cmd, buildCommand(args[0]))
		},
	}

	return command
}

func (c *cli) menuCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "menu",
		Short:   "List the commands the server understands",
		Example: "  buildctl menu",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.dispatch(cmd, "/start")
		},
	}

	return command
}

func (c *cli) statusCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "status",
		Short:   "List builds in progress",
		Example: "  buildctl status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.Status(cmd.Context(), &emptypb.Empty{})
			if err != nil {
				return mapError(err)
			}

			// TODO: Only output headers if TTY. Or could add a flag like --plain or
			// --skip-headers to hide headers.
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "PROJECT\tREQUESTER\tCOMMAND\tSTARTED\tRUN ID\t\n")

			for _, job := range jobs(resp) {
				fmt.Fprintf(
					w,
					"%s\t%s\t%s\t%s\t%s\t\n",
					job["identity"],
					job["requester"],
					job["command"],
					job["started_at"],
					job["run_id"],
				)
			}

			w.Flush()

			return nil
		},
	}

	return command
}

func (c *cli) logsCmd() *cobra.Command {
	var (
		stream  string
		baseURL string
	)

	command := &cobra.Command{
		Use:     "logs [flags] PROJECT",
		Short:   "Print the logs of the latest build of a project",
		Example: "  buildctl logs hipmi --stream err",
		Args:    cobra.ExactArgs(1),
		// Logs are served over plain HTTP; no gRPC connection is needed.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := logstore.ParseStream(stream)
			if err != nil {
				return err
			}

			u, err := logURL(baseURL, s, args[0])
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
			if err != nil {
				return err
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("get logs: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return fmt.Errorf("get logs: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}

			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)

			return err
		},
	}

	command.Flags().StringVar(&stream, "stream", string(logstore.StreamOut), "Log stream to print, out or err")
	command.Flags().StringVar(&baseURL, "url", "http://localhost:3000", "Base URL of the log server")

	return command
}

// dispatch sends msg and prints every reply until the server is done.
func (c *cli) dispatch(cmd *cobra.Command, msg string) error {
	stream, err := c.client.Dispatch(cmd.Context(), wrapperspb.String(msg))
	if err != nil {
		return mapError(err)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			if status.Code(err) == codes.Canceled {
				break
			}

			return mapError(err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), resp.GetValue())
	}

	return nil
}

func buildCommand(project string) string {
	return fmt.Sprintf("/build_%s_staging", project)
}

func logURL(base string, stream logstore.Stream, project string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid log server url: %w", err)
	}

	return u.JoinPath("api", "logs", "staging", string(stream), project).String(), nil
}

// jobs flattens the Status response into one map per build.
func jobs(resp *structpb.Struct) []map[string]string {
	var out []map[string]string

	for _, v := range resp.GetFields()["jobs"].GetListValue().GetValues() {
		job := make(map[string]string)

		for k, f := range v.GetStructValue().GetFields() {
			job[k] = f.GetStringValue()
		}

		out = append(out, job)
	}

	return out
}

// mapError translates gRPC errors to human-readable messages.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.PermissionDenied:
		return errors.New("permission denied")
	case codes.Unauthenticated:
		return errors.New("not authenticated")
	case codes.AlreadyExists:
		return fmt.Errorf("build already in progress: %s", st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%s", st.Message())
	case codes.Unavailable:
		return errors.New("server unavailable")
	default:
		return fmt.Errorf("%s", st.Message())
	}
}
