package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/nwolfenzon/dhis2-chai/internal/app"
	"github.com/nwolfenzon/dhis2-chai/internal/credentials"
	"github.com/nwolfenzon/dhis2-chai/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "dhis2chai",
		Usage: "Authenticated DHIS2 API access for data-integration scripts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "export logs via OpenTelemetry (stdout|otlp-http|otlp-grpc)",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "DHIS2 API base URL, overrides <PREFIX>_SERVER",
			},
			&cli.StringFlag{
				Name:    "credentials--prefix",
				Aliases: []string{"env"},
				Usage:   "prefix of the credential environment variables",
				Value:   app.DefaultConfigCredentialsPrefix,
			},
			&cli.DurationFlag{
				Name:  "http--timeout",
				Usage: "timeout for each HTTP request",
				Value: app.DefaultConfigHTTPTimeout,
			},
			&cli.StringFlag{
				Name:  "auth--storage",
				Usage: "session storage (file|keyring|env)",
				Value: string(app.DefaultConfigAuthStorage),
			},
			&cli.StringFlag{
				Name:  "auth--file",
				Usage: "session file for file storage",
			},
			&cli.StringFlag{
				Name:  "auth--env-key",
				Usage: "environment variable holding a refresh token for env storage",
			},
			&cli.StringFlag{
				Name:  "auth--keyring-user",
				Usage: "keyring user for keyring storage",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			requestCommand(),
			getCommand(),
			serveCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "authenticate with username and password and store the session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "username",
				Usage: "DHIS2 username, defaults to <PREFIX>_USERNAME",
			},
		},
		Action: loginAction,
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "remove the stored session",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(a *app.App, _ *credentials.Credentials) error {
				return a.Logout(ctx)
			})
		},
	}
}

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "send an authenticated request and print the JSON response",
		ArgsUsage: "METHOD ENDPOINT",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "JSON request body, - reads standard input",
			},
			paramFlag(),
		},
		Action: requestAction,
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "fetch one or more endpoints concurrently",
		ArgsUsage: "ENDPOINT...",
		Flags: []cli.Flag{
			paramFlag(),
		},
		Action: getAction,
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "expose the API on a local address with the session token attached",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "proxy--host",
				Usage: "proxy listen host",
				Value: app.DefaultConfigProxyHost,
			},
			&cli.IntFlag{
				Name:  "proxy--port",
				Usage: "proxy listen port",
				Value: int(app.DefaultConfigProxyPort),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(a *app.App, _ *credentials.Credentials) error {
				return a.Serve(ctx)
			})
		},
	}
}

func paramFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "param",
		Aliases: []string{"p"},
		Usage:   "query parameter as key=value, repeatable",
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(a *app.App, creds *credentials.Credentials) error {
		username := cmd.String("username")
		if username == "" {
			username = creds.Username
		}
		if username == "" {
			return errors.New("username required, use --username or set <PREFIX>_USERNAME")
		}

		password := creds.Password
		if password == "" {
			var err error
			password, err = readPassword(cmd.Root().ErrWriter, username)
			if err != nil {
				return err
			}
		}

		if err := a.Login(ctx, username, password); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		slog.InfoContext(ctx, "session stored", "username", username)
		return nil
	})
}

func requestAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 2 {
		return fmt.Errorf("expected METHOD and ENDPOINT, got %d arguments", cmd.NArg())
	}
	method := strings.ToUpper(cmd.Args().Get(0))
	endpoint := cmd.Args().Get(1)

	params, err := parseParams(cmd.StringSlice("param"))
	if err != nil {
		return err
	}

	var data any
	if raw := cmd.String("data"); raw != "" {
		if data, err = parseData(raw, os.Stdin); err != nil {
			return err
		}
	}

	return withApp(ctx, cmd, func(a *app.App, _ *credentials.Credentials) error {
		result, err := a.Request(ctx, method, endpoint, data, params)
		if err != nil {
			return err
		}
		return printJSON(cmd.Root().Writer, result)
	})
}

func getAction(ctx context.Context, cmd *cli.Command) error {
	endpoints := cmd.Args().Slice()
	if len(endpoints) == 0 {
		return errors.New("at least one ENDPOINT required")
	}

	params, err := parseParams(cmd.StringSlice("param"))
	if err != nil {
		return err
	}

	return withApp(ctx, cmd, func(a *app.App, _ *credentials.Credentials) error {
		results, err := a.Fetch(ctx, endpoints, params)
		if err != nil {
			return err
		}
		if len(endpoints) == 1 {
			return printJSON(cmd.Root().Writer, results[endpoints[0]])
		}
		return printJSON(cmd.Root().Writer, results)
	})
}

// withApp loads configuration and credentials, sets up logging and runs fn.
func withApp(ctx context.Context, cmd *cli.Command, fn func(*app.App, *credentials.Credentials) error) error {
	if err := credentials.LoadDotenv(); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat), cfg.LogExporter)
	if err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			_, _ = fmt.Fprintf(cmd.Root().ErrWriter, "flushing logs: %v\n", err)
		}
	}()

	creds, err := credentials.Load(cfg.Credentials.Prefix, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	application, err := app.New(cfg, creds)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	return fn(application, creds)
}

// parseParams turns key=value pairs into query parameters. Repeated keys accumulate.
func parseParams(pairs []string) (url.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	params := make(url.Values, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		params.Add(key, value)
	}
	return params, nil
}

// parseData decodes a JSON request body given inline or, for "-", from stdin.
func parseData(raw string, stdin io.Reader) (any, error) {
	body := []byte(raw)
	if raw == "-" {
		var err error
		if body, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("invalid JSON request body: %w", err)
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPassword prompts for a password on the terminal without echo.
func readPassword(prompt io.Writer, username string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password required, set <PREFIX>_PASSWORD or run in a terminal")
	}

	_, _ = fmt.Fprintf(prompt, "Password for %s: ", username)
	password, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}
