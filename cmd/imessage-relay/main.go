// imessage-relay forwards new iMessages of tracked conversations to email.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/hal9000y/imessage-relay/internal/archive"
	"github.com/hal9000y/imessage-relay/internal/auth"
	"github.com/hal9000y/imessage-relay/internal/config"
	"github.com/hal9000y/imessage-relay/internal/identity"
	"github.com/hal9000y/imessage-relay/internal/mailer"
	"github.com/hal9000y/imessage-relay/internal/syncer"
	"github.com/hal9000y/imessage-relay/internal/thread"
	"github.com/hal9000y/imessage-relay/internal/tool"
	"github.com/hal9000y/imessage-relay/internal/watermark"
)

func main() {
	configPath := flag.String("config", "./data/config.json", "Path to the relay config file")
	envFileParam := flag.String("env-file", "", "Path to env file")
	once := flag.Bool("once", false, "Run a single sync cycle and exit")
	interval := flag.Duration("interval", 0, "Sync interval, overrides the config file")
	verbose := flag.Bool("verbose", false, "Log every message")
	logFile := flag.String("log-file", "", "Path to log file (otherwise logs to stdout)")
	enableStdio := flag.Bool("stdio", false, "Enable stdio transport for MCP (disables stdout logging)")
	contactsDB := flag.String("contacts-db", "./data/contacts.db", "Path to the contact cache database")
	oauthTokenFile := flag.String("oauth-token-file", "./data/gmail-token.json", "Path to cache google oauth token")
	authorize := flag.Bool("authorize", false, "Authorize the Gmail transport in the browser and exit")
	httpAddr := flag.String("http-addr", "", "HTTP listen addr for the MCP endpoint and OAuth callback, empty disables")

	flag.Parse()

	closeLogs := setupLogger(*enableStdio, *logFile, *verbose)
	defer closeLogs()

	env, err := config.LoadEnv(*envFileParam)
	if err != nil {
		log.Fatal().Err(err).Msg("config.LoadEnv failed")
	}

	if *authorize {
		if err := runAuthorize(env, *httpAddr, *oauthTokenFile); err != nil {
			log.Fatal().Err(err).Msg("authorization failed")
		}
		return
	}

	if err := run(env, options{
		configPath:     *configPath,
		once:           *once,
		interval:       *interval,
		enableStdio:    *enableStdio,
		contactsDB:     *contactsDB,
		oauthTokenFile: *oauthTokenFile,
		httpAddr:       *httpAddr,
	}); err != nil {
		log.Error().Err(err).Msg("imessage-relay stopped")
		closeLogs()
		os.Exit(1)
	}
}

type options struct {
	configPath     string
	once           bool
	interval       time.Duration
	enableStdio    bool
	contactsDB     string
	oauthTokenFile string
	httpAddr       string
}

func run(env config.Env, opts options) error {
	store := config.NewFileStore(opts.configPath)
	cfg, err := store.Load()
	if err != nil {
		return fmt.Errorf("store.Load failed: %w", err)
	}

	exporter := archive.NewCommandExporter(env.ExporterBin, env.MessagesDB)
	if err := exporter.Check(); err != nil {
		return fmt.Errorf("exporter.Check failed: %w", err)
	}

	contacts, err := identity.Open(opts.contactsDB)
	if err != nil {
		return fmt.Errorf("identity.Open failed: %w", err)
	}
	defer func() {
		if err := contacts.Close(); err != nil {
			log.Error().Err(err).Msg("contacts.Close failed")
		}
	}()

	transport, tok, err := newTransport(env, cfg.Email, opts.oauthTokenFile)
	if err != nil {
		return err
	}
	if tok != nil {
		defer func() {
			if err := tok.Persist(); err != nil {
				log.Error().Err(err).Msg("tok.Persist failed")
			}
		}()
	}

	watermarks := watermark.NewStore(store)
	resolver := identity.NewResolver(contacts)
	cycle := syncer.NewCycle(
		watermarks,
		archive.NewExtractor(exporter, archive.DefaultSkewBuffer),
		resolver,
		thread.NewBuilder(cfg.Email),
		mailer.NewDispatcher(transport),
	)

	every := opts.interval
	if every <= 0 {
		every = cfg.Sync.Interval()
	}
	sched := syncer.NewScheduler(cycle, every)

	if opts.once {
		res, err := sched.RunOnce(context.Background())
		if err != nil {
			return fmt.Errorf("sched.RunOnce failed: %w", err)
		}
		newMsgs, sent, failed, errs := res.Totals()
		log.Info().Int("new", newMsgs).Int("sent", sent).Int("failed", failed).Int("errors", errs).Msg("single cycle done")
		return nil
	}

	mcpSrv := tool.NewServer(tool.Deps{
		Conversations: watermarks,
		Scheduler:     sched,
		Resolver:      resolver,
		Overrides:     contacts,
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, syscall.SIGINT)

	var errHTTPCh <-chan error
	if opts.httpAddr != "" {
		ln, err := net.Listen("tcp", opts.httpAddr)
		if err != nil {
			return fmt.Errorf("net.Listen failed: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server { return mcpSrv }, nil))

		var stopHTTP func()
		stopHTTP, errHTTPCh = serveHTTP(&http.Server{Handler: mux}, ln)
		defer stopHTTP()
	}

	var errStdioCh <-chan error
	if opts.enableStdio {
		var stopStdio func()
		stopStdio, errStdioCh = serveStdio(mcpSrv)
		defer stopStdio()
	}

	ctx, cancel := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	if cfg.Sync.AutoSync {
		go func() {
			defer close(schedDone)
			sched.Run(ctx)
		}()
	} else {
		close(schedDone)
		log.Warn().Msg("auto sync disabled, cycles only run on sync_now")
	}

	select {
	case err := <-errHTTPCh:
		log.Error().Err(err).Msg("http server failed")
	case err := <-errStdioCh:
		log.Error().Err(err).Msg("stdio transport failed")
	case <-shutdown:
		log.Info().Msg("shutdown signal received")
	}

	cancel()
	<-schedDone
	sched.Wait()

	return nil
}

// newTransport picks the mail transport. A missing recipient or missing
// credentials leave the dispatcher in simulation mode.
func newTransport(env config.Env, email config.EmailSettings, tokenFile string) (mailer.Transport, *auth.Token, error) {
	if email.Recipient == "" {
		log.Warn().Msg("no email recipient configured, running in simulation mode")
		return nil, nil, nil
	}

	switch env.Transport {
	case config.TransportGmail:
		if env.OAuthClientID == "" || env.OAuthClientSecret == "" {
			log.Warn().Msg("OAUTH_GOOGLE_CLIENT_ID and OAUTH_GOOGLE_CLIENT_SECRET not set, running in simulation mode")
			return nil, nil, nil
		}
		tok, err := auth.NewToken(oauthConfig(env, ""), tokenFile)
		if err != nil {
			return nil, nil, fmt.Errorf("auth.NewToken failed: %w", err)
		}
		return mailer.NewGmail(tok), tok, nil
	default:
		return &mailer.SMTPTransport{
			Host:     env.SMTPHost,
			Port:     env.SMTPPort,
			Username: env.SMTPUsername,
			Password: env.SMTPPassword,
			Insecure: env.SMTPInsecure,
		}, nil, nil
	}
}

// oauthConfig requests the compose scope: gmail.send alone does not allow
// users.getProfile, which the transport checks on every cycle.
func oauthConfig(env config.Env, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     env.OAuthClientID,
		ClientSecret: env.OAuthClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{gmail.GmailComposeScope},
		Endpoint:     google.Endpoint,
	}
}

// runAuthorize serves the OAuth callback until a token is obtained, then
// persists it.
func runAuthorize(env config.Env, httpAddr, tokenFile string) error {
	if env.OAuthClientID == "" || env.OAuthClientSecret == "" {
		return errors.New("env variables OAUTH_GOOGLE_CLIENT_ID and OAUTH_GOOGLE_CLIENT_SECRET must be set")
	}
	if tokenFile == "" {
		return errors.New("-oauth-token-file must be provided")
	}
	if httpAddr == "" {
		httpAddr = "localhost:0"
	}

	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("net.Listen failed: %w", err)
	}

	oauthURL := fmt.Sprintf("http://%s/oauth", ln.Addr().String())
	tok, err := auth.NewToken(oauthConfig(env, oauthURL), tokenFile)
	if err != nil {
		return fmt.Errorf("auth.NewToken failed: %w", err)
	}

	authorized := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.Handle("/oauth", auth.NewHTTPHandler(tok, func() {
		select {
		case authorized <- struct{}{}:
		default:
		}
	}))

	stopHTTP, errHTTPCh := serveHTTP(&http.Server{Handler: mux}, ln)
	defer stopHTTP()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, syscall.SIGINT)

	openBrowser(oauthURL)

	select {
	case <-authorized:
	case err := <-errHTTPCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-shutdown:
		return errors.New("interrupted before authorization")
	}

	if err := tok.Persist(); err != nil {
		return fmt.Errorf("tok.Persist failed: %w", err)
	}
	log.Info().Str("path", tokenFile).Msg("gmail token saved")

	return nil
}

func serveStdio(srv *mcp.Server) (func(), <-chan error) {
	errStdioCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(errStdioCh)
		log.Info().Msg("starting stdio transport")

		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			errStdioCh <- fmt.Errorf("srv.Run failed: %w", err)
		}
	}()

	return func() {
		cancel()

		<-errStdioCh
		log.Info().Msg("stdio transport stopped")
	}, errStdioCh
}

func serveHTTP(srv *http.Server, ln net.Listener) (func(), <-chan error) {
	errHTTPCh := make(chan error, 1)
	go func() {
		defer close(errHTTPCh)

		log.Info().Str("addr", ln.Addr().String()).Msg("starting http server")

		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errHTTPCh <- fmt.Errorf("srv.Serve failed: %w", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("srv.Shutdown failed")
		}

		<-errHTTPCh
		log.Info().Msg("http server stopped")
	}, errHTTPCh
}

func setupLogger(enableStdio bool, logFile string, verbose bool) func() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			panic(fmt.Errorf("failed to open log file: %w", err))
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()

		return func() {
			if err := f.Close(); err != nil {
				fmt.Fprintln(os.Stderr, fmt.Errorf("f.Close failed: %w", err))
			}
		}
	}

	if enableStdio {
		log.Logger = zerolog.New(io.Discard)
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	return func() {}
}

func openBrowser(url string) {
	url = fmt.Sprintf("%s?redirect=1", url)
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform")
	}

	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("could not open browser automatically, please open the link manually")
	}
}
