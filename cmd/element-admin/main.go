package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/element-hq/element-admin-sub000/internal/admin"
	"github.com/element-hq/element-admin-sub000/internal/callback"
	"github.com/element-hq/element-admin-sub000/internal/config"
	"github.com/element-hq/element-admin-sub000/internal/discovery"
	"github.com/element-hq/element-admin-sub000/internal/locale"
	"github.com/element-hq/element-admin-sub000/internal/lock"
	"github.com/element-hq/element-admin-sub000/internal/logging"
	"github.com/element-hq/element-admin-sub000/internal/mas"
	"github.com/element-hq/element-admin-sub000/internal/oidc"
	"github.com/element-hq/element-admin-sub000/internal/pkce"
	"github.com/element-hq/element-admin-sub000/internal/session"
	"github.com/element-hq/element-admin-sub000/internal/state"
)

var Version = "dev"

const usage = `Usage: element-admin <command> [flags]

Commands:
  login      sign in to a homeserver as an administrator
  logout     discard the stored session
  whoami     show which account the session belongs to
  users      list or inspect homeserver accounts
  rooms      list rooms on the homeserver
  regtokens  manage registration tokens
  tokens     manage auth service personal access tokens
  locale     show or set the display locale
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("no command given")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Debug("element-admin starting", slog.String("version", Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	command, rest := args[0], args[1:]

	switch command {
	case "login":
		return app.login(ctx, rest)
	case "logout":
		return app.logout()
	case "whoami":
		return app.whoami(ctx, rest)
	case "users":
		return app.users(ctx, rest)
	case "rooms":
		return app.rooms(ctx, rest)
	case "regtokens":
		return app.regtokens(ctx, rest)
	case "tokens":
		return app.tokens(ctx, rest)
	case "locale":
		return app.locale(rest)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// app wires the shared state directory, session store and API clients
// every command builds on.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	records  *state.Records
	store    *session.Store
	resolver *discovery.Resolver
	oidc     *oidc.Client
	prefs    *locale.Preferences
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return nil, err
	}

	records, err := state.Open(stateDir)
	if err != nil {
		return nil, err
	}

	locker, err := lock.NewFileLocker(stateDir)
	if err != nil {
		return nil, err
	}

	resolver := discovery.NewResolver(nil)
	oidcClient := oidc.NewClient(nil)

	store, err := session.New(state.NewAuthStore(records), locker, resolver, oidcClient, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		records:  records,
		store:    store,
		resolver: resolver,
		oidc:     oidcClient,
		prefs:    locale.NewPreferences(records),
	}, nil
}

// serverName picks the homeserver a command targets: the flag wins,
// then the environment, then whichever server the session is signed in
// to.
func (a *app) serverName(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}

	if a.cfg.ServerName != "" {
		return a.cfg.ServerName, nil
	}

	if snap := a.store.Snapshot(); snap.Credentials != nil {
		return snap.Credentials.ServerName, nil
	}

	return "", errors.New("no homeserver configured: pass -server or set ELEMENT_ADMIN_SERVER")
}

func (a *app) adminClient(ctx context.Context, server string) (*admin.Client, error) {
	baseURL, err := a.resolver.BaseURL(ctx, server)
	if err != nil {
		return nil, err
	}

	return admin.NewClient(baseURL, a.store, nil), nil
}

func (a *app) masClient(ctx context.Context, server string) (*mas.Client, error) {
	meta, err := a.resolver.AuthMetadata(ctx, server)
	if err != nil {
		return nil, err
	}

	return mas.NewClient(meta.Issuer, a.store, nil), nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	server := fs.String("server", a.cfg.ServerName, "homeserver to sign in to")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *server == "" {
		return errors.New("no homeserver given: pass -server or set ELEMENT_ADMIN_SERVER")
	}

	meta, err := a.resolver.AuthMetadata(ctx, *server)
	if err != nil {
		return fmt.Errorf("discovering auth server for %s: %w", *server, err)
	}

	if meta.RegistrationEndpoint == "" {
		return fmt.Errorf("auth server %s does not support dynamic client registration", meta.Issuer)
	}

	cb, err := callback.Start(a.cfg.CallbackPort, a.logger)
	if err != nil {
		return err
	}
	defer cb.Close()

	clientID, err := a.oidc.Register(ctx, meta.RegistrationEndpoint, a.cfg.ClientName, cb.RedirectURI())
	if err != nil {
		return fmt.Errorf("registering client: %w", err)
	}

	sess, err := a.store.StartAuthorizationSession(*server, clientID, cb.RedirectURI())
	if err != nil {
		return err
	}

	authURL := oidc.AuthorizationURL(oidc.AuthorizationRequest{
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		ClientID:              sess.ClientID,
		RedirectURI:           sess.RedirectURI,
		Scopes:                oidc.AdminScopes(pkce.RandomString(10)),
		State:                 sess.State,
		CodeVerifier:          sess.CodeVerifier,
	})

	fmt.Println("Open this URL in your browser to sign in:")
	fmt.Println()
	fmt.Println("  " + authURL)
	fmt.Println()

	res, err := a.waitForCallback(ctx, cb)
	if err != nil {
		// Another process may have finished the login while we waited.
		if a.store.SessionActive() {
			fmt.Println("Signed in (completed elsewhere).")
			return nil
		}

		return err
	}

	if res.ErrorCode != "" {
		return &session.AuthorizationError{Code: res.ErrorCode, Description: res.ErrorDescription}
	}

	creds, err := a.store.CompleteAuthorization(ctx, res.State, res.Code)
	if err != nil {
		return err
	}

	fmt.Printf("Signed in to %s.\n", creds.ServerName)

	return nil
}

// waitForCallback blocks on the redirect while watching the shared auth
// record, so a login completed by another process of the same user ends
// the wait too.
func (a *app) waitForCallback(ctx context.Context, cb *callback.Server) (callback.Result, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(waitCtx)

	var res callback.Result

	g.Go(func() error {
		r, err := cb.Wait(gctx)
		if err != nil {
			return err
		}

		res = r
		cancel()

		return nil
	})

	g.Go(func() error {
		err := a.records.Watch(gctx, func(name string) {
			if name != state.RecordAuth {
				return
			}

			if err := a.store.Reload(); err != nil {
				a.logger.Warn("reloading session state", slog.Any("error", err))
				return
			}

			if a.store.SessionActive() {
				cancel()
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if err := g.Wait(); err != nil {
		return callback.Result{}, err
	}

	if res == (callback.Result{}) {
		return callback.Result{}, context.Canceled
	}

	return res, nil
}

func (a *app) logout() error {
	if !a.store.SessionActive() {
		fmt.Println("Not signed in.")
		return nil
	}

	if err := a.store.Clear(); err != nil {
		return err
	}

	fmt.Println("Signed out.")

	return nil
}

func (a *app) whoami(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	server := fs.String("server", "", "homeserver to query")

	if err := fs.Parse(args); err != nil {
		return err
	}

	name, err := a.serverName(*server)
	if err != nil {
		return err
	}

	client, err := a.adminClient(ctx, name)
	if err != nil {
		return err
	}

	identity, err := client.Whoami(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%s (device %s) on %s\n", identity.UserID, identity.DeviceID, name)

	return nil
}

func (a *app) users(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "list" {
		return errors.New("usage: element-admin users list [flags]")
	}

	fs := flag.NewFlagSet("users list", flag.ContinueOnError)
	server := fs.String("server", "", "homeserver to query")
	limit := fs.Int("limit", 50, "page size")
	from := fs.Int("from", 0, "offset to start from")
	name := fs.String("name", "", "filter by localpart or display name")
	deactivated := fs.Bool("deactivated", false, "include only deactivated accounts")
	admins := fs.Bool("admins", false, "include only server admins")

	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	serverN, err := a.serverName(*server)
	if err != nil {
		return err
	}

	client, err := a.adminClient(ctx, serverN)
	if err != nil {
		return err
	}

	req := admin.ListUsersRequest{From: *from, Limit: *limit, Name: *name}

	if *deactivated {
		req.Deactivated = boolPtr(true)
	}

	if *admins {
		req.Admins = boolPtr(true)
	}

	page, err := client.ListUsers(ctx, req)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tDISPLAY NAME\tADMIN\tDEACTIVATED")

	for _, u := range page.Users {
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\n", u.Name, u.DisplayName, u.IsAdmin, bool(u.Deactivated))
	}

	if err := w.Flush(); err != nil {
		return err
	}

	if page.NextToken != "" {
		fmt.Printf("\n%d of %d users; continue with -from %s\n", len(page.Users)+*from, page.Total, page.NextToken)
	}

	return nil
}

func (a *app) rooms(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "list" {
		return errors.New("usage: element-admin rooms list [flags]")
	}

	fs := flag.NewFlagSet("rooms list", flag.ContinueOnError)
	server := fs.String("server", "", "homeserver to query")
	limit := fs.Int("limit", 50, "page size")
	from := fs.Int("from", 0, "offset to start from")
	search := fs.String("search", "", "filter by room name")

	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	serverN, err := a.serverName(*server)
	if err != nil {
		return err
	}

	client, err := a.adminClient(ctx, serverN)
	if err != nil {
		return err
	}

	page, err := client.ListRooms(ctx, admin.ListRoomsRequest{From: *from, Limit: *limit, SearchTerm: *search})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tNAME\tMEMBERS\tPUBLIC")

	for _, r := range page.Rooms {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", r.RoomID, r.Name, r.JoinedMembers, r.Public)
	}

	if err := w.Flush(); err != nil {
		return err
	}

	if page.NextBatch != 0 {
		fmt.Printf("\n%d of %d rooms; continue with -from %d\n", page.Offset+len(page.Rooms), page.TotalRooms, page.NextBatch)
	}

	return nil
}

func (a *app) regtokens(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: element-admin regtokens <list|new|delete> [flags]")
	}

	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("regtokens "+sub, flag.ContinueOnError)
	server := fs.String("server", "", "homeserver to query")

	var (
		uses   int
		expiry time.Duration
	)

	if sub == "new" {
		fs.IntVar(&uses, "uses", 0, "number of registrations allowed (0 = unlimited)")
		fs.DurationVar(&expiry, "expires-in", 0, "validity window (0 = no expiry)")
	}

	if err := fs.Parse(rest); err != nil {
		return err
	}

	serverN, err := a.serverName(*server)
	if err != nil {
		return err
	}

	client, err := a.adminClient(ctx, serverN)
	if err != nil {
		return err
	}

	switch sub {
	case "list":
		tokens, err := client.ListRegistrationTokens(ctx, nil)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOKEN\tUSES ALLOWED\tPENDING\tCOMPLETED\tEXPIRES")

		for _, tok := range tokens {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				tok.Token, formatUses(tok.UsesAllowed), tok.Pending, tok.Completed, formatExpiry(tok.ExpiryTime))
		}

		return w.Flush()

	case "new":
		req := admin.NewRegistrationTokenRequest{}

		if uses > 0 {
			req.UsesAllowed = &uses
		}

		if expiry > 0 {
			at := time.Now().Add(expiry).UnixMilli()
			req.ExpiryTime = &at
		}

		tok, err := client.NewRegistrationToken(ctx, req)
		if err != nil {
			return err
		}

		fmt.Println(tok.Token)

		return nil

	case "delete":
		if fs.NArg() != 1 {
			return errors.New("usage: element-admin regtokens delete <token>")
		}

		if err := client.DeleteRegistrationToken(ctx, fs.Arg(0)); err != nil {
			return err
		}

		fmt.Println("Deleted.")

		return nil

	default:
		return fmt.Errorf("unknown regtokens subcommand %q", sub)
	}
}

func (a *app) tokens(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: element-admin tokens <list|revoke> [flags]")
	}

	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("tokens "+sub, flag.ContinueOnError)
	server := fs.String("server", "", "homeserver to query")

	if err := fs.Parse(rest); err != nil {
		return err
	}

	serverN, err := a.serverName(*server)
	if err != nil {
		return err
	}

	client, err := a.masClient(ctx, serverN)
	if err != nil {
		return err
	}

	switch sub {
	case "list":
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSCOPE\tCREATED\tREVOKED")

		cursor := ""
		for {
			tokens, next, err := client.ListPersonalAccessTokens(ctx, 100, cursor)
			if err != nil {
				return err
			}

			for _, tok := range tokens {
				revoked := "-"
				if tok.RevokedAt != nil {
					revoked = tok.RevokedAt.Format(time.RFC3339)
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					tok.ID, tok.Name, tok.Scope, tok.CreatedAt.Format(time.RFC3339), revoked)
			}

			if next == "" {
				break
			}

			cursor = next
		}

		return w.Flush()

	case "revoke":
		if fs.NArg() != 1 {
			return errors.New("usage: element-admin tokens revoke <id>")
		}

		if err := client.RevokePersonalAccessToken(ctx, fs.Arg(0)); err != nil {
			return err
		}

		fmt.Println("Revoked.")

		return nil

	default:
		return fmt.Errorf("unknown tokens subcommand %q", sub)
	}
}

func (a *app) locale(args []string) error {
	if len(args) == 0 {
		tag, err := a.prefs.Locale()
		if err != nil {
			return err
		}

		fmt.Println(tag)

		return nil
	}

	tag, err := a.prefs.SetLocale(args[0])
	if err != nil {
		supported := make([]string, 0, len(locale.Supported()))
		for _, t := range locale.Supported() {
			supported = append(supported, t.String())
		}

		return fmt.Errorf("%w (supported: %s)", err, strings.Join(supported, ", "))
	}

	fmt.Printf("Locale set to %s.\n", tag)

	return nil
}

func boolPtr(b bool) *bool { return &b }

func formatUses(uses *int) string {
	if uses == nil {
		return "unlimited"
	}

	return fmt.Sprintf("%d", *uses)
}

func formatExpiry(at *int64) string {
	if at == nil {
		return "never"
	}

	return time.UnixMilli(*at).Format(time.RFC3339)
}
