// Command wishlane is a CLI client for the wishlane service. Item
// commands work offline against the local cache; sync pushes queued
// edits and pulls what changed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wishlane/wishlane/internal/client/api"
	"github.com/wishlane/wishlane/internal/client/store"
	clientsync "github.com/wishlane/wishlane/internal/client/sync"
	"github.com/wishlane/wishlane/internal/errs"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "wishlane")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "wishlane")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }
func cachePath() string { return filepath.Join(cfgDir(), "cache.db") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.Create(tokenPath())
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

func saveUserID(uid string) error {
	return os.WriteFile(filepath.Join(cfgDir(), "user_id"), []byte(strings.TrimSpace(uid)), 0o600)
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `wishlane CLI
Usage:
  wishlane -addr URL [-guest TOKEN] <cmd> [args]

Commands:
  version
  register        -u <username> -p <password>
  login           -u <username> -p <password>       (saves token)

  location-add      -name <name>
  location-archive  -id <uuid> [-undo]
  location-rm       -id <uuid>

  list-add        -name <name> [-location <uuid>] [-visibility private|shared|public]
  list-rm         -id <uuid>
  guest-token     -id <uuid>                        (rotates the link)

  track           -id <list-uuid>                   (fetch list into cache)
  items           -id <list-uuid>                   (cached, works offline)
  add             -list <uuid> -title <t> [-url u] [-price cents] [-notes n]
  edit            -id <uuid> [-title t] [-url u] [-price cents] [-notes n]
  rm              -id <uuid>
  pending
  cancel-op       -id <op-uuid>
  sync

  reserve         -id <item-uuid>                   (online only)
  cancel          -id <item-uuid>
  confirm         -id <item-uuid>

  share-add       -type location|list -id <uuid> -with <user-uuid> -role viewer|editor|admin [-ttl dur]
  share-rm        -id <uuid>

  watch           -id <list-uuid> [-since seq]      (live change feed)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands. Auth commands and reservations go
// straight to the server; item edits route through the sync engine so
// they survive being offline.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	guest := flag.String("guest", "", "guest link token (read-only access)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cli := api.New(*addr, 10*time.Second)
	if *guest != "" {
		cli.SetGuestToken(*guest)
	} else if tok, err := loadToken(); err == nil {
		cli.SetToken(tok)
	}

	switch cmd {

	case "version":
		fmt.Printf("wishlane %s (%s)\n", version, buildDate)

	case "register":
		fs := flag.NewFlagSet("register", flag.ExitOnError)
		u := fs.String("u", "", "username")
		p := fs.String("p", "", "password")
		_ = fs.Parse(flag.Args()[1:])
		if *u == "" || *p == "" {
			fmt.Fprintln(os.Stderr, "need -u and -p")
			os.Exit(1)
		}
		id, err := cli.Register(ctx, *u, *p)
		if err != nil {
			fail(err)
		}
		fmt.Println(id)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		u := fs.String("u", "", "username")
		p := fs.String("p", "", "password")
		_ = fs.Parse(flag.Args()[1:])
		if *u == "" || *p == "" {
			fmt.Fprintln(os.Stderr, "need -u and -p")
			os.Exit(1)
		}
		tok, err := cli.Login(ctx, *u, *p)
		if err != nil {
			fail(err)
		}
		if err := saveToken(tok.AccessToken, tok.ExpiresAt); err != nil {
			fail(err)
		}
		_ = saveUserID(tok.UserID)
		fmt.Println("ok")

	case "location-add":
		fs := flag.NewFlagSet("location-add", flag.ExitOnError)
		name := fs.String("name", "", "location name")
		_ = fs.Parse(flag.Args()[1:])
		if *name == "" {
			fmt.Fprintln(os.Stderr, "need -name")
			os.Exit(1)
		}
		id, err := cli.CreateLocation(ctx, *name)
		if err != nil {
			fail(err)
		}
		fmt.Println(id)

	case "location-archive":
		fs := flag.NewFlagSet("location-archive", flag.ExitOnError)
		id := fs.String("id", "", "location id")
		undo := fs.Bool("undo", false, "unarchive instead")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		if err := cli.ArchiveLocation(ctx, *id, !*undo); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "location-rm":
		fs := flag.NewFlagSet("location-rm", flag.ExitOnError)
		id := fs.String("id", "", "location id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		if err := cli.DeleteLocation(ctx, *id); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "list-add":
		fs := flag.NewFlagSet("list-add", flag.ExitOnError)
		name := fs.String("name", "", "list name")
		loc := fs.String("location", "", "location id (optional)")
		vis := fs.String("visibility", "", "private|shared|public")
		_ = fs.Parse(flag.Args()[1:])
		if *name == "" {
			fmt.Fprintln(os.Stderr, "need -name")
			os.Exit(1)
		}
		var locID *string
		if *loc != "" {
			locID = loc
		}
		l, guestTok, err := cli.CreateList(ctx, *name, locID, *vis)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{"list": l, "guest_token": guestTok})

	case "list-rm":
		fs := flag.NewFlagSet("list-rm", flag.ExitOnError)
		id := fs.String("id", "", "list id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		if err := cli.DeleteList(ctx, *id); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "guest-token":
		fs := flag.NewFlagSet("guest-token", flag.ExitOnError)
		id := fs.String("id", "", "list id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		tok, err := cli.RotateGuestToken(ctx, *id)
		if err != nil {
			fail(err)
		}
		fmt.Println(tok)

	case "track":
		fs := flag.NewFlagSet("track", flag.ExitOnError)
		id := fs.String("id", "", "list id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		eng, closeFn := engine(cli)
		defer closeFn()
		if err := eng.Track(ctx, *id); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "items":
		fs := flag.NewFlagSet("items", flag.ExitOnError)
		id := fs.String("id", "", "list id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		eng, closeFn := engine(cli)
		defer closeFn()
		items, err := eng.Items(ctx, *id)
		if err != nil {
			fail(err)
		}
		printJSON(items)

	case "add":
		fs := flag.NewFlagSet("add", flag.ExitOnError)
		list := fs.String("list", "", "list id")
		title := fs.String("title", "", "item title")
		url := fs.String("url", "", "product URL")
		price := fs.Int64("price", 0, "price in cents")
		notes := fs.String("notes", "", "notes")
		_ = fs.Parse(flag.Args()[1:])
		if *list == "" || (*title == "" && *url == "") {
			fmt.Fprintln(os.Stderr, "need -list and -title or -url")
			os.Exit(1)
		}
		eng, closeFn := engine(cli)
		defer closeFn()
		id, err := eng.CreateItem(ctx, *list, *title, *url, *price, *notes)
		if err != nil {
			fail(err)
		}
		fmt.Println(id)

	case "edit":
		fs := flag.NewFlagSet("edit", flag.ExitOnError)
		id := fs.String("id", "", "item id")
		title := fs.String("title", "", "new title")
		url := fs.String("url", "", "new URL")
		price := fs.Int64("price", -1, "new price in cents")
		notes := fs.String("notes", "", "new notes")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		var t, u, n *string
		var p *int64
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "title":
				t = title
			case "url":
				u = url
			case "price":
				p = price
			case "notes":
				n = notes
			}
		})
		if t == nil && u == nil && p == nil && n == nil {
			fmt.Fprintln(os.Stderr, "nothing to change")
			os.Exit(1)
		}
		eng, closeFn := engine(cli)
		defer closeFn()
		if err := eng.UpdateItem(ctx, *id, t, u, p, n); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "rm":
		fs := flag.NewFlagSet("rm", flag.ExitOnError)
		id := fs.String("id", "", "item id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		eng, closeFn := engine(cli)
		defer closeFn()
		if err := eng.DeleteItem(ctx, *id); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "pending":
		eng, closeFn := engine(cli)
		defer closeFn()
		ops, err := eng.Pending(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(ops)

	case "cancel-op":
		fs := flag.NewFlagSet("cancel-op", flag.ExitOnError)
		id := fs.String("id", "", "op id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		eng, closeFn := engine(cli)
		defer closeFn()
		if err := eng.CancelOp(ctx, *id); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "sync":
		eng, closeFn := engine(cli)
		defer closeFn()
		if err := eng.Sync(ctx); err != nil {
			if errors.Is(err, errs.ErrTransient) {
				fmt.Fprintln(os.Stderr, "server unreachable, queued edits kept")
				os.Exit(1)
			}
			fail(err)
		}
		fmt.Println("ok")

	case "reserve":
		fs := flag.NewFlagSet("reserve", flag.ExitOnError)
		id := fs.String("id", "", "item id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		res, err := cli.Reserve(ctx, *id)
		if err != nil {
			if errors.Is(err, errs.ErrAlreadyReserved) {
				fmt.Fprintln(os.Stderr, "someone else is already on it")
				os.Exit(1)
			}
			fail(err)
		}
		printJSON(res)

	case "cancel":
		fs := flag.NewFlagSet("cancel", flag.ExitOnError)
		id := fs.String("id", "", "item id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		if err := cli.CancelReservation(ctx, *id); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "confirm":
		fs := flag.NewFlagSet("confirm", flag.ExitOnError)
		id := fs.String("id", "", "item id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		it, err := cli.ConfirmPurchase(ctx, *id)
		if err != nil {
			if errors.Is(err, errs.ErrReservationExpired) {
				fmt.Fprintln(os.Stderr, "reservation expired, reserve again first")
				os.Exit(1)
			}
			fail(err)
		}
		printJSON(it)

	case "share-add":
		fs := flag.NewFlagSet("share-add", flag.ExitOnError)
		typ := fs.String("type", "list", "location|list")
		id := fs.String("id", "", "resource id")
		with := fs.String("with", "", "grantee user id")
		role := fs.String("role", "viewer", "viewer|editor|admin")
		ttl := fs.Duration("ttl", 0, "expiry (0 = never)")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" || *with == "" {
			fmt.Fprintln(os.Stderr, "need -id and -with")
			os.Exit(1)
		}
		sh := api.CreateShare{ResourceType: *typ, ResourceID: *id, SharedWith: *with, Role: *role}
		if *ttl > 0 {
			exp := time.Now().Add(*ttl)
			sh.ExpiresAt = &exp
		}
		shareID, err := cli.CreateShare(ctx, sh)
		if err != nil {
			fail(err)
		}
		fmt.Println(shareID)

	case "share-rm":
		fs := flag.NewFlagSet("share-rm", flag.ExitOnError)
		id := fs.String("id", "", "share id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		if err := cli.DeleteShare(ctx, *id); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "watch":
		fs := flag.NewFlagSet("watch", flag.ExitOnError)
		id := fs.String("id", "", "list id")
		since := fs.Int64("since", 0, "replay from sequence")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		watch(cli, *id, *since)

	default:
		usage()
	}
}

// engine opens the local cache and wires the sync engine over it.
func engine(cli *api.Client) (*clientsync.Engine, func()) {
	_ = os.MkdirAll(cfgDir(), 0o700)
	st, err := store.Open(cachePath())
	if err != nil {
		fail(err)
	}
	return clientsync.New(st, cli, nil, nil), func() { _ = st.Close() }
}

// watch streams list changes until interrupted. A "resync" close from
// the server means the subscriber fell too far behind.
func watch(cli *api.Client, listID string, since int64) {
	wsURL, header, err := cli.WSURL(listID, since)
	if err != nil {
		fail(err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		fail(err)
	}
	defer conn.Close()

	for {
		var ch api.Change
		if err := conn.ReadJSON(&ch); err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				fmt.Fprintln(os.Stderr, "feed closed: resync required")
				os.Exit(1)
			}
			fail(err)
		}
		printJSON(ch)
	}
}

func fail(err error) {
	switch {
	case errors.Is(err, errs.ErrDenied):
		fmt.Fprintln(os.Stderr, "not found or no access")
	case errors.Is(err, errs.ErrUnauthorized):
		fmt.Fprintln(os.Stderr, "unauthorized (login first)")
	case errors.Is(err, errs.ErrVersionConflict):
		fmt.Fprintln(os.Stderr, "version conflict, sync first")
	default:
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}
