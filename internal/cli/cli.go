package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"userkeeper/internal/domain"
	"userkeeper/internal/service"
)

// ErrUsage marks a malformed command line.
var ErrUsage = errors.New("usage error")

// Environment variables consulted for passwords not given as flags.
const (
	EnvPassword        = "USERKEEPER_PASSWORD"
	EnvPasswordConfirm = "USERKEEPER_PASSWORD_CONFIRM"
	EnvCurrentPassword = "USERKEEPER_CURRENT_PASSWORD"
)

// App wires command-line subcommands to the user service.
type App struct {
	users          service.UserService
	out            io.Writer
	in             io.Reader
	lookupEnv      func(string) (string, bool)
	photoURLExpiry time.Duration
	commands       map[string]command
}

type command struct {
	summary string
	run     func(ctx context.Context, args []string) error
}

func NewApp(users service.UserService, out io.Writer, photoURLExpiry time.Duration) *App {
	a := &App{
		users:          users,
		out:            out,
		in:             os.Stdin,
		lookupEnv:      os.LookupEnv,
		photoURLExpiry: photoURLExpiry,
	}
	a.commands = map[string]command{
		"register":       {"create a user", a.register},
		"show":           {"print a user", a.show},
		"list":           {"print all users", a.list},
		"update":         {"change name, email or photo", a.update},
		"passwd":         {"change a password given the current one", a.passwd},
		"reset-password": {"set a new password without the current one", a.resetPassword},
		"login":          {"check an email and password", a.login},
		"token-stale":    {"report whether a token issued at --iat predates the last password change", a.tokenStale},
		"set-photo":      {"upload a photo file", a.setPhoto},
		"photo-url":      {"print a time-limited photo URL", a.photoURL},
		"delete":         {"delete a user and their photos", a.delete},
	}
	return a
}

// Run executes the subcommand named by args[0].
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.usage()
		return fmt.Errorf("%w: missing command", ErrUsage)
	}
	cmd, ok := a.commands[args[0]]
	if !ok {
		a.usage()
		return fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
	}
	return cmd.run(ctx, args[1:])
}

func (a *App) usage() {
	names := make([]string, 0, len(a.commands))
	for name := range a.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(a.out, "usage: userctl <command> [flags]")
	for _, name := range names {
		fmt.Fprintf(a.out, "  %-15s %s\n", name, a.commands[name].summary)
	}
}

func (a *App) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func parse(fs *pflag.FlagSet, args []string, required ...string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	for _, name := range required {
		if !fs.Changed(name) {
			return fmt.Errorf("%w: --%s is required", ErrUsage, name)
		}
	}
	return nil
}

// secret is a password-like value that may come from a flag, stdin or the
// environment.
type secret struct {
	flag string
	env  string
	dst  *string
}

func (a *App) secretFlags(fs *pflag.FlagSet, secrets ...secret) *bool {
	for _, s := range secrets {
		fs.StringVar(s.dst, s.flag, "", s.flag+" (shown in the process list; prefer --password-stdin or $"+s.env+")")
	}
	return fs.Bool("password-stdin", false, "read unset secrets from stdin, one per line, in flag order")
}

// readSecrets fills every secret whose flag was not given, from stdin lines
// when fromStdin is set and from the environment otherwise.
func (a *App) readSecrets(fs *pflag.FlagSet, fromStdin bool, secrets ...secret) error {
	var lines *bufio.Scanner
	if fromStdin {
		lines = bufio.NewScanner(a.in)
	}
	for _, s := range secrets {
		if fs.Changed(s.flag) {
			continue
		}
		if lines != nil {
			if !lines.Scan() {
				if err := lines.Err(); err != nil {
					return fmt.Errorf("read --%s from stdin: %w", s.flag, err)
				}
				return fmt.Errorf("%w: stdin ended before --%s", ErrUsage, s.flag)
			}
			*s.dst = strings.TrimSuffix(lines.Text(), "\r")
			continue
		}
		if v, ok := a.lookupEnv(s.env); ok {
			*s.dst = v
		}
	}
	return nil
}

func (a *App) register(ctx context.Context, args []string) error {
	fs := a.flags("register")
	var in domain.Registration
	fs.StringVar(&in.Name, "name", "", "display name")
	fs.StringVar(&in.Email, "email", "", "email address")
	fs.StringVar(&in.Photo, "photo", "", "photo URI or path")
	secrets := newPasswordSecrets(&in.Password, &in.PasswordConfirm)
	stdin := a.secretFlags(fs, secrets...)
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := a.readSecrets(fs, *stdin, secrets...); err != nil {
		return err
	}

	user, err := a.users.Register(ctx, in)
	if err != nil {
		return err
	}
	return a.print(user)
}

func (a *App) show(ctx context.Context, args []string) error {
	fs := a.flags("show")
	id := fs.String("id", "", "user id")
	if err := parse(fs, args, "id"); err != nil {
		return err
	}

	user, err := a.users.GetByID(ctx, *id)
	if err != nil {
		return err
	}
	return a.print(user)
}

func (a *App) list(ctx context.Context, args []string) error {
	if err := parse(a.flags("list"), args); err != nil {
		return err
	}

	users, err := a.users.List(ctx)
	if err != nil {
		return err
	}
	if users == nil {
		users = []domain.User{}
	}
	return a.print(users)
}

func (a *App) update(ctx context.Context, args []string) error {
	fs := a.flags("update")
	id := fs.String("id", "", "user id")
	name := fs.String("name", "", "new display name")
	email := fs.String("email", "", "new email address")
	photo := fs.String("photo", "", "new photo URI or path")
	if err := parse(fs, args, "id"); err != nil {
		return err
	}

	var in domain.ProfileUpdate
	if fs.Changed("name") {
		in.Name = name
	}
	if fs.Changed("email") {
		in.Email = email
	}
	if fs.Changed("photo") {
		in.Photo = photo
	}
	if in.Name == nil && in.Email == nil && in.Photo == nil {
		return fmt.Errorf("%w: nothing to update", ErrUsage)
	}

	user, err := a.users.UpdateProfile(ctx, *id, in)
	if err != nil {
		return err
	}
	return a.print(user)
}

func (a *App) passwd(ctx context.Context, args []string) error {
	fs := a.flags("passwd")
	id := fs.String("id", "", "user id")
	var (
		current string
		in      domain.PasswordChange
	)
	secrets := append([]secret{{flag: "current", env: EnvCurrentPassword, dst: &current}},
		newPasswordSecrets(&in.Password, &in.PasswordConfirm)...)
	stdin := a.secretFlags(fs, secrets...)
	if err := parse(fs, args, "id"); err != nil {
		return err
	}
	if err := a.readSecrets(fs, *stdin, secrets...); err != nil {
		return err
	}
	if current == "" {
		return fmt.Errorf("%w: current password is required", ErrUsage)
	}

	user, err := a.users.ChangePassword(ctx, *id, current, in)
	if err != nil {
		return err
	}
	return a.print(user)
}

func (a *App) resetPassword(ctx context.Context, args []string) error {
	fs := a.flags("reset-password")
	id := fs.String("id", "", "user id")
	var in domain.PasswordChange
	secrets := newPasswordSecrets(&in.Password, &in.PasswordConfirm)
	stdin := a.secretFlags(fs, secrets...)
	if err := parse(fs, args, "id"); err != nil {
		return err
	}
	if err := a.readSecrets(fs, *stdin, secrets...); err != nil {
		return err
	}

	user, err := a.users.ResetPassword(ctx, *id, in)
	if err != nil {
		return err
	}
	return a.print(user)
}

func (a *App) login(ctx context.Context, args []string) error {
	fs := a.flags("login")
	email := fs.String("email", "", "email address")
	var password string
	secrets := []secret{{flag: "password", env: EnvPassword, dst: &password}}
	stdin := a.secretFlags(fs, secrets...)
	if err := parse(fs, args, "email"); err != nil {
		return err
	}
	if err := a.readSecrets(fs, *stdin, secrets...); err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrUsage)
	}

	user, err := a.users.Authenticate(ctx, *email, password)
	if err != nil {
		return err
	}
	return a.print(user)
}

func (a *App) tokenStale(ctx context.Context, args []string) error {
	fs := a.flags("token-stale")
	id := fs.String("id", "", "user id")
	iat := fs.Int64("iat", 0, "token issued-at, unix seconds")
	if err := parse(fs, args, "id", "iat"); err != nil {
		return err
	}

	stale, err := a.users.PasswordChangedAfter(ctx, *id, *iat)
	if err != nil {
		return err
	}
	return a.print(map[string]bool{"stale": stale})
}

func (a *App) setPhoto(ctx context.Context, args []string) error {
	fs := a.flags("set-photo")
	id := fs.String("id", "", "user id")
	file := fs.String("file", "", "image file to upload")
	if err := parse(fs, args, "id", "file"); err != nil {
		return err
	}

	user, err := a.users.SetPhoto(ctx, *id, strings.TrimSpace(*file))
	if err != nil {
		return err
	}
	return a.print(user)
}

func (a *App) photoURL(ctx context.Context, args []string) error {
	fs := a.flags("photo-url")
	id := fs.String("id", "", "user id")
	if err := parse(fs, args, "id"); err != nil {
		return err
	}

	url, err := a.users.PhotoURL(ctx, *id, a.photoURLExpiry)
	if err != nil {
		return err
	}
	return a.print(map[string]string{"url": url})
}

func (a *App) delete(ctx context.Context, args []string) error {
	fs := a.flags("delete")
	id := fs.String("id", "", "user id")
	if err := parse(fs, args, "id"); err != nil {
		return err
	}

	if err := a.users.Delete(ctx, *id); err != nil {
		return err
	}
	return a.print(map[string]string{"deleted": *id})
}

func newPasswordSecrets(password, confirm *string) []secret {
	return []secret{
		{flag: "password", env: EnvPassword, dst: password},
		{flag: "password-confirm", env: EnvPasswordConfirm, dst: confirm},
	}
}

func (a *App) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
