// Command keytool manages a client key store: it exports the store as a
// password-sealed backup, imports such a backup, or clears the store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/isopen-io/meeshy-sub013/internal/crypto"
	"github.com/isopen-io/meeshy-sub013/internal/keystore"
)

const usage = `usage: keytool [flags] <command>

commands:
  export   write a password-sealed backup of the key store to -out (default stdout)
  import   merge a backup read from -in (default stdin) into the key store
  clear    delete every key in the store

The password is read from KEYSTORE_PASSWORD.
`

var errUsage = errors.New("invalid usage")

func main() {
	_ = godotenv.Load()

	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Getenv("KEYSTORE_PASSWORD")); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		slog.Error("keytool failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, password string) error {
	fs := flag.NewFlagSet("keytool", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dbPath := fs.String("db", "keys.db", "path to the key store database")
	inPath := fs.String("in", "", "backup file to import (default stdin)")
	outPath := fs.String("out", "", "file to write the export to (default stdout)")
	iterations := fs.Int("iterations", crypto.DefaultIterations, "PBKDF2 iterations for export")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}

	store := keystore.NewSQLiteStore(*dbPath, crypto.NewAdapter(), keystore.WithIterations(*iterations))
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()

	switch cmd := fs.Arg(0); cmd {
	case "export":
		if password == "" {
			return errors.New("KEYSTORE_PASSWORD is required")
		}
		blob, err := store.ExportKeys(ctx, password)
		if err != nil {
			return err
		}
		return writeOutput(*outPath, stdout, blob)

	case "import":
		if password == "" {
			return errors.New("KEYSTORE_PASSWORD is required")
		}
		blob, err := readInput(*inPath, stdin)
		if err != nil {
			return err
		}
		if err := store.ImportKeys(ctx, blob, password); err != nil {
			if errors.Is(err, crypto.ErrAuthenticationFailed) {
				return errors.New("wrong password or corrupted backup")
			}
			return err
		}
		slog.Info("backup imported", "db", *dbPath)
		return nil

	case "clear":
		if err := store.ClearAll(ctx); err != nil {
			return err
		}
		slog.Info("key store cleared", "db", *dbPath)
		return nil

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func readInput(path string, stdin io.Reader) (string, error) {
	var data []byte
	var err error
	if path == "" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading backup: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func writeOutput(path string, stdout io.Writer, blob string) error {
	if path == "" {
		_, err := fmt.Fprintln(stdout, blob)
		return err
	}
	return os.WriteFile(path, []byte(blob+"\n"), 0o600)
}
