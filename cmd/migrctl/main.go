// Package main provides migrctl, the operator CLI for migrd: it issues
// MGRT*/EXEC-WRAPPER commands over an ordinary RESP connection, exactly as
// a Redis client would, via github.com/gomodule/redigo/redis — mirroring
// canonical-redis_exporter/exporter/exporter.go's own use of redigo to dial
// and scrape a live Redis instance.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

var errUsage = errors.New("usage error")

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("migrctl", flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SetOutput(io.Discard)

	flagAddr := flags.String("addr", "127.0.0.1:32121", "migrd command-surface address")
	flagDB := flags.Int("db", 0, "Source database index")

	if err := flags.Parse(args[1:]); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	rest := flags.Args()
	if len(rest) == 0 {
		printUsage(errOut)
		return 1
	}

	conn, err := redis.Dial("tcp", *flagAddr)
	if err != nil {
		fmt.Fprintln(errOut, "error: dial:", err)
		return 1
	}
	defer conn.Close() //nolint:errcheck

	if _, err := conn.Do("SELECT", *flagDB); err != nil {
		fmt.Fprintln(errOut, "error: select:", err)
		return 1
	}

	if rest[0] == "repl" {
		return runRepl(conn, out, errOut)
	}

	reply, err := dispatch(conn, rest)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	printReply(out, reply)

	return 0
}

// dispatch issues one subcommand as the corresponding RESP command. The
// subcommand name itself isn't sent; its migrd command name is.
func dispatch(conn redis.Conn, argv []string) (any, error) {
	cmd := strings.ToUpper(argv[0])
	rest := argv[1:]

	switch cmd {
	case "MGRTONE", "MGRTTAGONE", "MGRTSLOT", "MGRTTAGSLOT", "MGRT-FENCE", "MGRT-CANCEL", "MGRT-STATUS":
		return doCommand(conn, cmd, rest)
	case "EXEC":
		return doCommand(conn, "EXEC-WRAPPER", rest)
	default:
		return nil, fmt.Errorf("%w: unknown subcommand %q", errUsage, argv[0])
	}
}

func doCommand(conn redis.Conn, cmd string, rest []string) (any, error) {
	cmdArgs := make([]any, 0, len(rest))
	for _, a := range rest {
		cmdArgs = append(cmdArgs, a)
	}

	reply, err := conn.Do(cmd, cmdArgs...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}

	return reply, nil
}

func printReply(out io.Writer, reply any) {
	switch v := reply.(type) {
	case []any:
		for _, item := range v {
			printReply(out, item)
		}
	case []byte:
		fmt.Fprintln(out, string(v))
	case int64:
		fmt.Fprintln(out, strconv.FormatInt(v, 10))
	case string:
		fmt.Fprintln(out, v)
	case nil:
		fmt.Fprintln(out, "(nil)")
	default:
		fmt.Fprintln(out, v)
	}
}

// runRepl drives an interactive line-edited session against conn, the same
// "driver binary talking to the core library" role cmd/tk-bench plays, but
// interactive rather than batch.
func runRepl(conn redis.Conn, out, errOut io.Writer) int {
	line := liner.NewLiner()
	defer line.Close() //nolint:errcheck

	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("migrctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return 0
			}

			fmt.Fprintln(errOut, "error:", err)

			return 1
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if input == "quit" || input == "exit" {
			return 0
		}

		reply, err := dispatch(conn, strings.Fields(input))
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			continue
		}

		printReply(out, reply)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "usage: migrctl [--addr host:port] [--db n] <command> [args...]")
	fmt.Fprintln(out, "       migrctl [-addr host:port] [-db n] repl")
	fmt.Fprintln(out, "commands: mgrtone mgrttagone mgrtslot mgrttagslot mgrt-fence mgrt-cancel mgrt-status exec")
}
