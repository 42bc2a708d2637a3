// Command quiverdb-cdc ships or applies a WAL replication stream.
// Grounded on original_source/src/cli/cdc's ship/apply split and on
// original_source/src/bin/quiverdb's cmd_cdc_apply source-URL parsing
// (file://, tcp+psk://, tls+psk://): both sides connect outward to a
// peer or relay address rather than listening themselves, matching the
// original's division of labor between this tool and whatever transport
// (a direct socket, a relay, an SSH tunnel) sits between two databases.
//
// Usage:
//
//	quiverdb-cdc ship  -root <dir> -sink   <url> [-since N] [-follow] [-psk-env NAME]
//	quiverdb-cdc apply -root <dir> -source <url> [-psk-env NAME] [-strict] [-checkpoint <path>]
//
// <url> is one of:
//
//	file://<path>        plain file, no authentication
//	tcp://host:port       raw TCP, no authentication
//	tcp+psk://host:port   raw TCP, PSK-authenticated framing
//	tls+psk://host:port   TLS, PSK-authenticated framing (defense in depth)
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/artemonad/quiverdb/replication"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "ship":
		err = runShip(os.Args[2:])
	case "apply":
		err = runApply(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("quiverdb-cdc: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: quiverdb-cdc ship|apply [flags]")
}

func runShip(args []string) error {
	fs := flag.NewFlagSet("ship", flag.ExitOnError)
	root := fs.String("root", "", "source database root directory")
	sink := fs.String("sink", "", "destination URL (file://, tcp://, tcp+psk://, tls+psk://)")
	since := fs.Uint64("since", 0, "only ship records with lsn strictly greater than this")
	sinceInclusive := fs.Bool("since-inclusive", false, "ship the record at -since too")
	follow := fs.Bool("follow", false, "keep tailing the WAL instead of exiting at EOF")
	pskEnv := fs.String("psk-env", "", "environment variable holding the hex/plain PSK secret")
	fs.Parse(args)

	if *root == "" || *sink == "" {
		return fmt.Errorf("ship: -root and -sink are required")
	}

	conn, psk, err := dialSink(*sink, *pskEnv)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := signalContext()
	defer cancel()

	return replication.Ship(ctx, replication.ShipOptions{
		Root:           *root,
		SinceLSN:       *since,
		SinceInclusive: *sinceInclusive,
		Follow:         *follow,
		PSK:            psk,
	}, conn)
}

func runApply(args []string) error {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	root := fs.String("root", "", "destination database root directory (already Init'd)")
	source := fs.String("source", "", "source URL (file://, tcp://, tcp+psk://, tls+psk://)")
	pskEnv := fs.String("psk-env", "", "environment variable holding the hex/plain PSK secret")
	strict := fs.Bool("strict", false, "reject a regressed PSK frame sequence instead of skipping it")
	checkpoint := fs.String("checkpoint", "", "path to persist stream_id/last-applied-lsn bookkeeping")
	fs.Parse(args)

	if *root == "" || *source == "" {
		return fmt.Errorf("apply: -root and -source are required")
	}

	conn, psk, err := dialSource(*source, *pskEnv)
	if err != nil {
		return err
	}
	defer conn.Close()

	return replication.Apply(replication.ApplyOptions{
		Root:           *root,
		PSK:            psk,
		Strict:         *strict,
		CheckpointPath: *checkpoint,
	}, conn)
}

// dialSink opens the writable side of -sink for Ship.
func dialSink(raw, pskEnv string) (io.WriteCloser, []byte, error) {
	scheme, addr := splitURL(raw)
	psk := loadPSK(pskEnv)
	switch scheme {
	case "file":
		f, err := os.Create(addr)
		if err != nil {
			return nil, nil, fmt.Errorf("open sink file: %w", err)
		}
		return f, nil, nil
	case "tcp":
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial sink: %w", err)
		}
		return c, nil, nil
	case "tcp+psk":
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial sink: %w", err)
		}
		return c, requirePSK(psk, pskEnv), nil
	case "tls+psk":
		c, err := tls.Dial("tcp", addr, &tls.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("tls dial sink: %w", err)
		}
		return c, requirePSK(psk, pskEnv), nil
	default:
		return nil, nil, fmt.Errorf("unsupported sink scheme %q", scheme)
	}
}

// dialSource opens the readable side of -source for Apply.
func dialSource(raw, pskEnv string) (io.ReadCloser, []byte, error) {
	scheme, addr := splitURL(raw)
	psk := loadPSK(pskEnv)
	switch scheme {
	case "file":
		f, err := os.Open(addr)
		if err != nil {
			return nil, nil, fmt.Errorf("open source file: %w", err)
		}
		return f, nil, nil
	case "tcp":
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial source: %w", err)
		}
		return c, nil, nil
	case "tcp+psk":
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial source: %w", err)
		}
		return c, requirePSK(psk, pskEnv), nil
	case "tls+psk":
		c, err := tls.Dial("tcp", addr, &tls.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("tls dial source: %w", err)
		}
		return c, requirePSK(psk, pskEnv), nil
	default:
		return nil, nil, fmt.Errorf("unsupported source scheme %q", scheme)
	}
}

func splitURL(raw string) (scheme, addr string) {
	i := strings.Index(raw, "://")
	if i < 0 {
		return "", raw
	}
	return raw[:i], raw[i+3:]
}

func loadPSK(envName string) []byte {
	if envName == "" {
		return nil
	}
	v := os.Getenv(envName)
	if v == "" {
		return nil
	}
	return []byte(v)
}

func requirePSK(psk []byte, envName string) []byte {
	if len(psk) == 0 {
		log.Fatalf("quiverdb-cdc: -psk-env %s is required for a +psk transport and was empty", envName)
	}
	return psk
}

// signalContext is canceled on SIGINT/SIGTERM, the loop-termination signal
// for a -follow shipping session.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
