// Command srsd is a small standalone SRS rewriting daemon, the Go
// equivalent of original_source/pfix-srsd/main-srsd.c: two line-based TCP
// listeners, one for forward (encode) requests and one for reverse
// (decode) requests, backed by internal/srs.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pfixtools/policyd/internal/srs"
	"go.uber.org/zap"
)

const (
	defaultEncoderPort = "10001"
	defaultDecoderPort = "10002"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "srsd: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	var (
		encPort       = flag.String("encoding", defaultEncoderPort, "port to listen on for encoding (forward) requests")
		decPort       = flag.String("decoding", defaultDecoderPort, "port to listen on for decoding (reverse) requests")
		ignoreOutside = flag.Bool("ignore-outside", false, "in decoding mode, pass through addresses outside domain unchanged")
		verbose       = flag.Bool("verbose", false, "log at debug level")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: srsd [options] domain secrets-file\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		return fmt.Errorf("expected domain and secrets file arguments")
	}
	domain := flag.Arg(0)
	secretsPath := flag.Arg(1)

	raw, err := os.ReadFile(secretsPath)
	if err != nil {
		return err
	}
	secrets, err := srs.ReadSecretsFile(strings.Split(string(raw), "\n"))
	if err != nil {
		return fmt.Errorf("reading %s: %w", secretsPath, err)
	}
	codec, err := srs.New(secrets, 21*24*time.Hour)
	if err != nil {
		return err
	}

	level := zap.InfoLevel
	if *verbose {
		level = zap.DebugLevel
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(level)
	log, err := logCfg.Build()
	if err != nil {
		return err
	}
	defer log.Sync()

	d := &daemon{domain: domain, codec: codec, ignoreOutside: *ignoreOutside, log: log}

	encLn, err := net.Listen("tcp", ":"+*encPort)
	if err != nil {
		return err
	}
	decLn, err := net.Listen("tcp", ":"+*decPort)
	if err != nil {
		return err
	}

	log.Info("srsd starting", zap.String("domain", domain), zap.String("encode_port", *encPort), zap.String("decode_port", *decPort))

	errCh := make(chan error, 2)
	go func() { errCh <- d.acceptLoop(encLn, false) }()
	go func() { errCh <- d.acceptLoop(decLn, true) }()
	return <-errCh
}

type daemon struct {
	domain        string
	codec         *srs.Codec
	ignoreOutside bool
	log           *zap.Logger
}

func (d *daemon) acceptLoop(ln net.Listener, decoder bool) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go d.handle(conn, decoder)
	}
}

// handle implements process_srs's "get <addr>\n" -> "200 <result>\n" /
// "400 <error>\n" line protocol, reading requests until the connection
// closes.
func (d *daemon) handle(conn net.Conn, decoder bool) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	defer w.Flush()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if !strings.HasPrefix(line, "get ") {
			w.WriteString("400 bad request, not starting with \"get \"\n")
			w.Flush()
			continue
		}

		addr := strings.TrimSpace(line[len("get "):])
		if addr == "" {
			w.WriteString("400 empty request\n")
			w.Flush()
			continue
		}
		if decoded, uerr := url.QueryUnescape(addr); uerr == nil {
			addr = decoded
		}

		w.WriteString(d.process(addr, decoder))
		w.WriteByte('\n')
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (d *daemon) process(addr string, decoder bool) string {
	if decoder {
		if d.ignoreOutside && !strings.HasSuffix(strings.ToLower(addr), "@"+strings.ToLower(d.domain)) {
			return "200 " + addr
		}
		at := strings.IndexByte(addr, '@')
		if at < 0 {
			return "400 not an address"
		}
		orig, err := d.codec.Reverse(addr[:at])
		if err != nil {
			return "500 " + err.Error()
		}
		return "200 " + orig
	}

	at := strings.IndexByte(addr, '@')
	if at < 0 {
		return "400 not an address"
	}
	return "200 " + d.codec.Forward(addr[:at], addr[at+1:], d.domain)
}
