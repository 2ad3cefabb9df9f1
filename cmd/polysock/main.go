package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hydravpn/polysock/pkg/client"
	"github.com/hydravpn/polysock/pkg/ioctx"
	"github.com/hydravpn/polysock/pkg/logging"
	"github.com/hydravpn/polysock/pkg/server"
	"github.com/hydravpn/polysock/pkg/socket"
	"github.com/hydravpn/polysock/pkg/transport"
)

const version = "polysock v0.1.0"

var log = logging.Logger()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "connect":
		runConnect(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "types":
		printTypes()
	case "version":
		fmt.Println(version)
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: polysock <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  connect   Connect to a peer and pipe stdin/stdout")
	fmt.Println("  serve     Run an echo server or tunnel gateway")
	fmt.Println("  types     List the socket types of this build")
	fmt.Println("  version   Show version")
	fmt.Println("  help      Show this help")
	fmt.Println()
	fmt.Println("Connect options:")
	fmt.Println("  --remote <ip:port>      Peer endpoint")
	fmt.Println("  --transport <type>      Socket type, e.g. tcp, ssl/tcp, utp, socks5 (default: tcp)")
	fmt.Println("  --fallback <a,b>        Socket types to try if the first fails")
	fmt.Println("  --proxy <url>           Proxy for socks5/http types")
	fmt.Println("  --hostname <name>       Verify the peer certificate against name")
	fmt.Println()
	fmt.Println("Serve options:")
	fmt.Println("  --kind <kind>           tcp, ssl, utp or gateway (default: tcp)")
	fmt.Println("  --listen <addr>         Listen address (default: 127.0.0.1:6881)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  polysock serve --kind ssl --listen 127.0.0.1:6881")
	fmt.Println("  polysock connect --transport ssl/tcp --remote 127.0.0.1:6881 --insecure")
}

func printTypes() {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TAG\tNAME\tSECURE\tRELIABLE-UDP")
	for _, t := range socket.Types() {
		fmt.Fprintf(w, "%d\t%s\t%t\t%t\n", int(t), t, t.Secure(), t.Plain() == socket.TypeUTP)
	}
	w.Flush()
}

func setLogLevel(level string) {
	if err := logging.SetLevel(level); err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	// stdout carries the tunneled bytes.
	logging.SetOutput(os.Stderr)
}

func runConnect(args []string) {
	flags := flag.NewFlagSet("connect", flag.ExitOnError)
	remote := flags.String("remote", "", "Peer endpoint (ip:port)")
	transportName := flags.String("transport", "tcp", "Socket type")
	fallback := flags.String("fallback", "", "Comma-separated socket types to try next")
	bind := flags.String("bind", "", "Local endpoint to connect from")
	proxyURL := flags.String("proxy", "", "Proxy URL for socks5/http types")
	proxyUser := flags.String("proxy-user", "", "Proxy username")
	proxyPassword := flags.String("proxy-password", "", "Proxy password")
	destName := flags.String("dest-name", "", "Host name the proxy should resolve instead of --remote")
	tunnel := flags.String("tunnel", "connect", "HTTP tunnel mode: connect or websocket")
	i2pDest := flags.String("i2p-dest", "", "I2P destination")
	samBridge := flags.String("sam", transport.DefaultSAMBridge, "I2P SAM bridge address")
	hostname := flags.String("hostname", "", "Expected peer certificate name")
	caFile := flags.String("ca", "", "PEM file with trusted certificates")
	insecure := flags.Bool("insecure", false, "Skip peer certificate verification")
	closeReason := flags.Uint("close-reason", 0, "Close reason sent to uTP peers")
	timeout := flags.Duration("timeout", 10*time.Second, "Connect timeout per transport")
	logLevel := flags.String("log-level", "info", "Log level")
	flags.Parse(args)

	setLogLevel(*logLevel)

	cfg := client.DefaultConfig()
	ep, err := netip.ParseAddrPort(*remote)
	if err != nil {
		log.Fatalf("Invalid --remote: %v", err)
	}
	cfg.Remote = ep
	if *bind != "" {
		if cfg.Bind, err = netip.ParseAddrPort(*bind); err != nil {
			log.Fatalf("Invalid --bind: %v", err)
		}
	}

	names := []string{*transportName}
	if *fallback != "" {
		names = append(names, strings.Split(*fallback, ",")...)
	}
	cfg.Transports = cfg.Transports[:0]
	for _, name := range names {
		t, err := socket.ParseType(strings.TrimSpace(name))
		if err != nil {
			log.Fatalf("Invalid transport: %v", err)
		}
		cfg.Transports = append(cfg.Transports, t)
	}

	if cfg.TunnelMode, err = transport.ParseTunnelMode(*tunnel); err != nil {
		log.Fatalf("Invalid --tunnel: %v", err)
	}
	cfg.ProxyURL = *proxyURL
	cfg.ProxyUser = *proxyUser
	cfg.ProxyPassword = *proxyPassword
	cfg.DestinationName = *destName
	cfg.I2PDestination = *i2pDest
	cfg.SAMBridge = *samBridge
	cfg.Hostname = *hostname
	cfg.CloseReason = uint16(*closeReason)
	cfg.ConnectTimeout = *timeout
	cfg.TLSConfig = clientTLSConfig(*caFile, *insecure)

	ioc := ioctx.New()
	cli, err := client.New(cfg, ioc)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	log.WithField("type", cli.Socket().TypeName()).Info("Connected. Press Ctrl+C to disconnect.")

	received := make(chan struct{})
	cli.Receive(func(data []byte, err error) {
		if err != nil {
			return
		}
		os.Stdout.Write(data)
	})
	go func() {
		ioc.Run()
		close(received)
	}()

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		buf := make([]byte, 16*1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if serr := cli.Send(buf[:n]); serr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					log.WithError(err).Warning("stdin read failed")
				}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-sent:
	case <-received:
	}

	if err := cli.Disconnect(); err != nil {
		log.WithError(err).Warning("Disconnect failed")
	}
	if reason := cli.Socket().CloseReason(); reason != 0 {
		log.WithField("reason", reason).Info("Peer close reason")
	}
}

func clientTLSConfig(caFile string, insecure bool) *tls.Config {
	cfg := &tls.Config{InsecureSkipVerify: insecure}
	if caFile == "" {
		return cfg
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		log.Fatalf("Failed to read CA file: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		log.Fatalf("No certificates in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg
}

func runServe(args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	kindName := flags.String("kind", "tcp", "Listener kind: tcp, ssl, utp or gateway")
	listen := flags.String("listen", "127.0.0.1:6881", "Listen address")
	certFile := flags.String("cert", "", "PEM certificate (self-signed if empty)")
	keyFile := flags.String("key", "", "PEM private key")
	logLevel := flags.String("log-level", "info", "Log level")
	flags.Parse(args)

	setLogLevel(*logLevel)

	kind, err := server.ParseKind(*kindName)
	if err != nil {
		log.Fatalf("Invalid --kind: %v", err)
	}

	cfg := server.DefaultConfig()
	cfg.ListenAddr = *listen
	cfg.Kind = kind
	if *certFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			log.Fatalf("Failed to load certificate: %v", err)
		}
		cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for interrupt
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Server running. Press Ctrl+C to stop.")
	<-sigChan

	srv.Stop()
}
