// cmd/radsecproxy/main.go
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/radsecproxy/radsecproxy/internal/config"
	"github.com/radsecproxy/radsecproxy/internal/logging"
	"github.com/radsecproxy/radsecproxy/internal/metrics"
	"github.com/radsecproxy/radsecproxy/internal/peers"
	"github.com/radsecproxy/radsecproxy/internal/proxypipeline"
	"github.com/radsecproxy/radsecproxy/internal/realmmatch"
	"github.com/radsecproxy/radsecproxy/internal/replyqueue"
	"github.com/radsecproxy/radsecproxy/internal/reqtable"
	"github.com/radsecproxy/radsecproxy/internal/tlsctx"
	"github.com/radsecproxy/radsecproxy/internal/transport"
)

const version = "radsecproxy 1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("c", "", "configuration file")
	logLevel := flag.Int("d", 0, "log level (1-4)")
	foreground := flag.Bool("f", false, "run in foreground, log to stderr")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	seedRNG()

	f, path, err := loadConfiguration(*configFile)
	if err != nil {
		logrus.Error(err)
		return 1
	}
	if err := config.Validate(f); err != nil {
		logrus.Error(err)
		return 1
	}

	level := f.LogLevel
	if *logLevel != 0 {
		level = *logLevel
	}
	if err := logging.Configure(level, f.LogDestination, *foreground); err != nil {
		logrus.Error(err)
		return 1
	}
	logrus.Infof("radsecproxy starting, config %s", path)

	mc := metrics.New()
	prometheus.MustRegister(mc)

	tlsResolver, err := buildTLSResolver(f)
	if err != nil {
		logrus.Error(err)
		return 1
	}

	registry, err := buildRegistry(f, tlsResolver)
	if err != nil {
		logrus.Error(err)
		return 1
	}

	realms, err := buildRealms(f, registry)
	if err != nil {
		logrus.Error(err)
		return 1
	}

	var datagramClients, streamClients bool
	for _, c := range registry.Clients {
		if c.Transport == peers.TransportDatagram {
			datagramClients = true
		} else {
			streamClients = true
		}
	}

	var datagramListener *transport.DatagramListener
	var sharedReplyQueue *replyqueue.Queue
	if datagramClients {
		addr := normalizeListenAddr(f.ListenUDP, "1812")
		datagramListener, err = transport.ListenDatagram(addr)
		if err != nil {
			logrus.Error(err)
			return 1
		}
		n := 0
		for _, c := range registry.Clients {
			if c.Transport == peers.TransportDatagram {
				n++
			}
		}
		sharedReplyQueue = replyqueue.New(n * 256)
		for _, c := range registry.Clients {
			if c.Transport == peers.TransportDatagram {
				c.ReplyQueue = sharedReplyQueue
			}
		}
	}

	var streamListener *transport.StreamListener
	if streamClients {
		addr := normalizeListenAddr(f.ListenTCP, "2083")
		streamListener, err = transport.ListenStream(addr)
		if err != nil {
			logrus.Error(err)
			return 1
		}
	}

	upstreams, err := buildUpstreams(registry, tlsResolver, mc)
	if err != nil {
		logrus.Error(err)
		return 1
	}

	pipeline := &proxypipeline.Pipeline{Realms: realms, Upstreams: upstreams, Metrics: mc}

	for _, u := range upstreams {
		u.Start()
	}

	if datagramListener != nil {
		go datagramListener.IngestLoop(registry, pipeline.Ingest, mc)
		go datagramListener.ReplyWriterLoop(sharedReplyQueue, mc)
	}
	if streamListener != nil {
		tlsFor := func(c *peers.Client) (*tlsctx.Context, bool) {
			return tlsResolver.ResolveClient(c.TLSName)
		}
		go streamListener.AcceptLoop(registry, tlsFor, pipeline.Ingest)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	metricsServer := &http.Server{Addr: ":9090", Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server failed: %w", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logrus.Info("radsecproxy started")

	select {
	case <-ctx.Done():
		logrus.Info("shutdown signal received")
	case err := <-errChan:
		logrus.Error(err)
	}

	logrus.Info("shutting down")
	if datagramListener != nil {
		datagramListener.Close()
	}
	if streamListener != nil {
		streamListener.Close()
	}
	for _, u := range upstreams {
		u.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("metrics server shutdown error")
	}

	logrus.Info("radsecproxy stopped")
	return 0
}

// seedRNG seeds math/rand once at startup, before the first upstream is
// contacted. Nothing in the proxy draws from math/rand: authenticator
// and jitter bytes always come from crypto/rand (internal/radiuscrypto).
func seedRNG() {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		mathrand.Seed(time.Now().UnixNano())
		return
	}
	mathrand.Seed(n.Int64())
}

func loadConfiguration(explicit string) (*config.File, string, error) {
	if explicit != "" {
		f, err := config.Load(explicit)
		return f, explicit, err
	}
	var lastErr error
	for _, p := range config.DefaultPaths() {
		f, err := config.Load(p)
		if err == nil {
			return f, p, nil
		}
		lastErr = err
	}
	return nil, "", errors.Wrap(lastErr, "config: no configuration file found")
}

func normalizeListenAddr(addr, defaultPort string) string {
	if addr == "" {
		return ":" + defaultPort
	}
	if strings.HasPrefix(addr, "*") {
		addr = addr[1:]
	}
	if !strings.Contains(addr, ":") {
		addr = addr + ":" + defaultPort
	}
	return addr
}

func buildTLSResolver(f *config.File) (*tlsctx.Resolver, error) {
	r := tlsctx.NewResolver()
	for _, tb := range f.TLS {
		ctx, err := tlsctx.Build(tlsctx.Config{
			Name:               tb.Name,
			CACertificateFile:  tb.CACertificateFile,
			CACertificatePath:  tb.CACertificatePath,
			CertificateFile:    tb.CertificateFile,
			CertificateKeyFile: tb.CertificateKeyFile,
			CertificateKeyPass: tb.CertificateKeyPass,
		})
		if err != nil {
			return nil, err
		}
		r.Add(ctx)
	}
	return r, nil
}

func buildRegistry(f *config.File, tlsResolver *tlsctx.Resolver) (*peers.Registry, error) {
	registry := peers.NewRegistry()

	for _, cb := range f.Clients {
		addrs, err := peers.ResolveHost(cb.Name)
		if err != nil {
			return nil, fmt.Errorf("config: line %d: Client %q: %w", cb.Line, cb.Name, err)
		}
		transportKind := peers.TransportDatagram
		if cb.Type == "tls" {
			transportKind = peers.TransportStream
		}
		client := &peers.Client{
			Name:      cb.Name,
			Transport: transportKind,
			Addrs:     addrs,
			Secret:    []byte(cb.Secret),
			TLSName:   cb.TLS,
		}
		if transportKind == peers.TransportStream {
			if _, ok := tlsResolver.ResolveClient(cb.TLS); !ok {
				return nil, fmt.Errorf("config: line %d: Client %q: no TLS context resolved", cb.Line, cb.Name)
			}
		}
		registry.Clients = append(registry.Clients, client)
	}

	for _, sb := range f.Servers {
		addrs, err := peers.ResolveHost(sb.Name)
		if err != nil {
			return nil, fmt.Errorf("config: line %d: Server %q: %w", sb.Line, sb.Name, err)
		}
		transportKind := peers.TransportDatagram
		if sb.Type == "tls" {
			transportKind = peers.TransportStream
		}
		port := sb.Port
		if port == 0 {
			if transportKind == peers.TransportStream {
				port = 2083
			} else {
				port = 1812
			}
		}
		server := &peers.Server{
			Name:         sb.Name,
			Transport:    transportKind,
			Addrs:        addrs,
			Port:         port,
			Secret:       []byte(sb.Secret),
			TLSName:      sb.TLS,
			StatusServer: sb.StatusServer,
		}
		if transportKind == peers.TransportStream {
			if _, ok := tlsResolver.ResolveServer(sb.TLS); !ok {
				return nil, fmt.Errorf("config: line %d: Server %q: no TLS context resolved", sb.Line, sb.Name)
			}
		}
		registry.Servers = append(registry.Servers, server)
	}

	return registry, nil
}

func buildRealms(f *config.File, registry *peers.Registry) (*realmmatch.Table, error) {
	table := realmmatch.NewTable()
	for _, rb := range f.Realms {
		var server *peers.Server
		if rb.Server != "" {
			s, ok := registry.ServerByName(rb.Server)
			if !ok {
				return nil, fmt.Errorf("config: line %d: Realm %q references unknown server %q", rb.Line, rb.Pattern, rb.Server)
			}
			server = s
		}
		rule, err := realmmatch.Compile(rb.Pattern, rb.Pattern, server, rb.ReplyMessage)
		if err != nil {
			return nil, err
		}
		table.Add(rule)
	}
	return table, nil
}

func buildUpstreams(registry *peers.Registry, tlsResolver *tlsctx.Resolver, mc *metrics.Collector) (map[string]*reqtable.Upstream, error) {
	upstreams := make(map[string]*reqtable.Upstream, len(registry.Servers))
	for _, s := range registry.Servers {
		if s.Transport == peers.TransportDatagram {
			if len(s.Addrs) == 0 {
				return nil, fmt.Errorf("server %q has no resolved addresses", s.Name)
			}
			conn, err := transport.DialDatagramUpstream(s.Name, s.Addrs[0], s.Port)
			if err != nil {
				return nil, err
			}
			upstreams[s.Name] = reqtable.New(s, conn, nil, mc)
			continue
		}

		tc, ok := tlsResolver.ResolveServer(s.TLSName)
		if !ok {
			return nil, fmt.Errorf("server %q: no TLS context resolved", s.Name)
		}
		dialer := transport.NewStreamDialer(s, tc)
		upstreams[s.Name] = reqtable.New(s, nil, dialer, mc)
	}
	return upstreams, nil
}
