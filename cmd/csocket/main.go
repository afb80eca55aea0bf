// Command csocket runs the calc service or a client calling it.
//
//	csocket -s [-p PORT] [-t THREADS] [-u]             serve calc
//	csocket -c [-p PORT] [-u] [-b NUM] [-r name=proto://host:port ...]
//
// See -h for the registry, limiting and retry flags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"csocket/bench"
	"csocket/calc"
	"csocket/client"
	"csocket/loadbalance"
	"csocket/logging"
	"csocket/middleware"
	"csocket/registry"
	"csocket/server"
	"csocket/transport"

	"go.uber.org/zap"
)

// registrations collects repeated -r name=proto://host:port flags.
type registrations []string

func (r *registrations) String() string {
	return strings.Join(*r, ",")
}

func (r *registrations) Set(v string) error {
	if _, _, ok := strings.Cut(v, "="); !ok {
		return fmt.Errorf("expected name=proto://host:port, got %q", v)
	}
	*r = append(*r, v)
	return nil
}

var (
	serverMode = flag.Bool("s", false, "run as server")
	clientMode = flag.Bool("c", false, "run as client")
	port       = flag.Uint("p", 9999, "use `PORT` as the TCP/UDP port")
	threads    = flag.Int("t", 4, "number of server worker `THREADS`")
	useUDP     = flag.Bool("u", false, "use UDP instead of TCP")
	benchmark  = flag.Int("b", 0, "send `NUM` requests and print the response time")
	verbose    = flag.Bool("v", false, "log debug messages")
	quiet      = flag.Bool("q", false, "log errors only")
	etcdAddrs  = flag.String("etcd", "", "comma separated etcd `ENDPOINTS` used as naming registry")
	advertise  = flag.String("host", "127.0.0.1", "address the server registers itself under")
	instances  = flag.Int("instances", 0, "bound concurrent calls into the service to `N` (0: unbounded)")
	rateLimit  = flag.Float64("rate", 0, "server requests per second (0: unlimited)")
	maxClients = flag.Int("max-clients", 0, "serve at most `N` TCP clients at once (0: unlimited)")
	hTimeout   = flag.Duration("handler-timeout", 0, "drop calls whose handler runs longer than `D` (0: no limit)")
	balancer   = flag.String("lb", "first", "choice among several registrations: first or rr")
	retries    = flag.Int("retry", 0, "retry a failed call up to `N` times on a fresh connection")
	services   registrations
)

func main() {
	flag.Var(&services, "r", "register a service as `name=proto://host:port` (repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-c | -s] [-p PORT]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a client/server application supporting concurrent TCP/UDP connections and test the response time.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *serverMode == *clientMode || (*benchmark > 0 && !*clientMode) || *benchmark < 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *port == 0 || *port > 65535 {
		fmt.Fprintf(os.Stderr, "%d: invalid port argument\n", *port)
		os.Exit(2)
	}

	logger := logging.New(logging.Level(*verbose, *quiet))
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	protocol := transport.TCP
	if *useUDP {
		protocol = transport.UDP
	}

	reg, closeReg, err := newRegistry(logger)
	if err != nil {
		logger.Fatal("failed to open naming registry", zap.Error(err))
	}
	defer closeReg()

	if *serverMode {
		err = runServer(logger, reg, protocol)
	} else {
		err = runClient(logger, reg, protocol)
	}
	if err != nil {
		logger.Error("exiting", zap.Error(err))
		closeReg()
		logger.Sync()
		os.Exit(1)
	}
}

// newRegistry opens the etcd registry if endpoints were given, else a memory
// registry, and loads the -r registrations into it.
func newRegistry(logger *zap.Logger) (registry.Registry, func(), error) {
	var (
		reg     registry.Registry
		closeFn = func() {}
	)
	if *etcdAddrs != "" {
		er, err := registry.NewEtcdRegistry(strings.Split(*etcdAddrs, ","), logger)
		if err != nil {
			return nil, nil, err
		}
		reg = er
		closeFn = func() { er.Close() }
	} else {
		reg = registry.NewMemoryRegistry()
	}

	for _, s := range services {
		name, target, _ := strings.Cut(s, "=")
		if err := reg.Register(name, target); err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	return reg, closeFn, nil
}

// buildServer assembles the calc server from the command line flags.
func buildServer(logger *zap.Logger, reg registry.Registry) *server.Server {
	svc := calc.NewService()
	if *instances > 0 {
		svc.LimitInstances(*instances)
	}

	opts := []server.Option{server.WithLogger(logger)}
	if *etcdAddrs != "" {
		opts = append(opts, server.WithAdvertise(reg, *advertise))
	}
	if *maxClients > 0 {
		opts = append(opts, server.WithTransportOptions(transport.WithMaxClients(*maxClients)))
	}
	svr := server.NewServer(svc, opts...)
	svr.Use(middleware.LoggingMiddleware(logger))
	if *rateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(*rateLimit, max(1, int(*rateLimit))))
	}
	if *hTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(*hTimeout))
	}
	return svr
}

func runServer(logger *zap.Logger, reg registry.Registry, protocol transport.Protocol) error {
	svr := buildServer(logger, reg)
	if err := svr.Listen(protocol, uint16(*port)); err != nil {
		logger.Fatal("failed to bind", zap.Uint("port", *port), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := svr.Shutdown(10 * time.Second); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	return svr.Run(*threads)
}

// buildRequestor assembles the client requestor from the command line flags.
func buildRequestor(logger *zap.Logger, reg registry.Registry) (*client.Requestor, error) {
	lb, err := loadbalance.New(*balancer)
	if err != nil {
		return nil, err
	}
	r := client.NewRequestor(reg, client.WithLogger(logger), client.WithBalancer(lb))
	if *retries > 0 {
		r.Use(middleware.RetryMiddleware(*retries, 50*time.Millisecond, client.IsRetryable, logger))
	}
	return r, nil
}

func runClient(logger *zap.Logger, reg registry.Registry, protocol transport.Protocol) error {
	if len(services) == 0 && *etcdAddrs == "" {
		target := protocol.String() + "://127.0.0.1:" + strconv.Itoa(int(*port))
		if err := reg.Register(calc.ServiceName, target); err != nil {
			return err
		}
	}

	r, err := buildRequestor(logger, reg)
	if err != nil {
		return err
	}
	defer r.Close()
	c := calc.NewClient(r)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	call := func() error {
		method := calc.Methods[rand.Intn(len(calc.Methods))]
		a := uint16(rand.Intn(65535) + 1)
		b := uint16(rand.Intn(65535) + 1)
		result, err := c.Call(ctx, method, a, b)
		if err != nil {
			logger.Debug("call failed", zap.String("method", method), zap.Error(err))
			return err
		}
		logger.Debug("call", zap.String("method", method), zap.Uint16("a", a), zap.Uint16("b", b), zap.Int32("result", result))
		return nil
	}

	if *benchmark > 0 {
		stats := bench.Run(*benchmark, call)
		fmt.Println(stats)
		if stats.Failed == stats.N {
			return errors.New("every request failed")
		}
		return nil
	}

	for ctx.Err() == nil {
		if err := call(); errors.Is(err, client.ErrHostUnreachable) {
			logger.Warn("service unreachable", zap.Error(err))
			time.Sleep(time.Second)
		}
	}
	return nil
}
