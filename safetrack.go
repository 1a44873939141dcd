// SafeTrack tracks a fleet of remote nodes that report position and status,
// turns state changes into typed notifications, and serves them over HTTP
// plus OS-level alerting. The detection loop polls the store once a second,
// diffs consecutive snapshots, persists what changed, and broadcasts it.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"safetrack/pkg/api"
	"safetrack/pkg/database"
	"safetrack/pkg/notification"
	"safetrack/pkg/notifystream"
	"safetrack/pkg/sampler"
	"safetrack/pkg/simulator"
	"safetrack/pkg/toast"
)

// CompileVersion is stamped by the build; "dev" for local runs.
var CompileVersion = "dev"

var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var dbType = flag.String("db-type", "sqlite", "Type of the database driver: genji, sqlite, duckdb, or pgx (postgresql)")
var dbPath = flag.String("db-path", "", "Path to the database file (defaults to the current folder, applicable for genji, sqlite drivers.)")
var dbConn = flag.String("db-conn", "", "Raw DSN for network drivers (overrides the individual pgx flags)")
var dbHost = flag.String("db-host", "127.0.0.1", "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", 5432, "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", "postgres", "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", "", "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", "SafeTrack", "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
var port = flag.Int("port", 8765, "Port for running the server")
var version = flag.Bool("version", false, "Show the application version")
var pollInterval = flag.Duration("poll-interval", sampler.DefaultInterval, "How often the detection loop snapshots node state")
var simulateFleet = flag.Int("simulate", 0, "Feed synthetic samples for N nodes (0 disables the simulator)")
var simulateEvery = flag.Duration("simulate-interval", 10*time.Second, "Delay between synthetic samples")
var toastEnabled = flag.Bool("toast", false, "Raise OS desktop alerts for new notifications")
var retainHours = flag.Int("retain-hours", 0, "Purge samples and notifications older than N hours (0 disables retention)")
var adminUser = flag.String("admin-user", "", "Bootstrap an admin account with this name if it does not exist")
var adminPass = flag.String("admin-pass", "", "Password for -admin-user")
var publicURL = flag.String("public-url", "", "Base URL embedded into QR locators (defaults to the request host)")

// withServerHeader wraps any http.Handler, adding a
// "Server: safetrack/<CompileVersion>" header. A HEAD request to "/" answers
// 200 OK without a body so load balancers can probe liveness cheaply.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "safetrack/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs:
//   - :80  — ACME HTTP-01 challenge + 301 redirect to https://<domain>/…
//   - :443 — HTTPS with automatic Let's Encrypt certificates.
//
// If autocert cannot mint a certificate for an odd SNI the server still
// serves the previously obtained fallback cert. All errors are only logged.
func serveWithDomain(domain string, handler http.Handler) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			// Allow the bare domain and www.<domain>.
			if host == domain || host == "www."+domain {
				return nil
			}
			// An IP address is not blocked; we just never request a cert for it.
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	// :80 — challenge + redirect.
	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})

		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	// Daily certificate renewal check.
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				log.Printf("autocert renewal check: %v", err)
			}
		}
	}()

	// :443 — HTTPS with a fallback certificate for IP / odd SNI clients.
	tlsCfg := certMgr.TLSConfig()

	var defaultCert *tls.Certificate
	go func() {
		for defaultCert == nil {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				defaultCert = c
			}
			time.Sleep(time.Minute)
		}
	}()
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		if defaultCert != nil {
			return defaultCert, nil
		}
		return nil, err
	}

	log.Printf("HTTPS server ➜ https://%s/", domain)
	srv := &http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServeTLS("", ""); err != nil {
		log.Printf("HTTPS server error: %v", err)
	}
}

// startRetention purges old samples and notifications once an hour. This is
// the administrative retention path; the detection loop itself never deletes.
func startRetention(ctx context.Context, db *database.Database, dbType string, hours int) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()
			nodesGone, notifsGone, err := db.PurgeBefore(ctx, cutoff, dbType)
			if err != nil {
				log.Printf("retention purge error: %v", err)
			} else if nodesGone > 0 || notifsGone > 0 {
				log.Printf("retention purge: samples %d notifications %d older than %dh", nodesGone, notifsGone, hours)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("safetrack version %s\n", CompileVersion)
		return
	}

	if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	dbCfg := database.Config{
		DBType:    *dbType,
		DBPath:    *dbPath,
		DBConn:    *dbConn,
		DBHost:    *dbHost,
		DBPort:    *dbPort,
		DBUser:    *dbUser,
		DBPass:    *dbPass,
		DBName:    *dbName,
		PGSSLMode: *pgSSLMode,
		Port:      *port,
	}
	db, err := database.NewDatabase(dbCfg)
	if err != nil {
		log.Fatalf("DB init: %v", err)
	}
	if err = db.InitSchema(dbCfg); err != nil {
		log.Fatalf("DB schema: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional admin bootstrap so a fresh deployment has a privileged viewer.
	if *adminUser != "" {
		exists, err := db.UserExists(ctx, *adminUser, *dbType)
		if err != nil {
			log.Fatalf("admin bootstrap: %v", err)
		}
		if !exists {
			if *adminPass == "" {
				log.Fatalf("admin bootstrap: -admin-pass is required with -admin-user")
			}
			if err := db.CreateUser(ctx, *adminUser, *adminPass, true, nil, *dbType); err != nil {
				log.Fatalf("admin bootstrap: %v", err)
			}
			log.Printf("admin account %q created", *adminUser)
		}
	}

	// Detection pipeline: store → differ → classifier → bus.
	bus := notifystream.NewBus(256, log.Printf)
	classifier := notification.NewClassifier(db, *dbType, log.Printf)
	loop := sampler.New(db, classifier, bus, *dbType, *pollInterval, log.Printf)
	loop.Start(ctx)

	if *simulateFleet > 0 {
		simulator.Start(ctx, db, *dbType, *simulateFleet, *simulateEvery, log.Printf)
	}
	if *toastEnabled {
		// The operator console is privileged: toasts carry real coordinates.
		sink := toast.NewSink(log.Printf)
		sink.Start(ctx, bus.Subscribe(ctx, notification.NewViewer(true, nil), 16))
	}
	if *retainHours > 0 {
		startRetention(ctx, db, *dbType, *retainHours)
	}

	limiter := api.NewIngestLimiter(200 * time.Millisecond)
	handler := api.NewHandler(db, *dbType, bus, loop, limiter, *publicURL, log.Printf)
	mux := http.NewServeMux()
	handler.Register(mux)

	rootHandler := withServerHeader(mux)

	if *domain != "" {
		go serveWithDomain(*domain, rootHandler)
	} else {
		addr := fmt.Sprintf(":%d", *port)
		go func() {
			log.Printf("HTTP server ➜ http://localhost%s", addr)
			if err := http.ListenAndServe(addr, rootHandler); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	// Keep the main goroutine alive.
	select {}
}
