package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/chrisdanielwise/miniapp-gateway/internal/config"
	"github.com/chrisdanielwise/miniapp-gateway/internal/handshake"
	"github.com/chrisdanielwise/miniapp-gateway/internal/httpapi"
	"github.com/chrisdanielwise/miniapp-gateway/internal/identity"
	"github.com/chrisdanielwise/miniapp-gateway/internal/linktoken"
	"github.com/chrisdanielwise/miniapp-gateway/internal/obs"
	"github.com/chrisdanielwise/miniapp-gateway/internal/session"
)

var version = "0.3.0"

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to YAML config")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("GATEWAY_COMMIT"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db *sql.DB
	if cfg.Database.DSN != "" {
		db, err = sql.Open("pgx", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if db == nil {
		log.Fatal("database DSN is required")
	}

	identities := identity.NewPGStore(db)

	// Link tokens live in Redis when configured, otherwise alongside the
	// identities in Postgres.
	var linkStore linktoken.Store = linktoken.NewPGStore(db)
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		linkStore = linktoken.NewRedisStore(redisClient)
	}

	sessions, err := session.NewService(cfg.Auth.SigningSecret, identities,
		session.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		log.Fatalf("session service: %v", err)
	}
	links, err := linktoken.NewService(linkStore, linktoken.WithTTL(cfg.Auth.LinkTTL.Std()))
	if err != nil {
		log.Fatalf("link service: %v", err)
	}
	verifier := handshake.NewVerifier(handshake.WithReplayWindow(cfg.Auth.ReplayWindow.Std()))
	provisioner, err := identity.NewProvisioner(identities, verifier, cfg.TenantToken)
	if err != nil {
		log.Fatalf("provisioner: %v", err)
	}
	resolver := identity.NewResolver(sessions, links, provisioner, identities)

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(httpapi.Options{
		ReadyProbe:  probe,
		Version:     version,
		LoginPath:   cfg.Auth.LoginPath,
		Sessions:    sessions,
		Links:       links,
		Identities:  identities,
		Resolver:    resolver,
		Provisioner: provisioner,
		RateLimit:   cfg.RateLimit,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		httpapi.RegisterGRPC(grpcSrv, httpapi.NewGRPCServer(probe))
		go func() {
			log.Printf("gRPC health on %s", cfg.Server.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	log.Printf("Starting miniapp-gateway %s (%s) on %s", version, cfg.Environment, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	_ = db.Close()
	log.Println("Stopped")
}
