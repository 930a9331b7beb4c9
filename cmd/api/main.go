package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lessonplan/api/internal/app"
	"lessonplan/api/internal/auth"
	"lessonplan/api/internal/config"
	"lessonplan/api/internal/directory"
	"lessonplan/api/internal/export"
	"lessonplan/api/internal/gate"
	"lessonplan/api/internal/history"
	"lessonplan/api/internal/identity"
	"lessonplan/api/internal/logger"
	"lessonplan/api/internal/metasync"
	"lessonplan/api/internal/proxy"
	"lessonplan/api/internal/room"
	"lessonplan/api/internal/search"
	"lessonplan/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	rdb, err := store.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer rdb.Close()

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.HistoryDir).Msg("create history dir")
	}

	verifier, err := auth.NewVerifier(cfg.IdentityJWTPublicKey, cfg.IdentityIssuer)
	if err != nil {
		log.Fatal().Err(err).Msg("identity verifier")
	}

	dataStore := store.NewPostgresStore(db)

	var meiliClient *search.Meili
	if cfg.SearchConfigured() {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), log)
	defer searchService.Close()
	go searchService.ReindexAllFromPG(ctx)

	var profiles identity.Lookup = identity.NewClient(cfg.IdentityAPIURL, cfg.IdentitySecretKey)
	profiles = identity.NewCache(rdb, profiles, identity.DefaultCacheTTL, log)

	rooms := room.NewService(rdb, log, room.WithPresenceTTL(cfg.PresenceTTL()))
	hist := history.New(cfg.HistoryDir)
	titles := metasync.NewSyncer(ctx, dataStore, searchService, cfg.TitleSyncDelay(), log)
	defer titles.Close()

	exporter := export.NewService(app.NewRoomContent(rooms), hist, objectStore(ctx, cfg, log), log)

	service := app.New(app.Deps{
		Store:       dataStore,
		Redis:       rdb,
		Rooms:       rooms,
		Directory:   directory.NewService(dataStore, profiles, searchService, time.Now, log),
		Titles:      titles,
		History:     hist,
		Search:      searchService,
		Exporter:    exporter,
		Verifier:    verifier,
		GrantSecret: []byte(cfg.RoomGrantSecret),
		GrantTTL:    cfg.RoomGrantTTL(),
		Log:         log,
	})

	policy := gate.DefaultPolicy()
	policy.SignInURL = cfg.SignInURL

	mux := http.NewServeMux()
	mux.Handle("/api/", app.NewHTTPServer(service, newForwarder(cfg, verifier, log), policy, cfg.CORSOrigin, log).Handler())
	if cfg.WebDir != "" {
		mux.Handle("/", gate.Middleware(verifier, policy, log, http.FileServer(http.Dir(cfg.WebDir))))
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("lesson plan API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

// newForwarder builds the proxy. Missing proxy keys do not stop the server;
// the proxy answers 503 until they are set.
func newForwarder(cfg config.Config, verifier *auth.Verifier, log zerolog.Logger) http.Handler {
	missing := cfg.ProxyMissing()
	var tokens proxy.TokenSource
	if len(missing) == 0 {
		account, err := proxy.NewServiceAccount(cfg.ServiceAccountEmail, cfg.ServiceAccountPrivateKey, cfg.ServiceAccountTokenURL, cfg.OAuthClientID)
		if err != nil {
			log.Error().Err(err).Msg("service account unusable")
			missing = append(missing, "SERVICE_ACCOUNT_PRIVATE_KEY")
		} else {
			tokens = account
		}
	} else {
		log.Warn().Strs("missing", missing).Msg("proxy not configured")
	}
	return proxy.NewForwarder(proxy.Settings{
		BackendURL:  cfg.BackendAPIURL,
		SigningKey:  cfg.RequestSigningKey,
		MountPath:   "/api/proxy",
		MissingKeys: missing,
	}, verifier, tokens, log)
}

// objectStore returns the MinIO export bucket, or nil when exports should be
// returned inline.
func objectStore(ctx context.Context, cfg config.Config, log zerolog.Logger) export.ObjectStore {
	if !cfg.StorageConfigured() {
		return nil
	}
	minio, err := export.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Error().Err(err).Msg("object storage unavailable; exports are returned inline")
		return nil
	}
	if err := minio.EnsureBucket(ctx); err != nil {
		log.Error().Err(err).Msg("export bucket unavailable; exports are returned inline")
		return nil
	}
	return minio
}
