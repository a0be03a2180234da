package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"depanne-service/internal/config"
	"depanne-service/internal/dispatch"
	"depanne-service/internal/events"
	"depanne-service/internal/geoindex"
	"depanne-service/internal/notifications"
	"depanne-service/internal/payments"
	"depanne-service/internal/requests"
	"depanne-service/internal/reviews"
	"depanne-service/internal/subscriptions"
	"depanne-service/internal/technicians"
	"depanne-service/internal/tracking"
	"depanne-service/migrations"
	"depanne-service/pkg/db"
	"depanne-service/pkg/jwt"
	"depanne-service/pkg/kafka"
	"depanne-service/pkg/lock"
	rredis "depanne-service/pkg/redis"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	RunE:  runServe,
}

type stores struct {
	technicians   technicians.Store
	subscriptions subscriptions.Store
	payments      payments.Store
	requests      requests.Store
	reviews       reviews.Store
	notifications notifications.Store
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	clk := clock.New()

	// ── 1. JWT verifier ──
	verifier, err := jwt.New(cfg.JWTSecret)
	if err != nil {
		return err
	}

	// ── 2. Storage ──
	var st stores
	if cfg.Storage == "memory" {
		log.Println("using in-memory storage; data is lost on exit")
		st = stores{
			technicians:   technicians.NewMemoryStore(),
			subscriptions: subscriptions.NewMemoryStore(),
			payments:      payments.NewMemoryStore(),
			requests:      requests.NewMemoryStore(),
			reviews:       reviews.NewMemoryStore(),
			notifications: notifications.NewMemoryStore(),
		}
	} else {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.RunMigrations(ctx, migrations.FS); err != nil {
			return err
		}
		st = stores{
			technicians:   technicians.NewPGStore(database.Pool),
			subscriptions: subscriptions.NewPGStore(database),
			payments:      payments.NewPGStore(database.Pool),
			requests:      requests.NewPGStore(database.Pool),
			reviews:       reviews.NewPGStore(database.Pool),
			notifications: notifications.NewPGStore(database.Pool),
		}
	}

	// ── 3. Redis: positions and cross-instance locks ──
	var locker lock.Locker = lock.NewLocal()
	var redisClient *rredis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = rredis.NewClient(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		locker = lock.NewDistributed(redisClient, cfg.LockTTL)
	}

	// ── 4. Kafka ──
	var kafkaClient *kafka.Client
	if len(cfg.Kafka) > 0 {
		kafkaClient = kafka.NewClient(cfg.Kafka)
		defer kafkaClient.Close()
		if err := kafkaClient.EnsureTopics(ctx,
			kafka.TopicRequestLifecycle,
			kafka.TopicSubscriptionActivated,
			kafka.TopicNotifications,
		); err != nil {
			return err
		}
	}

	// ── 5. Services ──
	notifySvc := notifications.NewService(st.notifications, notifications.NewBroker(0), clk)
	if kafkaClient != nil {
		instanceID := cfg.InstanceID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		relay := notifications.NewKafkaRelay(kafkaClient, instanceID)
		relay.Start(ctx, notifySvc)
		notifySvc.SetRelay(relay)
	}
	if cfg.FCMCredentials != "" {
		sink, err := notifications.NewFCMSink(ctx, cfg.FCMCredentials, st.notifications)
		if err != nil {
			return err
		}
		notifySvc.AddSink(sink)
	}

	var positions technicians.PositionIndex
	if redisClient != nil {
		positions = redisClient
	}
	techSvc := technicians.NewService(st.technicians, positions, clk, cfg.Specialties)

	ledger := subscriptions.NewLedger(st.subscriptions, locker, clk)
	expiry := subscriptions.NewExpiryNotifier(st.subscriptions, techSvc, notifySvc, clk,
		cfg.Subscriptions.ExpiryLead, cfg.Subscriptions.ExpiryEvery)

	index := geoindex.New(st.technicians, ledger, clk, cfg.Geo.MaxPositionAge)
	if redisClient != nil {
		index.UseLocator(redisClient)
	}

	node, err := snowflake.NewNode(cfg.Payments.NodeID)
	if err != nil {
		return err
	}
	gateway := payments.NewHTTPGateway(payments.GatewayConfig{
		BaseURL:   cfg.Gateway.BaseURL,
		APIKey:    cfg.Gateway.APIKey,
		SiteID:    cfg.Gateway.SiteID,
		NotifyURL: cfg.Gateway.NotifyURL,
		ReturnURL: cfg.Gateway.ReturnURL,
		Timeout:   cfg.Gateway.Timeout,
		Retries:   cfg.Gateway.Retries,
	})
	reconciler := payments.NewReconciler(st.payments, gateway, ledger, techSvc, notifySvc, locker, clk, node, payments.Config{
		Prices:     cfg.Payments.Prices,
		Currency:   cfg.Payments.Currency,
		TxPrefix:   cfg.Payments.TxPrefix,
		SweepEvery: cfg.Payments.SweepEvery,
		MinAge:     cfg.Payments.MinAge,
		MaxAge:     cfg.Payments.MaxAge,
	})

	reqSvc := requests.NewService(st.requests, techSvc, locker, clk, requests.Config{
		ExpireAfter:  cfg.Requests.ExpireAfter,
		CancelGrace:  cfg.Requests.CancelGrace,
		ExclusionTTL: cfg.Requests.ExclusionTTL,
		SweepEvery:   cfg.Requests.SweepEvery,
	})
	dispatcher := dispatch.New(index, reqSvc, techSvc, notifySvc, clk, dispatchConfig(cfg))
	hub := tracking.NewHub(clk, tracking.Config{
		RateLimit: cfg.Tracking.RateLimit,
		Stale:     cfg.Tracking.Stale,
		Grace:     cfg.Tracking.Grace,
		Buffer:    cfg.Tracking.Buffer,
	})
	reviewSvc := reviews.NewService(st.reviews, reqSvc, techSvc, clk)

	reqSvc.Subscribe(dispatcher)
	reqSvc.Subscribe(hub)
	reqSvc.Subscribe(events.NewFanout(notifySvc, techSvc))

	// ── 6. Background workers ──
	if kafkaClient != nil {
		publisher := events.NewPublisher(kafkaClient, clk, 0)
		reqSvc.Subscribe(publisher)
		reconciler.OnActivation(publisher)
		go publisher.Run(ctx)
	}
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	reqSvc.StartSweeper(ctx)
	reconciler.Start(ctx)
	expiry.Start(ctx)

	// ── 7. HTTP router ──
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(verifier.Authenticate)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"depanne-service"}`))
	})

	paymentHandler := payments.NewHandler(reconciler)
	reviewHandler := reviews.NewHandler(reviewSvc)

	r.Route("/technicians", func(r chi.Router) {
		geoindex.NewHandler(index, techSvc).Register(r)
		technicians.NewHandler(techSvc).Register(r)
		reviewHandler.RegisterTechnician(r)
	})
	r.Route("/requests", func(r chi.Router) {
		requests.NewHandler(reqSvc).Register(r)
		dispatch.NewHandler(dispatcher).Register(r)
		reviewHandler.Register(r)
	})
	r.Mount("/payments", paymentHandler.Routes())
	r.Route("/admin", paymentHandler.RegisterAdmin)
	r.Mount("/subscription", subscriptions.NewHandler(ledger, techSvc).Routes())
	r.Mount("/notifications", notifications.NewHandler(notifySvc).Routes())
	r.Mount("/track", tracking.NewHandler(hub, reqSvc).Routes())

	// ── 8. Start server ──
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("depanne-service listening on :%s (storage=%s)", cfg.Port, cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// ── 9. Graceful shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}
	log.Println("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)
	cancel() // stop workers and dispatch jobs
	dispatcher.Wait()
	return nil
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		OfferTimeout: cfg.Dispatch.OfferTimeout,
		RadiusKm:     cfg.Dispatch.RadiusKm,
		WideRadiusKm: cfg.Dispatch.WideRadiusKm,
		Candidates:   cfg.Dispatch.Candidates,
		Backoff:      cfg.Dispatch.Backoff,
		ExpireAfter:  cfg.Requests.ExpireAfter,
	}
}
