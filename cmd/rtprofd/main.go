package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/rtprof/internal/framestream"
	"github.com/getsentry/rtprof/internal/httputil"
	"github.com/getsentry/rtprof/internal/logutil"
	"github.com/getsentry/rtprof/internal/storageprovider"
	"github.com/getsentry/rtprof/internal/storageutil"
	"github.com/getsentry/rtprof/internal/telemetry"
	"github.com/getsentry/rtprof/internal/timeutil"
	"github.com/getsentry/rtprof/internal/traceupload"
)

type environment struct {
	config  ServiceConfig
	session uuid.UUID

	loop      *renderLoop
	collector *telemetry.Collector
	metrics   http.Handler

	storage   *storage.Client
	blob      *storageprovider.Blob
	archive   storageutil.ObjectHandler
	publisher *framestream.Publisher
	uploader  *traceupload.Client
}

var release string

func newEnvironment(cfg ServiceConfig) (*environment, error) {
	e := environment{
		config:    cfg,
		session:   uuid.New(),
		collector: telemetry.NewCollector(),
	}

	var err error
	e.metrics, err = telemetry.Handler(e.collector)
	if err != nil {
		return nil, err
	}
	e.loop, err = newRenderLoop(cfg, timeutil.NewMonotonicClock(), e.collector)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	switch {
	case cfg.GCSBucket != "":
		e.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		e.archive = &storageprovider.Gcs{BucketHandle: e.storage.Bucket(cfg.GCSBucket)}
	case cfg.ArchiveBucket != "":
		e.blob, err = storageprovider.OpenBlob(ctx, cfg.ArchiveBucket)
		if err != nil {
			return nil, err
		}
		e.archive = e.blob
	}
	if len(cfg.KafkaBrokers) > 0 {
		e.publisher = framestream.NewPublisher(framestream.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), e.session)
	}
	if cfg.UploadURL != "" {
		e.uploader, err = traceupload.NewClient(cfg.UploadURL, traceupload.Options{
			Timeout:    cfg.UploadTimeout,
			RetryCount: 2,
			Process:    processName,
		})
		if err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (e *environment) shutdown() {
	if e.publisher != nil {
		if err := e.publisher.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	if e.blob != nil {
		if err := e.blob.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	if e.storage != nil {
		if err := e.storage.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/health", e.getHealth},
		{http.MethodGet, "/tracks", e.getTracks},
		{http.MethodGet, "/frames", e.getFrames},
		{http.MethodGet, "/frames/:frame", e.getFrame},
		{http.MethodGet, "/trace", e.getTrace},
		{http.MethodGet, "/speedscope", e.getSpeedscope},
		{http.MethodGet, "/stats", e.getStats},
		{http.MethodGet, "/drops", e.getDrops},
		{http.MethodGet, "/metrics", e.metrics.ServeHTTP},
		{http.MethodPost, "/pause", e.postPause},
		{http.MethodPost, "/resume", e.postResume},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.DecompressPayload(route.handler)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}

	return router, nil
}

func main() {
	logutil.ConfigureLogger()

	cfg, err := readConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error reading configuration")
	}

	env, err := newEnvironment(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:                   env.config.SentryDSN,
		EnableTracing:         true,
		Environment:           env.config.Environment,
		Release:               release,
		TracesSampleRate:      1.0,
		BeforeSendTransaction: httputil.TagTransaction(env.session.String()),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	router, err := env.newRouter()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	ctx, stop := context.WithCancel(context.Background())
	go env.loop.run(ctx)
	exported := make(chan struct{})
	go func() {
		env.export(ctx)
		close(exported)
	}()

	log.Info().
		Str("session", env.session.String()).
		Uint32("history_size", cfg.HistorySize).
		Int("target_fps", cfg.TargetFPS).
		Msg("recording")

	server := http.Server{
		Addr:    ":" + env.config.Port,
		Handler: sentryhttp.New(sentryhttp.Options{}).Handle(router),
	}

	waitForShutdown := make(chan os.Signal)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(cctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error shutting down server")
		}

		close(waitForShutdown)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	<-waitForShutdown

	// Stop recording once the HTTP connections are closed, then the exporters.
	stop()
	<-env.loop.stopped
	<-exported
	env.shutdown()
}
