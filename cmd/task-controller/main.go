package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/deployment"
	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/postgresql"
	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/transport"
	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/worker"
	"github.com/united-broadband-hub/united-broadband-hub/internal"
)

func main() {
	InitLogging()
	InitPrometheus()
	internal.Initfgtrace()

	db := postgresql.GetOrInit()
	InitConnectionRegistry()
	health := InitHealthCheck(db)
	InitMQTT(health)

	w := worker.Init()
	d := deployment.Init()

	awaitShutdown(db, w, d)
	// We should never get to this await, but better to have it then to always close the program
	select {}
}

func awaitShutdown(db *postgresql.Connection, w *worker.Worker, d *deployment.Orchestrator) {
	// Allow graceful shutdown
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)

	sig := <-sigs
	zap.S().Infof("Received SIG %v", sig)

	zap.S().Debugf("Shutting down work loops")
	w.Shutdown()
	d.Shutdown()

	zap.S().Debugf("Shutting down MQTT")
	transport.ShutdownMQTT()

	zap.S().Debugf("Shutting down connection registry")
	internal.ShutdownConnectionRegistry()

	zap.S().Debugf("Shutting down database")
	db.Shutdown()

	os.Exit(0)
}

func InitLogging() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)
}

func InitPrometheus() {
	// Prometheus
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitConnectionRegistry() {
	redisURI, err := env.GetAsString("REDIS_URI", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	redisPassword, err := env.GetAsString("REDIS_PASSWORD", false, "")
	if err != nil {
		zap.S().Error(err)
	}
	redisDB, err := env.GetAsInt("REDIS_DB", false, 0)
	if err != nil {
		zap.S().Error(err)
	}
	internal.InitConnectionRegistry(redisURI, redisPassword, redisDB)
}

func InitMQTT(health healthcheck.Handler) {
	mqttBrokerURL, err := env.GetAsString("MQTT_BROKER_URL", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	podName, err := env.GetAsString("MY_POD_NAME", false, "task-controller")
	if err != nil {
		zap.S().Error(err)
	}
	transport.SetupMQTT(mqttBrokerURL, podName, health)
}

func InitHealthCheck(db *postgresql.Connection) healthcheck.Handler {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))

	health.AddReadinessCheck("database", func() error {
		if !db.IsAvailable() {
			return errors.New("database is not available")
		}
		return nil
	})
	health.AddReadinessCheck("connection-registry", func() error {
		if !internal.IsRedisAvailable() {
			return errors.New("connection registry is not available")
		}
		return nil
	})

	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
	return health
}
