package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/internal"
)

var shutdownEnabled bool

func main() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)

	internal.Initfgtrace()
	InitPrometheus()

	SetupDB()

	restUser, err := env.GetAsString("REST_USER", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	restPassword, err := env.GetAsString("REST_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	accounts := gin.Accounts{restUser: restPassword}

	go SetupRestAPI(accounts)

	awaitShutdown()
}

func awaitShutdown() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)

	sig := <-sigs
	zap.S().Infof("Received SIG %v", sig)
	ShutdownApplicationGraceful()
}

// ShutdownApplicationGraceful flips the healthcheck to "shutdown" so the load
// balancer drains us, then closes the database
func ShutdownApplicationGraceful() {
	zap.S().Infof("Shutting down application")
	shutdownEnabled = true

	ShutdownDB()

	zap.S().Infof("Successful shutdown. Exiting.")
	os.Exit(0)
}

func InitPrometheus() {
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
