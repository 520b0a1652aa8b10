package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/clesyde/lyvo/core/logger"
	"github.com/clesyde/lyvo/core/registry"
	"github.com/clesyde/lyvo/devcloud"
	"github.com/clesyde/lyvo/lyvo"
)

// Service holds the configuration for this service
//
// Without CA_CERT_FILE and CA_KEY_FILE an in-memory CA is created, devices
// then have to be provisioned again after every restart.
type Service struct {
	DataDir         string `env:"DATA_DIR,default=." description:"directory for the registry"`
	Listen          string `env:"LISTEN,default=:3000" description:"address of the REST API"`
	BrokerListen    string `env:"BROKER_LISTEN,default=:8883" description:"address of the MQTT broker"`
	Endpoint        string `env:"ENDPOINT,default=localhost:8883" description:"broker address handed to devices"`
	ProvisioningKey string `env:"PROVISIONING_KEY" description:"the provisioning key, defaults to the development key"`
	CACertFile      string `env:"CA_CERT_FILE" description:"the X.509 certificate of the certificate authority"`
	CAKeyFile       string `env:"CA_KEY_FILE" description:"the private key of the certificate authority"`
	LogLevel        string `env:"LOG_LEVEL,default=info" description:"debug, info, warning or error"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Component("devcloud")

	provisioningKey := service.ProvisioningKey
	if provisioningKey == "" {
		provisioningKey = lyvo.DevProvisioningKey
	}

	var ca *devcloud.CA
	var err error
	if service.CACertFile != "" && service.CAKeyFile != "" {
		ca, err = devcloud.LoadCA(service.CACertFile, service.CAKeyFile)
	} else {
		rlog.Warnln("no CA configured, using an in-memory CA")
		ca, err = devcloud.NewCA("LYVO devcloud CA")
	}
	if err != nil {
		panic(err)
	}

	reg := registry.MustOpen(filepath.Join(service.DataDir, "devcloud.db"))
	defer reg.Close()

	host, _, err := net.SplitHostPort(service.Endpoint)
	if err != nil {
		host = service.Endpoint
	}
	tlsConfig, err := ca.ServerTLSConfig(host)
	if err != nil {
		panic(err)
	}
	tlsln, err := tls.Listen("tcp", service.BrokerListen, tlsConfig)
	if err != nil {
		panic(err)
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	credentials := devcloud.NewCredentialsAPI(&devcloud.CredentialsBuilder{
		Registry:        reg,
		Router:          router,
		CA:              ca,
		ProvisioningKey: provisioningKey,
		Endpoint:        service.Endpoint,
	})
	shadows := devcloud.NewShadows(reg)
	broker := devcloud.NewBroker(&devcloud.Builder{
		Listener:    tlsln,
		Shadows:     shadows,
		Credentials: credentials,
	})
	devcloud.NewShadowAPI(&devcloud.ShadowBuilder{
		Shadows:   shadows,
		Router:    router,
		Publisher: broker,
	})

	server := &http.Server{Addr: service.Listen, Handler: router}
	go func() {
		rlog.Infoln("listen on", service.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rlog.WithError(err).Errorln("REST API stopped")
		}
	}()

	broker.Run()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	broker.Stop(ctx)
}
