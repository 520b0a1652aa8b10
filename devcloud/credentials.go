package devcloud

import (
	"crypto/subtle"
	"crypto/x509"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/clesyde/lyvo/cloud"
	"github.com/clesyde/lyvo/core/access"
	"github.com/clesyde/lyvo/core/logger"
	"github.com/clesyde/lyvo/core/registry"
)

// StatusProvisioned is the state of a device that fetched its credentials
const StatusProvisioned = "provisioned"

// Device is the provisioning record of a device
type Device struct {
	Serial        string    `json:"serial"`
	Status        string    `json:"provisioning_status"`
	ProvisionedAt time.Time `json:"provisioned_at,omitempty"`
}

// CredentialsAPI is the RESTful interface providing device credentials to things
type CredentialsAPI struct {
	devices         registry.Accessor
	ca              *CA
	endpoint        string
	provisioningKey string
	mu              sync.Mutex
}

// CredentialsBuilder is a builder helper for the CredentialsAPI
type CredentialsBuilder struct {
	// Registry stores the provisioning records. This is mandatory.
	Registry registry.Registry
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// CA signs the device certificates. This is mandatory.
	CA *CA
	// ProvisioningKey is the shared secret things authenticate with. This is mandatory.
	ProvisioningKey string
	// Endpoint is the broker address handed to devices. This is mandatory.
	Endpoint string
}

// NewCredentialsAPI adds the /credentials route to the router. It also installs
// thing authorization middleware on the router.
func NewCredentialsAPI(b *CredentialsBuilder) *CredentialsAPI {
	if len(b.ProvisioningKey) == 0 {
		panic("provisioning key is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.CA == nil {
		panic("CA is missing")
	}
	if len(b.Endpoint) == 0 {
		panic("endpoint is missing")
	}
	a := &CredentialsAPI{
		devices:         b.Registry.Accessor("devices"),
		ca:              b.CA,
		endpoint:        b.Endpoint,
		provisioningKey: b.ProvisioningKey,
	}
	a.addMiddleware(b.Router)
	a.handleRoutes(b.Router)
	return a
}

func (a *CredentialsAPI) addMiddleware(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if access.AuthorizationFromContext(r.Context()) != nil {
				h.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(cloud.HeaderProvisioningKey)
			thing := r.Header.Get(cloud.HeaderDeviceSerial)
			if a.validKey(key) && len(thing) > 0 {
				auth := access.Authorization{Subject: thing, Roles: []string{access.RoleThing}}
				r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
			}
			h.ServeHTTP(w, r)
		})
	})
}

// validKey compares key with the provisioning key in constant time
func (a *CredentialsAPI) validKey(key string) bool {
	if a.provisioningKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(a.provisioningKey)) == 1
}

// Device returns the provisioning record of the device with serial sn
func (a *CredentialsAPI) Device(sn string) (Device, bool, error) {
	var device Device
	at, err := a.devices.Read(sn, &device)
	if err != nil || at.IsZero() {
		return device, false, err
	}
	return device, true, nil
}

// Reset allows the device with serial sn to fetch credentials again
func (a *CredentialsAPI) Reset(sn string) error {
	return a.devices.Delete(sn)
}

func (a *CredentialsAPI) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("device credentials")
	logger.Default().Debugln("  handle route: /credentials GET")

	router.HandleFunc("/credentials", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		auth := access.AuthorizationFromContext(r.Context())
		if auth == nil || !auth.HasRole(access.RoleThing) {
			http.Error(w, "thing not authorized", http.StatusUnauthorized)
			return
		}
		sn := auth.Subject
		rlog.Infoln("credential request from", sn)

		// one request per device at a time, credentials are handed out only once
		a.mu.Lock()
		defer a.mu.Unlock()

		device, found, err := a.Device(sn)
		if err != nil {
			rlog.WithError(err).Errorf("Error 2737")
			http.Error(w, "Error 2737", http.StatusInternalServerError)
			return
		}
		if found && device.Status == StatusProvisioned {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		certPEM, keyPEM, err := a.ca.Issue(sn, x509.ExtKeyUsageClientAuth)
		if err != nil {
			rlog.WithError(err).Errorf("Error 2738")
			http.Error(w, "Error 2738", http.StatusInternalServerError)
			return
		}

		device = Device{Serial: sn, Status: StatusProvisioned, ProvisionedAt: time.Now().UTC()}
		if err := a.devices.Write(sn, &device); err != nil {
			rlog.WithError(err).Errorf("Error 2740")
			http.Error(w, "Error 2740", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(
			struct {
				ThingName   string `json:"thing_name"`
				Endpoint    string `json:"endpoint"`
				Certificate string `json:"cert"`
				Key         string `json:"key"`
				CA          string `json:"ca"`
			}{
				ThingName:   sn,
				Endpoint:    a.endpoint,
				Certificate: string(certPEM),
				Key:         string(keyPEM),
				CA:          string(a.ca.CertificatePEM()),
			})
	}).Methods(http.MethodOptions, http.MethodGet)
}
