package cloud

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/clesyde/lyvo/core/logger"
)

// Provisioning headers
const (
	HeaderProvisioningKey = "Clesyde-Provisioning-Key"
	HeaderDeviceSerial    = "Clesyde-Device-Serial"
)

// Provisioning downloads device credentials from the cloud API
type Provisioning struct {
	cloud *Cloud
}

// StartProvisioning makes sure the device has credentials. If credentials are
// stored already, nothing happens. Otherwise they are requested with key.
func (p *Provisioning) StartProvisioning(ctx context.Context, key string) error {
	client := p.cloud.client
	rlog := logger.FromContext(ctx).WithField("component", "provisioning")

	if config, err := LoadConfig(client.BasePath()); err == nil {
		rlog.Debugf("device %s is provisioned as %s", client.DeviceSN(), config.ThingName)
		return nil
	}

	url := strings.TrimSuffix(client.APIBaseURL(), "/") + "/credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderProvisioningKey, key)
	req.Header.Set(HeaderDeviceSerial, client.DeviceSN())
	req.Header.Set("User-Agent", client.ClientName())
	req.Header.Set("Accept", "application/json")

	res, err := client.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("provisioning request failed: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("provisioning response: %w", err)
	}

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return ErrAlreadyProvisioned
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrNotAuthorized
	default:
		return fmt.Errorf("provisioning failed with status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var creds credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}
	config, err := creds.store(client.BasePath())
	if err != nil {
		return fmt.Errorf("cannot store credentials: %w", err)
	}
	rlog.Infof("device %s provisioned as %s", client.DeviceSN(), config.ThingName)
	return nil
}
