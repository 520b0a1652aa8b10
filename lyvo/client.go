package lyvo

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/clesyde/lyvo/cloud"
	"github.com/clesyde/lyvo/host"
)

// CloudClient is the host side of the cloud
type CloudClient struct {
	hass       *host.Hass
	basePath   string
	apiBaseURL string
	sn         string
}

// NewCloudClient creates the client and its base path below the config dir
func NewCloudClient(h *host.Hass, apiBaseURL, sn string) (*CloudClient, error) {
	basePath := filepath.Join(h.ConfigDir, RootPath)
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("cannot create %s: %w", basePath, err)
	}
	return &CloudClient{
		hass:       h,
		basePath:   basePath,
		apiBaseURL: apiBaseURL,
		sn:         sn,
	}, nil
}

// BasePath implements cloud.Client
func (c *CloudClient) BasePath() string { return c.basePath }

// HTTPClient implements cloud.Client
func (c *CloudClient) HTTPClient() *http.Client { return c.hass.HTTPClient }

// Loop implements cloud.Client
func (c *CloudClient) Loop() cloud.Loop { return c.hass.Loop }

// ClientName implements cloud.Client
func (c *CloudClient) ClientName() string { return c.hass.ServerSoftware() }

// APIBaseURL implements cloud.Client
func (c *CloudClient) APIBaseURL() string { return c.apiBaseURL }

// DeviceSN implements cloud.Client
func (c *CloudClient) DeviceSN() string { return c.sn }
