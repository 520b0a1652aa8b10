package cloud

import "net/http"

// Loop schedules jobs on the event loop of the client application
type Loop interface {
	// Call schedules job and returns immediately. It returns false if the job
	// cannot be scheduled any more.
	Call(job func()) bool
}

// Client is the application side of the cloud. It is implemented by the
// integration which embeds the cloud.
type Client interface {
	// BasePath is the directory credentials are stored in
	BasePath() string
	// HTTPClient is the http session used for API calls
	HTTPClient() *http.Client
	// Loop is the loop callbacks are executed on
	Loop() Loop
	// ClientName is sent as User-Agent with API calls
	ClientName() string
	// APIBaseURL is the base url of the cloud API
	APIBaseURL() string
	// DeviceSN is the serial number of the device
	DeviceSN() string
}
