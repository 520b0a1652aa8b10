/*
Package cloud is the client of the CLESYDE cloud

A Cloud provisions device credentials over HTTPS and keeps an MQTT session with
the IoT endpoint of the cloud. The device talks on two kinds of topics:

	clesyde/{sn}/status                              device status messages
	$aws/things/{sn}/shadow/name/{name}/{operation}  named shadow documents

Provisioning

The device authenticates with a provisioning key as header "Clesyde-Provisioning-Key"
and its serial number as header "Clesyde-Device-Serial":

	GET {api}/credentials

A 200 response carries the thing name, the IoT endpoint, an X.509 client certificate,
its private key and the root CA. The credentials are delivered only once, subsequent
requests are answered with 204 No Content. Credentials are stored in the base path
of the client, provisioning does nothing if they exist already.

Lifecycle

Initialize loads the stored credentials, fires the initialized callbacks and connects
with exponential backoff. Whenever the session comes up the start callbacks are fired,
whenever it goes down the stop callbacks. All callbacks run on the loop of the client,
in the order they were registered.
*/
package cloud
