/*Package devcloud provides a development cloud for LYVO boxes

It serves the three things a box needs from the cloud, so that the agent can
run end to end on a workstation.

Credentials

	GET /credentials

The box authenticates with the headers Clesyde-Provisioning-Key and
Clesyde-Device-Serial. The first request of a serial returns a client
certificate with the serial as common name, signed by the devcloud CA. Every
later request returns 204 No Content, credentials can only be downloaded once.

Broker

The MQTT broker only accepts TLS connections with a client certificate of the
CA, and the MQTT client ID must match the certificate common name. A device
may publish on

	clesyde/{sn}/...
	$aws/things/{sn}/...

and subscribe to

	$aws/things/{sn}/shadow/...

Named shadows work like on AWS IoT: publishing to
$aws/things/{sn}/shadow/name/{name}/get answers with the stored document on
.../get/accepted, publishing {"state":{"reported":{...}}} to .../update stores
the reported side.

Shadows

	GET /things/{sn}/shadows/{name}
	PUT /things/{sn}/shadows/{name}/desired

Putting the desired side stores it and sends it to the device on
.../update/delta.
*/
package devcloud
