package ble

import "fmt"

// Attach status codes, following the GATT status values most stacks report.
const (
	StatusLinkTimeout     = 8
	StatusPeerRejected    = 19
	StatusLocalTerminated = 22
	StatusEstablishFailed = 62
	StatusLinkedElsewhere = 133
	StatusGenericFailure  = 257
)

var attachStatusMessages = map[int]string{
	StatusLinkTimeout:     "connection timed out at the link layer, move closer to the device",
	StatusPeerRejected:    "device rejected the connection",
	StatusLocalTerminated: "connection was closed by this host",
	StatusEstablishFailed: "could not establish a connection, try again",
	StatusLinkedElsewhere: "device might be connected to another phone, disconnect it there and retry",
	StatusGenericFailure:  "connection failed, restart the device and try again",
}

// AttachStatusMessage maps a transport attach status to a user-facing reason.
func AttachStatusMessage(status int) string {
	if msg, ok := attachStatusMessages[status]; ok {
		return msg
	}
	return fmt.Sprintf("connection error: status %d", status)
}
