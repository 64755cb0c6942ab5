package kernelserver

import "kbridge/capability"

// ClientSession is one client-facing connection multiplexing shell,
// control, and iopub traffic for a single logical client over one
// capability.ClientSocket, per spec §3's Client Session record.
type ClientSession struct {
	ID      string
	Session string // protocol Header.Session this client's requests carry
	Socket  capability.ClientSocket
	Filter  Filter
}
