// Package classify maps low-level MQTT and network errors into the small,
// closed set of reason tags used by the metrics aggregator and the dashboard.
package classify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Stage identifies where in the client lifecycle a failure was observed.
type Stage string

const (
	StageConnect    Stage = "connect"
	StageDisconnect Stage = "disconnect"
	StagePublish    Stage = "publish"
	StageException  Stage = "exception"
)

// Reason tags. This is the only vocabulary allowed into disconnect_causes.
const (
	ReasonOK                = "ok"
	ReasonAuth              = "auth"
	ReasonProtocol          = "protocol"
	ReasonClientID          = "client-id"
	ReasonBroker            = "broker"
	ReasonNetwork           = "network"
	ReasonNetworkTimeout    = "network-timeout"
	ReasonTLS               = "tls"
	ReasonPayload           = "payload"
	ReasonClientMemory      = "client-memory"
	ReasonClientBackpressure = "client-backpressure"
	ReasonClient            = "client"
	ReasonClientRequest     = "client-request"
	ReasonInternalError     = "internal-error"
	ReasonUnknown           = "unknown"
)

// connectReasons maps CONNACK return codes 1-5 to reason tags.
var connectReasons = map[int]struct{ reason, detail string }{
	1: {ReasonProtocol, "unacceptable protocol version"},
	2: {ReasonClientID, "client identifier rejected"},
	3: {ReasonBroker, "server unavailable"},
	4: {ReasonAuth, "bad username or password"},
	5: {ReasonAuth, "not authorized"},
}

// Classify maps a stage plus an optional CONNACK/return code and an optional
// error into a (reason, detail) pair. Pass rc < 0 when no code is available.
func Classify(stage Stage, rc int, err error) (string, string) {
	if err != nil {
		return classifyError(err)
	}

	if rc < 0 {
		return ReasonUnknown, "unknown failure cause"
	}

	if stage == StageConnect {
		if rc == 0 {
			return ReasonOK, "connected successfully"
		}
		if mapped, ok := connectReasons[rc]; ok {
			return mapped.reason, mapped.detail
		}
	}

	if stage == StageDisconnect && rc == 0 {
		return ReasonClientRequest, "client requested disconnect"
	}

	return ReasonBroker, fmt.Sprintf("rc=%d", rc)
}

func classifyError(err error) (string, string) {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return ReasonProtocol, "unacceptable protocol version"
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return ReasonClientID, "client identifier rejected"
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		return ReasonBroker, "server unavailable"
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return ReasonAuth, "bad username or password"
	case errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return ReasonAuth, "not authorized"
	case errors.Is(err, packets.ErrorProtocolViolation):
		return ReasonProtocol, "protocol violation"
	case errors.Is(err, packets.ErrorNetworkError):
		return ReasonNetwork, "network error"
	case errors.Is(err, mqtt.ErrNotConnected):
		return ReasonNetwork, "client not connected"
	case errors.Is(err, context.Canceled):
		return ReasonClientRequest, "operation cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonNetworkTimeout, "deadline exceeded: " + err.Error()
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonNetwork, "connection refused"
	case errors.Is(err, syscall.ECONNRESET):
		return ReasonNetwork, "connection reset by peer"
	case errors.Is(err, syscall.EPIPE):
		return ReasonNetwork, "broken pipe"
	case errors.Is(err, syscall.ENOMEM):
		return ReasonClientMemory, "out of memory"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ReasonNetworkTimeout, "i/o timeout: " + err.Error()
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ReasonTLS, "tls handshake failed: " + err.Error()
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return ReasonTLS, "tls record error: " + err.Error()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonNetworkTimeout, "timeout: " + err.Error()
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReasonNetwork, "dns failure: " + err.Error()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ReasonNetwork, opErr.Error()
	}

	return ReasonInternalError, err.Error()
}

// Graceful reports whether a terminal disconnect reason counts as a clean
// exit rather than a failure.
func Graceful(reason string) bool {
	switch reason {
	case "graceful", "loop_exit", "stopped", "cancelled":
		return true
	}
	return false
}
