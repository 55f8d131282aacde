package engine

import "errors"

// Sentinel errors covering the engine's externally visible failure modes.
var (
	// ErrNotInitialized names the state of an Engine whose Init has not
	// run. No method in this package checks for that state or returns
	// this error.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrConfigurationInvalid indicates a config-to-binary conversion
	// failed; the section is ignored and a WARN is logged by the caller.
	ErrConfigurationInvalid = errors.New("configuration invalid")

	// ErrReaderFailed indicates the reader's HandlePacket returned a
	// nonzero result; the datagram is dropped.
	ErrReaderFailed = errors.New("rfc5444 reader error")

	// ErrWriterFailed indicates the writer's create/forward/flush
	// returned a nonzero result; the operation is abandoned.
	ErrWriterFailed = errors.New("rfc5444 writer error")

	// ErrMulticastTargetCreate indicates multicast-target (re)creation
	// failed during interface reconfiguration; the previous target (if
	// any) is retained.
	ErrMulticastTargetCreate = errors.New("multicast target creation failed")

	// ErrUnknownFamily indicates a destination address family this
	// engine does not recognize (neither 4-in-6 IPv4 nor native IPv6).
	ErrUnknownFamily = errors.New("unrecognized address family")
)
