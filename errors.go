package comms

import "errors"

var (
	ErrInvalidCfg      = errors.New("comms: invalid options")
	ErrNilEngine       = errors.New("comms: collective engine is required")
	ErrNilWorker       = errors.New("comms: transport worker is required")
	ErrBadClusterShape = errors.New("comms: rank must be in [0, size)")
	ErrEndpointTable   = errors.New("comms: endpoint table must have one entry per rank")

	ErrCommAborted      = errors.New("comms: communicator aborted after backend fault, rebuild it externally")
	ErrSplitUnsupported = errors.New("comms: communicator split is not supported by the backend")

	ErrP2PNotEnabled   = errors.New("comms: communicator was not initialized for point-to-point")
	ErrPeerOutOfRange  = errors.New("comms: peer rank out of range")
	ErrPeerUnreachable = errors.New("comms: no endpoint for peer")
	ErrUnknownRequest  = errors.New("comms: wait on unknown request id")
	ErrWaitTimeout     = errors.New("comms: timed out waiting for requests")
	ErrRequestFailed   = errors.New("comms: transport request failed")

	ErrRawEndpoints = errors.New("comms: worker cannot decode raw endpoint addresses")
)
