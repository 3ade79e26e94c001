package comms

import "fmt"

// CommunicatorHolder is an externally owned execution-context object onto
// which a constructed communicator is attached.
type CommunicatorHolder interface {
	SetCommunicator(*Communicator)
}

// Inject builds a collectives-only communicator and attaches it to h.
func Inject(h CommunicatorHolder, engine Engine, size, rank int, opts ...Option) error {
	c, err := New(engine, size, rank, opts...)
	if err != nil {
		return err
	}
	h.SetCommunicator(c)
	return nil
}

// InjectP2P builds a communicator with point-to-point enabled and
// attaches it to h.
func InjectP2P(h CommunicatorHolder, engine Engine, worker Worker, eps []Endpoint, size, rank int, opts ...Option) error {
	c, err := NewP2P(engine, worker, eps, size, rank, opts...)
	if err != nil {
		return err
	}
	h.SetCommunicator(c)
	return nil
}

// InjectRawEndpoints is the cross-language construction path: it accepts
// raw integer-encoded endpoint addresses, as produced by a foreign
// bootstrap layer, rebuilds them into typed endpoint handles through the
// worker, then delegates to InjectP2P. A zero address means "no endpoint
// for that peer".
func InjectRawEndpoints(h CommunicatorHolder, engine Engine, worker Worker, rawEPs []uint64, size, rank int, opts ...Option) error {
	if worker == nil {
		return ErrNilWorker
	}
	dec, ok := worker.(RawEndpointDecoder)
	if !ok {
		return ErrRawEndpoints
	}
	eps := make([]Endpoint, len(rawEPs))
	for i, raw := range rawEPs {
		if raw == 0 {
			continue
		}
		ep, err := dec.EndpointFromRaw(raw)
		if err != nil {
			return fmt.Errorf("%w: peer %d: %w", ErrRawEndpoints, i, err)
		}
		eps[i] = ep
	}
	return InjectP2P(h, engine, worker, eps, size, rank, opts...)
}
