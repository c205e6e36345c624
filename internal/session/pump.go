package session

import (
	"errors"
	"io"

	"github.com/postalsys/tunsocks/internal/logging"
	"github.com/postalsys/tunsocks/internal/metrics"
)

// PumpResult is the outcome of one pump step.
type PumpResult int

const (
	// PumpError means the direction failed and the session must stop.
	PumpError PumpResult = -1
	// PumpNoWork means there was nothing to move.
	PumpNoWork PumpResult = 0
	// PumpWorkDone means one datagram was moved.
	PumpWorkDone PumpResult = 1
)

// String returns a human-readable name for the result.
func (r PumpResult) String() string {
	switch r {
	case PumpError:
		return "ERROR"
	case PumpNoWork:
		return "NO_WORK"
	case PumpWorkDone:
		return "WORK_DONE"
	default:
		return "UNKNOWN"
	}
}

// forward sends the head frame upstream. The frame is unlinked and released
// whether or not the send succeeds.
func (s *UDPSession) forward() PumpResult {
	f := s.queue.Front()
	if f == nil {
		return PumpNoWork
	}

	n, err := s.upstream.SendTo(f.Payload, f.Addr)

	s.queue.PopFront()
	f.release()
	s.metrics.RecordFrameDequeued()

	if err != nil || n <= 0 {
		s.logger.Error("forward send failed",
			logging.KeyRemoteAddr, f.Addr.String(),
			logging.KeyError, err)
		s.metrics.RecordPumpError(metrics.DirectionForward)
		return PumpError
	}

	s.bytesForward.Add(uint64(n))
	s.metrics.RecordBytes(metrics.DirectionForward, n)
	return PumpWorkDone
}

// backward moves one pending reply from the upstream relay back into the
// virtual endpoint, addressed from the flow's original destination.
func (s *UDPSession) backward() PumpResult {
	size, err := s.upstream.Probe()
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return PumpNoWork
		}
		s.logger.Error("backward probe failed", logging.KeyError, err)
		s.metrics.RecordPumpError(metrics.DirectionBackward)
		return PumpError
	}

	s.lock.Lock()
	buf, err := s.buffers.Get()
	s.lock.Unlock()
	if err != nil {
		s.logger.Error("backward buffer allocation failed", logging.KeyError, err)
		s.metrics.RecordPumpError(metrics.DirectionBackward)
		return PumpError
	}

	n, src, err := s.upstream.ReceiveFrom(buf)
	if errors.Is(err, io.ErrShortBuffer) {
		// Never deliver a truncated datagram.
		s.freeBuffer(buf)
		s.dropped.Add(1)
		s.metrics.RecordDrop(metrics.DropOversize)
		s.dropLog.Do(func() {
			s.logger.Warn("dropping oversized relay reply",
				logging.KeyBytes, size,
				"buffer_size", len(buf))
		})
		return PumpWorkDone
	}
	if err != nil || n <= 0 {
		s.freeBuffer(buf)
		s.logger.Error("backward receive failed", logging.KeyError, err)
		s.metrics.RecordPumpError(metrics.DirectionBackward)
		return PumpError
	}

	from, err := TranslateReply(src, s.local)
	if err != nil {
		s.freeBuffer(buf)
		s.logger.Error("backward reply address rejected",
			logging.KeyRemoteAddr, src.String(),
			logging.KeyError, err)
		s.metrics.RecordPumpError(metrics.DirectionBackward)
		return PumpError
	}

	buf = buf[:n]

	s.lock.Lock()
	if s.endpoint == nil {
		err = ErrEndpointClosed
	} else {
		err = s.endpoint.SendFrom(buf, from)
	}
	if err != nil {
		s.buffers.Put(buf)
	}
	s.lock.Unlock()

	if err != nil {
		s.logger.Error("backward delivery failed", logging.KeyError, err)
		s.metrics.RecordPumpError(metrics.DirectionBackward)
		return PumpError
	}

	s.touch()
	s.bytesBackward.Add(uint64(n))
	s.metrics.RecordBytes(metrics.DirectionBackward, n)
	return PumpWorkDone
}

func (s *UDPSession) freeBuffer(buf []byte) {
	s.lock.Lock()
	s.buffers.Put(buf)
	s.lock.Unlock()
}
